package models

import (
	"encoding/json"
	"time"
)

// ResultLine is one line of a batch output or error file.
type ResultLine struct {
	ID       string        `json:"id"`
	CustomID string        `json:"custom_id"`
	Response *LineResponse `json:"response"`
	Error    *LineError    `json:"error"`
}

// LineResponse is the HTTP response the batch service recorded for a sub-request.
type LineResponse struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id"`
	Body       json.RawMessage `json:"body"`
}

// LineError is the error the batch service recorded for a sub-request.
type LineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Line outcomes recorded in the per-job ledger.
const (
	LineSucceeded = "succeeded"
	LineFailed    = "failed"
)

// LineOutcome is a ledger row marking a line as applied for a job.
type LineOutcome struct {
	CustomID  string    `db:"custom_id"  json:"custom_id"`
	Outcome   string    `db:"outcome"    json:"outcome"`
	Reason    *string   `db:"reason"     json:"reason,omitempty"`
	AppliedAt time.Time `db:"applied_at" json:"applied_at"`
}

// JobEvent is published when a job reaches a terminal status.
type JobEvent struct {
	JobID           string `json:"job_id"`
	ExternalBatchID string `json:"external_batch_id"`
	Status          string `json:"status"`
	ExternalStatus  string `json:"external_status,omitempty"`
	LinesSucceeded  int    `json:"lines_succeeded"`
	LinesFailed     int    `json:"lines_failed"`
	Error           string `json:"error,omitempty"`
	HappenedAt      int64  `json:"happened_at"`
}

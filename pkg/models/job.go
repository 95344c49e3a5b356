// Package models contains shared data models used across the batchsync codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusSubmitted  = "submitted"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// External statuses reported by the batch service.
const (
	ExternalValidating = "validating"
	ExternalInProgress = "in_progress"
	ExternalFinalizing = "finalizing"
	ExternalCompleted  = "completed"
	ExternalFailed     = "failed"
	ExternalExpired    = "expired"
	ExternalCancelling = "cancelling"
	ExternalCancelled  = "cancelled"
)

// BatchJob tracks one externally submitted group of sub-requests. It is created in
// status submitted by the submission service and advanced only by the poller.
type BatchJob struct {
	ID              uuid.UUID       `db:"id"                json:"id"`
	ExternalBatchID string          `db:"external_batch_id" json:"external_batch_id"`
	InputFileID     string          `db:"input_file_id"     json:"input_file_id"`
	OutputFileID    *string         `db:"output_file_id"    json:"output_file_id,omitempty"`
	ErrorFileID     *string         `db:"error_file_id"     json:"error_file_id,omitempty"`
	Status          string          `db:"status"            json:"status"`
	ExternalStatus  *string         `db:"external_status"   json:"external_status,omitempty"`
	Model           string          `db:"model"             json:"model"`
	Endpoint        string          `db:"endpoint"          json:"endpoint"`
	OutputSchema    json.RawMessage `db:"output_schema"     json:"output_schema"`
	Target          TargetStoreRef  `db:"target"            json:"target"`
	ErrorMessage    *string         `db:"error_message"     json:"error_message,omitempty"`
	LinesSucceeded  int             `db:"lines_succeeded"   json:"lines_succeeded"`
	LinesFailed     int             `db:"lines_failed"      json:"lines_failed"`
	CompletedAt     *time.Time      `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"        json:"updated_at"`
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// IsExternalFailure reports whether the batch service ended the batch without results.
// Cancellation is mirrored as failure; it is never initiated from here.
func IsExternalFailure(external string) bool {
	switch external {
	case ExternalFailed, ExternalExpired, ExternalCancelling, ExternalCancelled:
		return true
	}
	return false
}

// ExternalString returns the external status or "" when none has been observed.
func (j *BatchJob) ExternalString() string {
	if j.ExternalStatus == nil {
		return ""
	}
	return *j.ExternalStatus
}

package models

import (
	"errors"
	"net/url"
)

// TargetStoreRef describes where a job's results land. It is stored with the job and
// never shared process-wide, since jobs in flight may target different collections.
type TargetStoreRef struct {
	URI                  string `json:"uri"`
	Database             string `json:"database"`
	Collection           string `json:"collection"`
	StatusField          string `json:"status_field,omitempty"`
	ResponsesField       string `json:"responses_field,omitempty"`
	ResponseContentField string `json:"response_content_field,omitempty"`
	TimestampField       string `json:"timestamp_field,omitempty"`
	JobField             string `json:"job_field,omitempty"`
	CompletedValue       string `json:"completed_value,omitempty"`
	FailedValue          string `json:"failed_value,omitempty"`
}

// WithDefaults fills unset field names and status values.
func (t TargetStoreRef) WithDefaults() TargetStoreRef {
	if t.StatusField == "" {
		t.StatusField = "status"
	}
	if t.ResponsesField == "" {
		t.ResponsesField = "responses"
	}
	if t.ResponseContentField == "" {
		t.ResponseContentField = "response"
	}
	if t.TimestampField == "" {
		t.TimestampField = "updated"
	}
	if t.JobField == "" {
		t.JobField = "batch_job_id"
	}
	if t.CompletedValue == "" {
		t.CompletedValue = "completed"
	}
	if t.FailedValue == "" {
		t.FailedValue = "failed"
	}
	return t
}

// Validate checks that the connection descriptor is usable.
func (t TargetStoreRef) Validate() error {
	switch {
	case t.URI == "":
		return errors.New("target uri is required")
	case t.Database == "":
		return errors.New("target database is required")
	case t.Collection == "":
		return errors.New("target collection is required")
	}
	return nil
}

// Redacted returns a copy safe to expose through the API: any password in the
// URI is masked, and a URI that cannot be parsed is dropped.
func (t TargetStoreRef) Redacted() TargetStoreRef {
	if t.URI == "" {
		return t
	}
	u, err := url.Parse(t.URI)
	if err != nil {
		t.URI = ""
		return t
	}
	t.URI = u.Redacted()
	return t
}

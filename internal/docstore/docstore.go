// Package docstore applies batch line outcomes to records in the target document store.
package docstore

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/batchsync/pkg/models"
)

var (
	ErrRecordNotFound = errors.New("target record not found")
	ErrUnavailable    = errors.New("target store unavailable")
)

// Outcome is what a result line means for its target record.
type Outcome struct {
	Succeeded bool
	Content   any
	Reason    string
}

// Success appends content to the record's responses and marks it completed.
func Success(content any) Outcome {
	return Outcome{Succeeded: true, Content: content}
}

// Failure marks the record failed unless it already completed.
func Failure(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Ack reports whether Apply changed the record. Applied is false when the record
// already carries the outcome, which makes replays harmless.
type Ack struct {
	Applied bool
}

// Updater performs field-level conditional updates on target records.
// Implementations must be safe for concurrent use.
type Updater interface {
	Apply(ctx context.Context, target models.TargetStoreRef, recordID, jobID string, outcome Outcome) (Ack, error)
	Close(ctx context.Context) error
}

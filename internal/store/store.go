package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrPersistence = errors.New("job ledger write failed")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.BatchJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	GetJobByExternalID(ctx context.Context, externalBatchID string) (*models.BatchJob, error)
	// ListActiveJobs yields every job not in a terminal status. The sequence holds an
	// open cursor and should be consumed once per cycle.
	ListActiveJobs(ctx context.Context) iter.Seq2[*models.BatchJob, error]
	// TransitionJob moves a job from expected to next in a single conditional write.
	// It returns false when the job is no longer in expected.
	TransitionJob(ctx context.Context, id uuid.UUID, expected, next string, opts ...JobUpdateOption) (bool, error)

	AppliedLines(ctx context.Context, jobID uuid.UUID) (map[string]string, error)
	RecordLineOutcome(ctx context.Context, jobID uuid.UUID, customID, outcome string, reason *string) error
}

// JobUpdate collects the fields written alongside a status transition.
type JobUpdate struct {
	ExternalStatus *string
	OutputFileID   *string
	ErrorFileID    *string
	ErrorMessage   *string
	LinesSucceeded *int
	LinesFailed    *int
}

type JobUpdateOption func(*JobUpdate)

// NewJobUpdate folds opts into a JobUpdate.
func NewJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// ApplyTo mirrors a successful transition to next onto an in-memory job.
func (u JobUpdate) ApplyTo(job *models.BatchJob, next string, at time.Time) {
	job.Status = next
	job.UpdatedAt = at
	if models.IsTerminal(next) {
		job.CompletedAt = &at
	}
	if u.ExternalStatus != nil {
		job.ExternalStatus = u.ExternalStatus
	}
	if u.OutputFileID != nil {
		job.OutputFileID = u.OutputFileID
	}
	if u.ErrorFileID != nil {
		job.ErrorFileID = u.ErrorFileID
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = u.ErrorMessage
	}
	if u.LinesSucceeded != nil {
		job.LinesSucceeded = *u.LinesSucceeded
	}
	if u.LinesFailed != nil {
		job.LinesFailed = *u.LinesFailed
	}
}

func WithExternalStatus(status string) JobUpdateOption {
	return func(u *JobUpdate) {
		u.ExternalStatus = &status
	}
}

// WithOutputFileID records the output file id; nil leaves the column unchanged.
func WithOutputFileID(id *string) JobUpdateOption {
	return func(u *JobUpdate) {
		if id != nil {
			u.OutputFileID = id
		}
	}
}

// WithErrorFileID records the error file id; nil leaves the column unchanged.
func WithErrorFileID(id *string) JobUpdateOption {
	return func(u *JobUpdate) {
		if id != nil {
			u.ErrorFileID = id
		}
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(u *JobUpdate) {
		u.ErrorMessage = &msg
	}
}

func WithLineCounts(succeeded, failed int) JobUpdateOption {
	return func(u *JobUpdate) {
		u.LinesSucceeded = &succeeded
		u.LinesFailed = &failed
	}
}

var validTransitions = map[string][]string{
	models.JobStatusSubmitted:  {models.JobStatusProcessing, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether from -> to is an edge of the job lifecycle.
func CanTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const selectJob = `SELECT id, external_batch_id, input_file_id, output_file_id, error_file_id, status,
	external_status, model, endpoint, output_schema, target, error_message, lines_succeeded, lines_failed,
	completed_at, created_at, updated_at
	FROM batch_jobs`

func scanJob(row pgx.Row) (*models.BatchJob, error) {
	var j models.BatchJob
	err := row.Scan(&j.ID, &j.ExternalBatchID, &j.InputFileID, &j.OutputFileID, &j.ErrorFileID, &j.Status,
		&j.ExternalStatus, &j.Model, &j.Endpoint, &j.OutputSchema, &j.Target, &j.ErrorMessage, &j.LinesSucceeded,
		&j.LinesFailed, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.BatchJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.Status = models.JobStatusSubmitted

	var schema any
	if len(job.OutputSchema) > 0 {
		schema = job.OutputSchema
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, external_batch_id, input_file_id, status, external_status, model, endpoint, output_schema, target, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.ExternalBatchID, job.InputFileID, job.Status, job.ExternalStatus, job.Model, job.Endpoint, schema, job.Target,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %w", ErrPersistence, ErrDuplicateKey)
		}
		return fmt.Errorf("%w: create job: %w", ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByExternalID(ctx context.Context, externalBatchID string) (*models.BatchJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE external_batch_id = $1`, externalBatchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by external id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) iter.Seq2[*models.BatchJob, error] {
	return func(yield func(*models.BatchJob, error) bool) {
		rows, err := s.pool.Query(ctx,
			selectJob+` WHERE status NOT IN ('completed', 'failed') ORDER BY created_at`)
		if err != nil {
			yield(nil, fmt.Errorf("list active jobs: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				yield(nil, fmt.Errorf("scan job: %w", err))
				return
			}
			if !yield(j, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("list active jobs: %w", err))
		}
	}
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, expected, next string, opts ...JobUpdateOption) (bool, error) {
	if !CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	params := NewJobUpdate(opts...)

	now := time.Now().UTC()
	query := `UPDATE batch_jobs SET status = $3, updated_at = $4`
	args := []any{id, expected, next, now}
	argIdx := 5

	set := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	if models.IsTerminal(next) {
		set("completed_at", now)
	}
	if params.ExternalStatus != nil {
		set("external_status", *params.ExternalStatus)
	}
	if params.OutputFileID != nil {
		set("output_file_id", *params.OutputFileID)
	}
	if params.ErrorFileID != nil {
		set("error_file_id", *params.ErrorFileID)
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}
	if params.LinesSucceeded != nil {
		set("lines_succeeded", *params.LinesSucceeded)
	}
	if params.LinesFailed != nil {
		set("lines_failed", *params.LinesFailed)
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %s -> %s: %w", expected, next, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Line ledger ---

// AppliedLines maps each recorded custom_id of a job to its outcome.
func (s *PostgresStore) AppliedLines(ctx context.Context, jobID uuid.UUID) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT custom_id, outcome FROM batch_job_lines WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list applied lines: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var customID, outcome string
		if err := rows.Scan(&customID, &outcome); err != nil {
			return nil, fmt.Errorf("scan applied line: %w", err)
		}
		applied[customID] = outcome
	}
	return applied, rows.Err()
}

// RecordLineOutcome marks a line as applied. Recording the same line twice keeps the first outcome.
func (s *PostgresStore) RecordLineOutcome(ctx context.Context, jobID uuid.UUID, customID, outcome string, reason *string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_job_lines (job_id, custom_id, outcome, reason, applied_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id, custom_id) DO NOTHING`,
		jobID, customID, outcome, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record line outcome: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

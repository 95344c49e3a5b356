package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchsync/internal/api/response"
	"github.com/kiranshivaraju/batchsync/internal/cache"
	"github.com/kiranshivaraju/batchsync/internal/store"
	"github.com/kiranshivaraju/batchsync/internal/submit"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// maxSubmissionBytes bounds the request body of a submission.
const maxSubmissionBytes = 64 << 20

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Submitter defines the submission service the handler depends on.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (*models.BatchJob, error)
}

// JobReader is the read side of the job store used by the API.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ListActiveJobs(ctx context.Context) iter.Seq2[*models.BatchJob, error]
}

type submitResponse struct {
	JobID           uuid.UUID `json:"job_id"`
	ExternalBatchID string    `json:"external_batch_id"`
	Status          string    `json:"status"`
}

type statusResponse struct {
	JobID          uuid.UUID `json:"job_id"`
	Status         string    `json:"status"`
	ExternalStatus string    `json:"external_status,omitempty"`
	Source         string    `json:"source"`
}

// NewCreateBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
func NewCreateBatchHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submit.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Submission body is too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), req)
		if err != nil {
			var verrs submit.ValidationErrors
			switch {
			case errors.As(err, &verrs):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Submission failed validation", verrs)
			case errors.Is(err, submit.ErrSubmission):
				slog.Error("batch submission failed", "error", err)
				response.Error(w, http.StatusBadGateway, "BATCH_SERVICE_UNAVAILABLE",
					"The batch service did not accept the submission", nil)
			default:
				slog.Error("recording submission failed", "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, path.Join(r.URL.Path, job.ID.String(), "status"), submitResponse{
			JobID:           job.ID,
			ExternalBatchID: job.ExternalBatchID,
			Status:          job.Status,
		})
	}
}

// NewGetBatchHandler returns an http.HandlerFunc for GET /api/v1/batches/{jobID}.
// Snapshots are cached under cache.JobRecordKey; the poller drops the key on
// every transition.
func NewGetBatchHandler(jobs JobReader, c cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}
		key := cache.JobRecordKey(jobID)

		if cached, hit, err := c.Get(r.Context(), key); err != nil {
			slog.Warn("reading job snapshot failed", "job_id", jobID, "error", err)
		} else if hit {
			var job models.BatchJob
			if err := json.Unmarshal(cached, &job); err == nil {
				response.JSON(w, &job)
				return
			}
		}

		job, ok := loadJob(w, r, jobs, jobID)
		if !ok {
			return
		}
		job.Target = job.Target.Redacted()

		if raw, err := json.Marshal(job); err == nil {
			if err := c.Set(r.Context(), key, raw, ttl); err != nil {
				slog.Warn("caching job snapshot failed", "job_id", jobID, "error", err)
			}
		}
		response.JSON(w, job)
	}
}

// NewGetBatchStatusHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{jobID}/status. The cache answers first; a miss falls back
// to the store and refills the cache.
func NewGetBatchStatusHandler(jobs JobReader, c cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		status, hit, err := c.GetJobStatus(r.Context(), jobID)
		if err != nil {
			slog.Warn("reading cached status failed", "job_id", jobID, "error", err)
		}
		if hit {
			response.JSON(w, statusResponse{JobID: jobID, Status: status, Source: "cache"})
			return
		}

		job, ok := loadJob(w, r, jobs, jobID)
		if !ok {
			return
		}
		if err := c.SetJobStatus(r.Context(), jobID, job.Status, ttl); err != nil {
			slog.Warn("caching job status failed", "job_id", jobID, "error", err)
		}
		response.JSON(w, statusResponse{
			JobID:          jobID,
			Status:         job.Status,
			ExternalStatus: job.ExternalString(),
			Source:         "store",
		})
	}
}

// NewListBatchesHandler returns an http.HandlerFunc for GET /api/v1/batches,
// paging through jobs that have not reached a terminal status.
func NewListBatchesHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := queryInt(r, "page", 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := queryInt(r, "limit", defaultPageLimit)
		if err != nil || limit < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}

		offset := (page - 1) * limit
		items := make([]*models.BatchJob, 0, limit)
		total := 0
		for job, err := range jobs.ListActiveJobs(r.Context()) {
			if err != nil {
				slog.Error("listing active jobs failed", "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
				return
			}
			if total >= offset && len(items) < limit {
				job.Target = job.Target.Redacted()
				items = append(items, job)
			}
			total++
		}

		response.Collection(w, items, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: offset+len(items) < total,
		})
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func loadJob(w http.ResponseWriter, r *http.Request, jobs JobReader, id uuid.UUID) (*models.BatchJob, bool) {
	job, err := jobs.GetJob(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return nil, false
	case err != nil:
		slog.Error("loading job failed", "job_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return nil, false
	}
	return job, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

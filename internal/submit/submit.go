// Package submit turns a submission request into an uploaded JSONL input file, a
// remote batch and a job record in status submitted.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchsync/internal/backoff"
	"github.com/kiranshivaraju/batchsync/internal/batch"
	"github.com/kiranshivaraju/batchsync/internal/cache"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// ErrSubmission wraps failures to hand the input to the batch service.
var ErrSubmission = errors.New("batch submission failed")

const (
	maxReportedErrors = 50
	maxContextLen     = 120

	metadataJobID = "batchsync_job_id"
)

// Validation error types reported to callers.
const (
	ErrTypeEmpty       = "empty_batch"
	ErrTypeModel       = "missing_model"
	ErrTypeEndpoint    = "invalid_endpoint"
	ErrTypeJSON        = "invalid_json"
	ErrTypeMissing     = "missing_field"
	ErrTypeDuplicateID = "duplicate_custom_id"
	ErrTypeMethod      = "invalid_method"
	ErrTypeURL         = "invalid_url"
	ErrTypeBody        = "invalid_body"
	ErrTypeSchema      = "invalid_schema"
	ErrTypeTarget      = "invalid_target"
)

// ValidationError describes one problem with a submission. Line is 1-indexed and
// zero for request-level problems.
type ValidationError struct {
	Type    string `json:"type"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// ValidationErrors is returned by Submit when the request is rejected before
// anything is sent to the batch service.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		msgs = append(msgs, ve.Error())
	}
	return "invalid submission: " + strings.Join(msgs, "; ")
}

// Request is a batch submission as received from the API.
type Request struct {
	Model            string                `json:"model"`
	Endpoint         string                `json:"endpoint,omitempty"`
	CompletionWindow string                `json:"completion_window,omitempty"`
	Requests         []json.RawMessage     `json:"requests"`
	OutputSchema     json.RawMessage       `json:"output_schema,omitempty"`
	Target           models.TargetStoreRef `json:"target"`
	Metadata         map[string]string     `json:"metadata,omitempty"`
}

// requestLine is one line of the JSONL input file.
type requestLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// SchemaCompiler checks output schemas before a job is accepted.
type SchemaCompiler interface {
	Compile(schema json.RawMessage) error
}

// JobCreator persists newly submitted jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, job *models.BatchJob) error
}

// Service validates and submits batches.
type Service struct {
	client           batch.Client
	store            JobCreator
	schemas          SchemaCompiler
	policy           backoff.Policy
	endpoint         string
	completionWindow string
	cache            cache.Cache
	statusTTL        time.Duration
	logger           *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache records the submitted status in c with the given TTL.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.statusTTL = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service. endpoint and completionWindow are used when a
// request leaves them unset.
func NewService(client batch.Client, st JobCreator, schemas SchemaCompiler, policy backoff.Policy, endpoint, completionWindow string, opts ...Option) *Service {
	s := &Service{
		client:           client,
		store:            st,
		schemas:          schemas,
		policy:           policy,
		endpoint:         endpoint,
		completionWindow: completionWindow,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req, uploads its lines, creates the remote batch and records the
// job. Input problems are returned as ValidationErrors and nothing is uploaded.
func (s *Service) Submit(ctx context.Context, req Request) (*models.BatchJob, error) {
	start := time.Now()

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = s.endpoint
	}
	window := req.CompletionWindow
	if window == "" {
		window = s.completionWindow
	}

	lines, verrs := s.check(req, endpoint)
	if len(verrs) > 0 {
		return nil, verrs
	}

	payload, err := encodeLines(lines)
	if err != nil {
		return nil, fmt.Errorf("encoding input file: %w", err)
	}

	jobID := uuid.New()
	filename := fmt.Sprintf("batchsync-%s.jsonl", jobID)

	var fileID string
	err = s.policy.Retry(ctx, "upload_file", func(ctx context.Context) error {
		id, err := s.client.UploadFile(ctx, filename, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		fileID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: uploading input file: %w", ErrSubmission, err)
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[metadataJobID] = jobID.String()

	var created *batch.Status
	err = s.policy.Retry(ctx, "create_batch", func(ctx context.Context) error {
		st, err := s.client.CreateBatch(ctx, batch.CreateRequest{
			InputFileID:      fileID,
			Endpoint:         endpoint,
			CompletionWindow: window,
			Metadata:         metadata,
		})
		// A timed out create may still have produced a batch; retrying could
		// submit the same lines twice.
		if errors.Is(err, batch.ErrTimeout) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		created = st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating batch: %w", ErrSubmission, err)
	}

	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:              jobID,
		ExternalBatchID: created.ID,
		InputFileID:     fileID,
		Status:          models.JobStatusSubmitted,
		Model:           req.Model,
		Endpoint:        endpoint,
		OutputSchema:    req.OutputSchema,
		Target:          req.Target,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if created.Status != "" {
		ext := created.Status
		job.ExternalStatus = &ext
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		s.logger.Error("batch created but job not recorded",
			"job_id", jobID,
			"external_batch_id", created.ID,
			"error", err,
		)
		return nil, fmt.Errorf("recording job: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetJobStatus(ctx, job.ID, job.Status, s.statusTTL); err != nil {
			s.logger.Warn("caching job status failed", "job_id", job.ID, "error", err)
		}
	}

	s.logger.Info("batch submitted",
		"job_id", job.ID,
		"external_batch_id", job.ExternalBatchID,
		"lines", len(lines),
		"endpoint", endpoint,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return job, nil
}

// check validates the whole request and collects every problem found, up to
// maxReportedErrors.
func (s *Service) check(req Request, endpoint string) ([]requestLine, ValidationErrors) {
	var errs ValidationErrors
	add := func(ve ValidationError) {
		if len(errs) < maxReportedErrors {
			errs = append(errs, ve)
		}
	}

	if strings.TrimSpace(req.Model) == "" {
		add(ValidationError{Type: ErrTypeModel, Message: "model is required"})
	}
	if !batch.SupportedEndpoint(endpoint) {
		add(ValidationError{Type: ErrTypeEndpoint, Message: fmt.Sprintf("endpoint %q is not supported", endpoint)})
	}
	if err := req.Target.Validate(); err != nil {
		add(ValidationError{Type: ErrTypeTarget, Message: err.Error()})
	}
	if s.schemas != nil {
		if err := s.schemas.Compile(req.OutputSchema); err != nil {
			add(ValidationError{Type: ErrTypeSchema, Message: err.Error()})
		}
	}
	if len(req.Requests) == 0 {
		add(ValidationError{Type: ErrTypeEmpty, Message: "at least one request is required"})
		return nil, errs
	}

	lines := make([]requestLine, 0, len(req.Requests))
	seen := make(map[string]int, len(req.Requests))
	for i, raw := range req.Requests {
		n := i + 1
		var l requestLine
		if err := json.Unmarshal(raw, &l); err != nil {
			add(ValidationError{Type: ErrTypeJSON, Line: n, Message: "request is not a JSON object", Context: snippet(raw)})
			continue
		}

		var missing []string
		if l.CustomID == "" {
			missing = append(missing, "custom_id")
		}
		if l.Method == "" {
			missing = append(missing, "method")
		}
		if l.URL == "" {
			missing = append(missing, "url")
		}
		if len(l.Body) == 0 || string(l.Body) == "null" {
			missing = append(missing, "body")
		}
		if len(missing) > 0 {
			add(ValidationError{
				Type:    ErrTypeMissing,
				Line:    n,
				Message: "missing required fields: " + strings.Join(missing, ", "),
				Context: snippet(raw),
			})
			continue
		}

		if first, dup := seen[l.CustomID]; dup {
			add(ValidationError{
				Type:    ErrTypeDuplicateID,
				Line:    n,
				Message: fmt.Sprintf("custom_id %q already used on line %d", l.CustomID, first),
			})
			continue
		}
		seen[l.CustomID] = n

		if l.Method != http.MethodPost {
			add(ValidationError{Type: ErrTypeMethod, Line: n, Message: fmt.Sprintf("method must be POST, got %q", l.Method)})
		}
		if l.URL != endpoint {
			add(ValidationError{Type: ErrTypeURL, Line: n, Message: fmt.Sprintf("url %q does not match endpoint %q", l.URL, endpoint)})
		}
		if body := bytes.TrimSpace(l.Body); len(body) == 0 || body[0] != '{' {
			add(ValidationError{Type: ErrTypeBody, Line: n, Message: "body must be a JSON object", Context: snippet(l.Body)})
		}

		lines = append(lines, l)
	}
	return lines, errs
}

func encodeLines(lines []requestLine) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range lines {
		// Encode appends the newline that terminates each JSONL record.
		if err := enc.Encode(l); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// snippet shortens raw for error context without splitting a UTF-8 sequence.
func snippet(raw []byte) string {
	s := string(raw)
	if len(s) <= maxContextLen {
		return s
	}
	cut := maxContextLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Package poller advances batch jobs through their lifecycle, one cycle per trigger.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/batchsync/internal/backoff"
	"github.com/kiranshivaraju/batchsync/internal/batch"
	"github.com/kiranshivaraju/batchsync/internal/cache"
	"github.com/kiranshivaraju/batchsync/internal/ingest"
	"github.com/kiranshivaraju/batchsync/internal/notify"
	"github.com/kiranshivaraju/batchsync/internal/store"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// ErrMissingFiles means the batch service reported completion without any result file.
var ErrMissingFiles = errors.New("completed batch has no output or error file")

// Ingester applies a completed job's results.
type Ingester interface {
	Ingest(ctx context.Context, job *models.BatchJob) (ingest.Summary, error)
}

// CycleReport counts what one cycle did with each active job.
type CycleReport struct {
	Seen      int
	Unchanged int
	Advanced  int
	Completed int
	Failed    int
	// Skipped jobs could not be polled this cycle and were left untouched.
	Skipped int
	// Lost jobs were advanced by another orchestrator first.
	Lost    int
	Errored int
	Elapsed time.Duration
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeAdvanced
	outcomeCompleted
	outcomeFailed
	outcomeSkipped
	outcomeLost
	outcomeErrored
)

func (r *CycleReport) add(o outcome) {
	switch o {
	case outcomeUnchanged:
		r.Unchanged++
	case outcomeAdvanced:
		r.Advanced++
	case outcomeCompleted:
		r.Completed++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeLost:
		r.Lost++
	case outcomeErrored:
		r.Errored++
	}
}

// Orchestrator runs orchestration cycles. Several orchestrators may share one store;
// conditional transitions keep each job's lifecycle linear.
type Orchestrator struct {
	store       store.Store
	client      batch.Client
	ingester    Ingester
	policy      backoff.Policy
	cache       cache.Cache
	notifier    notify.Notifier
	concurrency int
	statusTTL   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithCache mirrors every transition into the job status cache.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cache = c
		o.statusTTL = ttl
	}
}

// WithNotifier publishes an event for each terminal transition.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithConcurrency bounds how many jobs a cycle processes at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an Orchestrator.
func New(st store.Store, client batch.Client, ingester Ingester, policy backoff.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		client:      client,
		ingester:    ingester,
		policy:      policy,
		notifier:    notify.Noop{},
		concurrency: 1,
		statusTTL:   24 * time.Hour,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunCycle processes every active job once. Per-job failures, panics included, are
// logged and counted; only a failure to list jobs is returned.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	var (
		mu      sync.Mutex
		report  CycleReport
		listErr error
	)

	var g errgroup.Group
	g.SetLimit(o.concurrency)

	// The listing cursor holds a pool connection until it is exhausted, and
	// workers need their own for transitions and the ledger.
	var jobs []*models.BatchJob
	for job, err := range o.store.ListActiveJobs(ctx) {
		if err != nil {
			listErr = err
			break
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		report.Seen++
		g.Go(func() error {
			res := o.processSafely(ctx, job)
			mu.Lock()
			report.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(start)
	o.logger.Info("poller.cycle",
		"seen", report.Seen,
		"advanced", report.Advanced,
		"completed", report.Completed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"lost", report.Lost,
		"errored", report.Errored,
		"elapsed_ms", report.Elapsed.Milliseconds(),
	)

	if listErr != nil {
		return report, fmt.Errorf("listing active jobs: %w", listErr)
	}
	return report, ctx.Err()
}

// Run executes a cycle immediately and then every interval until ctx is done.
// cycleTimeout bounds each cycle when positive.
func (o *Orchestrator) Run(ctx context.Context, interval, cycleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cycleCtx, cancel := ctx, context.CancelFunc(func() {})
		if cycleTimeout > 0 {
			cycleCtx, cancel = context.WithTimeout(ctx, cycleTimeout)
		}
		if _, err := o.RunCycle(cycleCtx); err != nil && ctx.Err() == nil {
			o.logger.Error("poller.cycle.failed", "error", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) processSafely(ctx context.Context, job *models.BatchJob) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic processing job",
				"error", r,
				"job_id", job.ID,
				"stack", string(debug.Stack()),
			)
			res = outcomeErrored
		}
	}()
	return o.process(ctx, job)
}

func (o *Orchestrator) process(ctx context.Context, job *models.BatchJob) outcome {
	logger := o.logger.With("job_id", job.ID, "external_batch_id", job.ExternalBatchID)

	var st *batch.Status
	err := o.policy.Retry(ctx, "status "+job.ExternalBatchID, func(ctx context.Context) error {
		var err error
		st, err = o.client.GetStatus(ctx, job.ExternalBatchID)
		return err
	})
	if err != nil {
		logger.Warn("poller.status.unavailable", "error", err)
		return outcomeSkipped
	}

	switch {
	case models.IsExternalFailure(st.Status):
		return o.fail(ctx, logger, job, st)
	case st.Status == models.ExternalCompleted:
		return o.complete(ctx, logger, job, st)
	case st.Status == models.ExternalValidating, st.Status == models.ExternalInProgress, st.Status == models.ExternalFinalizing:
		return o.progress(ctx, logger, job, st)
	default:
		logger.Warn("poller.status.unknown", "external_status", st.Status)
		return outcomeSkipped
	}
}

// progress records a non-terminal external status.
func (o *Orchestrator) progress(ctx context.Context, logger *slog.Logger, job *models.BatchJob, st *batch.Status) outcome {
	if job.Status == models.JobStatusProcessing && job.ExternalString() == st.Status {
		return outcomeUnchanged
	}
	won, err := o.transition(ctx, job, models.JobStatusProcessing, fileOptions(st)...)
	switch {
	case err != nil:
		logger.Error("poller.transition.failed", "error", err)
		return outcomeErrored
	case !won:
		return outcomeLost
	}
	logger.Info("poller.job.progress", "external_status", st.Status)
	return outcomeAdvanced
}

// complete claims the job for ingestion, applies its results and marks it completed.
func (o *Orchestrator) complete(ctx context.Context, logger *slog.Logger, job *models.BatchJob, st *batch.Status) outcome {
	won, err := o.transition(ctx, job, models.JobStatusProcessing, fileOptions(st)...)
	switch {
	case err != nil:
		logger.Error("poller.transition.failed", "error", err)
		return outcomeErrored
	case !won:
		return outcomeLost
	}

	if job.OutputFileID == nil && job.ErrorFileID == nil {
		logger.Error("poller.ingest.failed", "error", ErrMissingFiles)
		return outcomeErrored
	}
	if job.OutputFileID == nil {
		logger.Warn("poller.ingest.no_output", "error_file_id", *job.ErrorFileID)
	}

	start := time.Now()
	sum, err := o.ingester.Ingest(ctx, job)
	if err != nil {
		logger.Error("poller.ingest.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return outcomeErrored
	}

	won, err = o.transition(ctx, job, models.JobStatusCompleted,
		store.WithExternalStatus(st.Status),
		store.WithLineCounts(sum.Succeeded, sum.Failed),
	)
	switch {
	case err != nil:
		logger.Error("poller.transition.failed", "error", err)
		return outcomeErrored
	case !won:
		return outcomeLost
	}

	logger.Info("poller.job.completed",
		"lines_succeeded", sum.Succeeded,
		"lines_failed", sum.Failed,
		"lines_skipped", sum.Skipped,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	o.publish(ctx, logger, job)
	return outcomeCompleted
}

// fail mirrors a terminal external failure.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, job *models.BatchJob, st *batch.Status) outcome {
	msg := "batch " + st.Status
	if detail := st.Errors.Summary(); detail != "" {
		msg += ": " + detail
	}

	opts := append(fileOptions(st), store.WithErrorMessage(msg))
	won, err := o.transition(ctx, job, models.JobStatusFailed, opts...)
	switch {
	case err != nil:
		logger.Error("poller.transition.failed", "error", err)
		return outcomeErrored
	case !won:
		return outcomeLost
	}

	logger.Warn("poller.job.failed", "external_status", st.Status, "reason", msg)
	o.publish(ctx, logger, job)
	return outcomeFailed
}

// transition moves job from its known status to next and mirrors the change onto job.
func (o *Orchestrator) transition(ctx context.Context, job *models.BatchJob, next string, opts ...store.JobUpdateOption) (bool, error) {
	won, err := o.store.TransitionJob(ctx, job.ID, job.Status, next, opts...)
	if err != nil || !won {
		return won, err
	}

	store.NewJobUpdate(opts...).ApplyTo(job, next, o.now())

	if o.cache != nil {
		if err := o.cache.RecordTransition(ctx, job.ID, next, o.statusTTL); err != nil {
			o.logger.Warn("poller.cache.failed", "job_id", job.ID, "error", err)
		}
	}
	return true, nil
}

func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, job *models.BatchJob) {
	event := models.JobEvent{
		JobID:           job.ID.String(),
		ExternalBatchID: job.ExternalBatchID,
		Status:          job.Status,
		ExternalStatus:  job.ExternalString(),
		LinesSucceeded:  job.LinesSucceeded,
		LinesFailed:     job.LinesFailed,
		HappenedAt:      o.now().Unix(),
	}
	if job.ErrorMessage != nil {
		event.Error = *job.ErrorMessage
	}
	if err := o.notifier.Notify(ctx, event); err != nil {
		logger.Warn("poller.notify.failed", "error", err)
	}
}

func fileOptions(st *batch.Status) []store.JobUpdateOption {
	return []store.JobUpdateOption{
		store.WithExternalStatus(st.Status),
		store.WithOutputFileID(st.OutputFileID),
		store.WithErrorFileID(st.ErrorFileID),
	}
}

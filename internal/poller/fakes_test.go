package poller_test

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchsync/internal/cache"
	"github.com/kiranshivaraju/batchsync/internal/store"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// memStore is an in-memory store.Store with the same conditional-write semantics
// as the Postgres implementation. It records every status change it applies.
type memStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.BatchJob
	lines   map[uuid.UUID]map[string]string
	history map[uuid.UUID][]string

	// transitionHook runs before each transition; returning false makes it lose.
	transitionHook func(id uuid.UUID, expected, next string) bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[uuid.UUID]*models.BatchJob),
		lines:   make(map[uuid.UUID]map[string]string),
		history: make(map[uuid.UUID][]string),
	}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) CreateJob(_ context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusSubmitted
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	s.jobs[job.ID] = &cp
	s.history[job.ID] = []string{job.Status}
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) GetJobByExternalID(_ context.Context, externalBatchID string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ExternalBatchID == externalBatchID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ListActiveJobs(context.Context) iter.Seq2[*models.BatchJob, error] {
	s.mu.Lock()
	var active []*models.BatchJob
	for _, j := range s.jobs {
		if !models.IsTerminal(j.Status) {
			cp := *j
			active = append(active, &cp)
		}
	}
	s.mu.Unlock()

	return func(yield func(*models.BatchJob, error) bool) {
		for _, j := range active {
			if !yield(j, nil) {
				return
			}
		}
	}
}

func (s *memStore) TransitionJob(_ context.Context, id uuid.UUID, expected, next string, opts ...store.JobUpdateOption) (bool, error) {
	if !store.CanTransition(expected, next) {
		return false, store.ErrInvalidTransition
	}
	if s.transitionHook != nil && !s.transitionHook(id, expected, next) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != expected {
		return false, nil
	}
	store.NewJobUpdate(opts...).ApplyTo(j, next, time.Now().UTC())
	s.history[id] = append(s.history[id], next)
	return true, nil
}

func (s *memStore) AppliedLines(_ context.Context, jobID uuid.UUID) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.lines[jobID] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) RecordLineOutcome(_ context.Context, jobID uuid.UUID, customID, outcome string, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lines[jobID] == nil {
		s.lines[jobID] = make(map[string]string)
	}
	if _, ok := s.lines[jobID][customID]; !ok {
		s.lines[jobID][customID] = outcome
	}
	return nil
}

func (s *memStore) statusHistory(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history[id]...)
}

var _ store.Store = (*memStore)(nil)

// memCache records job statuses and deleted keys.
type memCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
	deleted  []string
}

func newMemCache() *memCache {
	return &memCache{statuses: make(map[uuid.UUID]string)}
}

func (c *memCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *memCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *memCache) Ping(context.Context) error                               { return nil }

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, key)
	return nil
}

func (c *memCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *memCache) RecordTransition(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	c.deleted = append(c.deleted, cache.JobRecordKey(jobID))
	return nil
}

func (c *memCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

// memNotifier records published events.
type memNotifier struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (n *memNotifier) Notify(_ context.Context, e models.JobEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *memNotifier) Close() {}

func (n *memNotifier) Events() []models.JobEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.JobEvent(nil), n.events...)
}

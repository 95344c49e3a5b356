package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/batchsync/internal/docstore"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// Record is an in-memory target document.
type Record struct {
	Status    string
	Responses []Response
}

// Response is one appended response element.
type Response struct {
	Content any
	Updated time.Time
	JobID   string
}

// Updater satisfies docstore.Updater against in-memory records, applying the same
// guards as the MongoDB implementation.
type Updater struct {
	mu      sync.Mutex
	records map[string]*Record
	calls   int

	// ApplyFunc, when set, runs before the in-memory update and may short-circuit it.
	ApplyFunc func(ctx context.Context, recordID string, outcome docstore.Outcome) (ack docstore.Ack, handled bool, err error)
}

// NewUpdater returns an Updater seeded with the given record ids.
func NewUpdater(recordIDs ...string) *Updater {
	u := &Updater{records: make(map[string]*Record)}
	for _, id := range recordIDs {
		u.records[id] = &Record{Status: "pending"}
	}
	return u
}

func (u *Updater) Apply(ctx context.Context, target models.TargetStoreRef, recordID, jobID string, outcome docstore.Outcome) (docstore.Ack, error) {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()

	if u.ApplyFunc != nil {
		if ack, handled, err := u.ApplyFunc(ctx, recordID, outcome); handled {
			return ack, err
		}
	}

	target = target.WithDefaults()

	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.records[recordID]
	if !ok {
		return docstore.Ack{}, docstore.ErrRecordNotFound
	}

	if outcome.Succeeded {
		for _, r := range rec.Responses {
			if r.JobID == jobID {
				return docstore.Ack{}, nil
			}
		}
		rec.Responses = append(rec.Responses, Response{Content: outcome.Content, Updated: time.Now().UTC(), JobID: jobID})
		rec.Status = target.CompletedValue
		return docstore.Ack{Applied: true}, nil
	}

	if rec.Status == target.CompletedValue {
		return docstore.Ack{}, nil
	}
	rec.Status = target.FailedValue
	return docstore.Ack{Applied: true}, nil
}

func (u *Updater) Close(context.Context) error { return nil }

// Record returns a copy of the record with the given id.
func (u *Updater) Record(id string) (Record, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.records[id]
	if !ok {
		return Record{}, false
	}
	cp := *rec
	cp.Responses = append([]Response(nil), rec.Responses...)
	return cp, true
}

// Calls returns how many times Apply was invoked.
func (u *Updater) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

var _ docstore.Updater = (*Updater)(nil)

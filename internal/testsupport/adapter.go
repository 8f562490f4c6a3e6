package testsupport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fairyhunter13/jobguard/internal/domain"
)

// FakeAdapter is a function-field stub of domain.QueueAdapter.
type FakeAdapter struct {
	mu sync.Mutex

	Reenqueued []domain.JobRecord
	Submitted  []string
	Started    bool
	Closed     bool

	Type        domain.QueueType
	SubmitFn    func(ctx context.Context, jobName string, data json.RawMessage, opts domain.SubmitOptions) (string, error)
	ReenqueueFn func(ctx context.Context, rec domain.JobRecord) (bool, error)
	HeartbeatFn func(ctx context.Context, jobID string) error
}

var _ domain.QueueAdapter = (*FakeAdapter)(nil)

func (f *FakeAdapter) QueueType() domain.QueueType {
	if f.Type == "" {
		return domain.QueueBull
	}
	return f.Type
}

func (f *FakeAdapter) Submit(ctx context.Context, jobName string, data json.RawMessage, opts domain.SubmitOptions) (string, error) {
	f.mu.Lock()
	f.Submitted = append(f.Submitted, jobName)
	f.mu.Unlock()
	if f.SubmitFn != nil {
		return f.SubmitFn(ctx, jobName, data, opts)
	}
	return "1", nil
}

func (f *FakeAdapter) Start(_ context.Context) error {
	f.mu.Lock()
	f.Started = true
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) Reenqueue(ctx context.Context, rec domain.JobRecord) (bool, error) {
	f.mu.Lock()
	f.Reenqueued = append(f.Reenqueued, rec)
	f.mu.Unlock()
	if f.ReenqueueFn != nil {
		return f.ReenqueueFn(ctx, rec)
	}
	return true, nil
}

func (f *FakeAdapter) Heartbeat(ctx context.Context, jobID string) error {
	if f.HeartbeatFn != nil {
		return f.HeartbeatFn(ctx, jobID)
	}
	return nil
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// ReenqueueCalls returns a snapshot of records passed to Reenqueue.
func (f *FakeAdapter) ReenqueueCalls() []domain.JobRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.JobRecord, len(f.Reenqueued))
	copy(out, f.Reenqueued)
	return out
}

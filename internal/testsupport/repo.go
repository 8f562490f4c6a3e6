// Package testsupport provides hand-rolled fakes shared by unit tests.
package testsupport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fairyhunter13/jobguard/internal/domain"
)

// InsertCall records one InsertJob invocation.
type InsertCall struct {
	JobID       string
	JobName     string
	Data        json.RawMessage
	Attempts    int
	MaxAttempts int
}

// StatusCall records one UpdateJobStatus invocation.
type StatusCall struct {
	JobID  string
	Status domain.JobStatus
}

// ErrorCall records one UpdateJobError invocation.
type ErrorCall struct {
	JobID  string
	ErrMsg string
}

// FakeRepo is a function-field stub of domain.JobRepository. Unset
// functions succeed with zero values. All recorded state is
// mutex-guarded so concurrent adapter goroutines can hit it.
type FakeRepo struct {
	mu sync.Mutex

	Inserts    []InsertCall
	Statuses   []StatusCall
	Errors     []ErrorCall
	Heartbeats []string
	BulkStatus map[domain.JobStatus][][]string
	BulkDead   [][]string

	InsertFn    func(ctx context.Context, jobID string) (bool, error)
	StatusFn    func(ctx context.Context, jobID string, status domain.JobStatus) error
	ErrorFn     func(ctx context.Context, jobID, errMsg string) error
	HeartbeatFn func(ctx context.Context, jobID string) error
	StuckFn     func(ctx context.Context) ([]domain.JobRecord, []string, error)
	DeleteFn    func(ctx context.Context, retentionDays int) (int64, error)
	StatsFn     func(ctx context.Context) (domain.QueueStats, error)
	GetFn       func(ctx context.Context, jobID string) (domain.JobRecord, error)
}

var _ domain.JobRepository = (*FakeRepo)(nil)

func (f *FakeRepo) InsertJob(ctx context.Context, _ string, _ domain.QueueType, jobID, jobName string, data json.RawMessage, attempts, maxAttempts int) (bool, error) {
	f.mu.Lock()
	f.Inserts = append(f.Inserts, InsertCall{JobID: jobID, JobName: jobName, Data: data, Attempts: attempts, MaxAttempts: maxAttempts})
	f.mu.Unlock()
	if f.InsertFn != nil {
		return f.InsertFn(ctx, jobID)
	}
	return true, nil
}

func (f *FakeRepo) UpdateJobStatus(ctx context.Context, _ string, _ domain.QueueType, jobID string, status domain.JobStatus) error {
	f.mu.Lock()
	f.Statuses = append(f.Statuses, StatusCall{JobID: jobID, Status: status})
	f.mu.Unlock()
	if f.StatusFn != nil {
		return f.StatusFn(ctx, jobID, status)
	}
	return nil
}

func (f *FakeRepo) UpdateJobError(ctx context.Context, _ string, _ domain.QueueType, jobID, errMsg string) error {
	f.mu.Lock()
	f.Errors = append(f.Errors, ErrorCall{JobID: jobID, ErrMsg: errMsg})
	f.mu.Unlock()
	if f.ErrorFn != nil {
		return f.ErrorFn(ctx, jobID, errMsg)
	}
	return nil
}

func (f *FakeRepo) UpdateHeartbeat(ctx context.Context, _ string, _ domain.QueueType, jobID string) error {
	f.mu.Lock()
	f.Heartbeats = append(f.Heartbeats, jobID)
	f.mu.Unlock()
	if f.HeartbeatFn != nil {
		return f.HeartbeatFn(ctx, jobID)
	}
	return nil
}

func (f *FakeRepo) GetAndMarkStuckJobs(ctx context.Context, _ string, _ domain.QueueType, _ time.Duration, _ int, _ bool) ([]domain.JobRecord, []string, error) {
	if f.StuckFn != nil {
		return f.StuckFn(ctx)
	}
	return nil, nil, nil
}

func (f *FakeRepo) BulkUpdateStatus(_ context.Context, ids []string, status domain.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BulkStatus == nil {
		f.BulkStatus = make(map[domain.JobStatus][][]string)
	}
	f.BulkStatus[status] = append(f.BulkStatus[status], ids)
	return nil
}

func (f *FakeRepo) BulkMarkDead(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BulkDead = append(f.BulkDead, ids)
	return nil
}

func (f *FakeRepo) DeleteOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	if f.DeleteFn != nil {
		return f.DeleteFn(ctx, retentionDays)
	}
	return 0, nil
}

func (f *FakeRepo) GetStatistics(ctx context.Context, _ string, _ domain.QueueType) (domain.QueueStats, error) {
	if f.StatsFn != nil {
		return f.StatsFn(ctx)
	}
	return domain.QueueStats{}, nil
}

func (f *FakeRepo) GetJob(ctx context.Context, _ string, _ domain.QueueType, jobID string) (domain.JobRecord, error) {
	if f.GetFn != nil {
		return f.GetFn(ctx, jobID)
	}
	return domain.JobRecord{}, domain.ErrNotFound
}

// InsertCalls returns a snapshot of recorded inserts.
func (f *FakeRepo) InsertCalls() []InsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InsertCall, len(f.Inserts))
	copy(out, f.Inserts)
	return out
}

// StatusCalls returns a snapshot of recorded status updates.
func (f *FakeRepo) StatusCalls() []StatusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StatusCall, len(f.Statuses))
	copy(out, f.Statuses)
	return out
}

// ErrorCalls returns a snapshot of recorded error updates.
func (f *FakeRepo) ErrorCalls() []ErrorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ErrorCall, len(f.Errors))
	copy(out, f.Errors)
	return out
}

// HeartbeatCalls returns a snapshot of recorded heartbeats.
func (f *FakeRepo) HeartbeatCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Heartbeats))
	copy(out, f.Heartbeats)
	return out
}

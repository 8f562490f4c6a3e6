// Package domain defines the core entities and ports of JobGuard:
// the mirrored job record, its status state machine, the error
// taxonomy, and the repository/adapter interfaces the rest of the
// module is wired through.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	// ErrCircuitOpen is returned when the database circuit breaker is open
	// and calls are being rejected fail-fast.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrPostgresConnection indicates connectivity or pool-exhaustion failure.
	ErrPostgresConnection = errors.New("postgres connection")
	// ErrUnsupportedQueue indicates adapter selection failed; fatal at construction.
	ErrUnsupportedQueue = errors.New("unsupported queue")
	// ErrReconciliation wraps an error that escaped a reconciliation cycle,
	// or an invalid reconciliation configuration.
	ErrReconciliation = errors.New("reconciliation")
	// ErrValidation indicates an oversized payload, an over-long job name,
	// or an unserializable payload.
	ErrValidation = errors.New("validation")
	// ErrNotFound indicates the requested job record does not exist.
	ErrNotFound = errors.New("not found")
)

// QueueType identifies the broker family a queue belongs to.
type QueueType string

const (
	QueueBull   QueueType = "bull"
	QueueBullMQ QueueType = "bullmq"
	QueueBee    QueueType = "bee"
)

// Valid reports whether t names a supported broker family.
func (t QueueType) Valid() bool {
	switch t {
	case QueueBull, QueueBullMQ, QueueBee:
		return true
	}
	return false
}

// JobStatus is the mirrored lifecycle state of a tracked job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobStuck      JobStatus = "stuck"
	JobDead       JobStatus = "dead"
)

// Terminal reports whether the status is final. Terminal rows are
// append-only reincarnations: a re-submitted job id gets a new row.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobDead:
		return true
	}
	return false
}

// JobRecord mirrors one broker job into the relational store.
// Invariants: at most one non-terminal row per (queue, type, job id);
// attempts <= max attempts; completed_at set iff status is terminal.
type JobRecord struct {
	ID            string
	QueueName     string
	QueueType     QueueType
	JobID         string
	JobName       string
	Data          json.RawMessage
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
}

// QueueStats aggregates per-status row counts for one queue.
type QueueStats struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Stuck      int64
	Dead       int64
	Total      int64
}

// SubmitOptions carries producer options intercepted at submit time.
type SubmitOptions struct {
	// JobID forces a broker job id instead of a generated one. Used by the
	// re-enqueue protocol on Bull and BullMQ; Bee cannot honor it.
	JobID string
	// Attempts seeds the mirrored attempt counter. Zero for fresh submits.
	Attempts int
	// MaxAttempts bounds retries before the record goes dead. Default 3.
	MaxAttempts int
	// Delay postpones execution on brokers that support delayed jobs.
	Delay time.Duration
}

// JobEventKind enumerates the broker lifecycle transitions the adapters
// subscribe to.
type JobEventKind string

const (
	EventActive    JobEventKind = "active"
	EventCompleted JobEventKind = "completed"
	EventFailed    JobEventKind = "failed"
)

// JobEvent is one lifecycle transition observed on the broker's event
// stream.
type JobEvent struct {
	Kind         JobEventKind
	JobID        string
	FailedReason string
}

// JobRepository is the authoritative port for all data operations.
// Every implementation call is a suspension point (network I/O).
type JobRepository interface {
	// InsertJob upserts a pending record for a freshly submitted job.
	// On conflict with a non-terminal row it refreshes data, attempts and
	// status; on top of a terminal row it creates a new row. The returned
	// bool is false when the statement matched nothing (already-done).
	InsertJob(ctx context.Context, queue string, qt QueueType, jobID, jobName string, data json.RawMessage, attempts, maxAttempts int) (bool, error)
	// UpdateJobStatus moves a non-terminal record to status, maintaining
	// started_at, last_heartbeat and completed_at per the state machine.
	UpdateJobStatus(ctx context.Context, queue string, qt QueueType, jobID string, status JobStatus) error
	// UpdateJobError increments attempts, stores the sanitized message and
	// computes failed-vs-dead in SQL to stay race-safe.
	UpdateJobError(ctx context.Context, queue string, qt QueueType, jobID, errMsg string) error
	// UpdateHeartbeat bumps last_heartbeat, only while processing.
	UpdateHeartbeat(ctx context.Context, queue string, qt QueueType, jobID string) error
	// GetAndMarkStuckJobs transactionally harvests stale processing rows:
	// marks them stuck, partitions by remaining attempts, marks the
	// exhausted ones dead, and returns (to-re-enqueue, dead ids).
	GetAndMarkStuckJobs(ctx context.Context, queue string, qt QueueType, threshold time.Duration, batchSize int, useHeartbeat bool) ([]JobRecord, []string, error)
	// BulkUpdateStatus sets status on records by internal id.
	BulkUpdateStatus(ctx context.Context, ids []string, status JobStatus) error
	// BulkMarkDead moves records to dead and stamps completed_at.
	BulkMarkDead(ctx context.Context, ids []string) error
	// DeleteOldJobs removes terminal rows past the retention window and
	// returns the number deleted.
	DeleteOldJobs(ctx context.Context, retentionDays int) (int64, error)
	// GetStatistics aggregates per-status counts for a queue.
	GetStatistics(ctx context.Context, queue string, qt QueueType) (QueueStats, error)
	// GetJob loads the most recent record for a business key.
	GetJob(ctx context.Context, queue string, qt QueueType, jobID string) (JobRecord, error)
}

// QueueAdapter is the broker-family-specific capability set: intercept
// submit, consume lifecycle events, atomic re-enqueue, heartbeat,
// dispose.
type QueueAdapter interface {
	QueueType() QueueType
	// Submit validates and forwards a job to the broker, then mirrors a
	// pending record. Validation failures surface to the caller; mirror
	// failures after a successful enqueue are logged, not returned.
	Submit(ctx context.Context, jobName string, data json.RawMessage, opts SubmitOptions) (string, error)
	// Start attaches the broker lifecycle event consumer.
	Start(ctx context.Context) error
	// Reenqueue re-injects a harvested stuck record into the broker. It
	// re-verifies the record is still stuck and removes the broker-side
	// job atomically before re-submitting; returns false when skipped.
	Reenqueue(ctx context.Context, rec JobRecord) (bool, error)
	// Heartbeat records worker liveness for a processing job.
	Heartbeat(ctx context.Context, jobID string) error
	// Close detaches listeners and marks the adapter disposed. Idempotent.
	Close() error
}

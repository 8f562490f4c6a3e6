// Package shared holds the broker-agnostic half of the queue adapters:
// submission validation, error sanitization and the lifecycle event
// handling that mirrors broker transitions into the repository.
package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	obs "github.com/fairyhunter13/jobguard/internal/adapter/observability"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
)

// RemovalPolicy controls the broker-side removal step of a re-enqueue.
// The zero value is the safe default: a job the broker no longer knows
// is skipped, and the non-atomic fallback is used when the atomic
// script cannot run.
type RemovalPolicy struct {
	// Strict fails the removal instead of falling back to a non-atomic
	// pipeline when the script cannot run.
	Strict bool
	// ResubmitMissing re-submits from the mirrored payload when the
	// broker no longer holds the job. Opt-in: it can duplicate work the
	// broker already discarded.
	ResubmitMissing bool
}

// BaseAdapter is embedded by every broker adapter. Tracking failures
// after a successful enqueue are logged, never returned: the job is
// already on the broker, so the producer call must not fail.
type BaseAdapter struct {
	Repo   domain.JobRepository
	Log    *slog.Logger
	Queue  string
	QType  domain.QueueType
	Limits config.LimitsConfig
}

// ValidateSubmission enforces the payload and name limits before a job
// touches the broker.
func (b *BaseAdapter) ValidateSubmission(jobName string, data json.RawMessage) error {
	if max := b.Limits.MaxJobNameLength; max > 0 && len(jobName) > max {
		return fmt.Errorf("op=queue.validate: job name %d chars exceeds %d: %w", len(jobName), max, domain.ErrValidation)
	}
	if max := b.Limits.MaxJobDataSize; max > 0 && len(data) > max {
		return fmt.Errorf("op=queue.validate: payload %d bytes exceeds %d: %w", len(data), max, domain.ErrValidation)
	}
	if len(data) > 0 && !json.Valid(data) {
		return fmt.Errorf("op=queue.validate: payload is not valid JSON: %w", domain.ErrValidation)
	}
	return nil
}

// TrackSubmit mirrors a freshly enqueued job as a pending record.
func (b *BaseAdapter) TrackSubmit(ctx context.Context, jobID, jobName string, data json.RawMessage, attempts, maxAttempts int) {
	created, err := b.Repo.InsertJob(ctx, b.Queue, b.QType, jobID, jobName, data, attempts, maxAttempts)
	if err != nil {
		b.Log.Error("failed to track submitted job",
			slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if created {
		obs.JobsTrackedTotal.WithLabelValues(b.Queue, string(b.QType)).Inc()
	}
}

// HandleEvent mirrors one broker lifecycle transition. Repository
// errors are logged; the event stream must keep flowing.
func (b *BaseAdapter) HandleEvent(ctx context.Context, ev domain.JobEvent) {
	var err error
	switch ev.Kind {
	case domain.EventActive:
		err = b.Repo.UpdateJobStatus(ctx, b.Queue, b.QType, ev.JobID, domain.JobProcessing)
	case domain.EventCompleted:
		err = b.Repo.UpdateJobStatus(ctx, b.Queue, b.QType, ev.JobID, domain.JobCompleted)
		if err == nil {
			obs.JobsCompletedTotal.WithLabelValues(b.Queue).Inc()
		}
	case domain.EventFailed:
		err = b.Repo.UpdateJobError(ctx, b.Queue, b.QType, ev.JobID, SanitizeError(ev.FailedReason))
		if err == nil {
			obs.JobsFailedTotal.WithLabelValues(b.Queue).Inc()
		}
	default:
		b.Log.Debug("ignoring unknown job event", slog.String("kind", string(ev.Kind)))
		return
	}
	if err != nil {
		b.Log.Error("failed to mirror job event",
			slog.String("kind", string(ev.Kind)),
			slog.String("job_id", ev.JobID),
			slog.Any("error", err))
	}
}

// TrackHeartbeat bumps worker liveness for a processing job. Failures
// are swallowed; a missed heartbeat only delays stuck detection.
func (b *BaseAdapter) TrackHeartbeat(ctx context.Context, jobID string) {
	if err := b.Repo.UpdateHeartbeat(ctx, b.Queue, b.QType, jobID); err != nil {
		b.Log.Debug("heartbeat update failed",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}

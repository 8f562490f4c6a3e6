// Package bullmq adapts JobGuard to BullMQ. BullMQ shares Bull's
// bull:<queue>: key prefix but replaces pub/sub with an events stream
// (bull:<queue>:events) and tracks finished jobs in completed/failed
// zsets.
package bullmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	obs "github.com/fairyhunter13/jobguard/internal/adapter/observability"
	"github.com/fairyhunter13/jobguard/internal/adapter/queue/shared"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
)

// removeIfUnprocessed deletes a BullMQ job and its indexing entries
// unless the completed or failed zset already holds it.
// Returns 1 removed, 0 absent, -1 already processed.
var removeIfUnprocessed = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return -1
end
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
	return -1
end
redis.call('LREM', KEYS[4], 0, ARGV[1])
redis.call('LREM', KEYS[5], 0, ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// Adapter implements domain.QueueAdapter for BullMQ queues.
type Adapter struct {
	shared.BaseAdapter

	client  redis.UniversalClient
	prefix  string
	removal shared.RemovalPolicy

	subscriber *eventSubscriber
	closeOne   sync.Once
	disposed   atomic.Bool
}

// New builds a BullMQ adapter bound to one queue.
func New(client redis.UniversalClient, repo domain.JobRepository, log *slog.Logger, queue string, limits config.LimitsConfig, removal shared.RemovalPolicy) *Adapter {
	return &Adapter{
		BaseAdapter: shared.BaseAdapter{
			Repo:   repo,
			Log:    log.With(slog.String("component", "bullmq_adapter")),
			Queue:  queue,
			QType:  domain.QueueBullMQ,
			Limits: limits,
		},
		client:  client,
		prefix:  "bull:" + queue,
		removal: removal,
	}
}

func (a *Adapter) QueueType() domain.QueueType { return domain.QueueBullMQ }

func (a *Adapter) jobKey(id string) string { return a.prefix + ":" + id }
func (a *Adapter) waitKey() string         { return a.prefix + ":wait" }
func (a *Adapter) activeKey() string       { return a.prefix + ":active" }
func (a *Adapter) delayedKey() string      { return a.prefix + ":delayed" }
func (a *Adapter) completedKey() string    { return a.prefix + ":completed" }
func (a *Adapter) failedKey() string       { return a.prefix + ":failed" }
func (a *Adapter) idKey() string           { return a.prefix + ":id" }
func (a *Adapter) eventsKey() string       { return a.prefix + ":events" }

// Submit writes the job hash, queues the id and mirrors a pending
// record.
func (a *Adapter) Submit(ctx context.Context, jobName string, data json.RawMessage, opts domain.SubmitOptions) (string, error) {
	if a.disposed.Load() {
		return "", fmt.Errorf("op=bullmq.submit: adapter closed")
	}
	if err := a.ValidateSubmission(jobName, data); err != nil {
		return "", err
	}

	jobID := opts.JobID
	if jobID == "" {
		n, err := a.client.Incr(ctx, a.idKey()).Result()
		if err != nil {
			return "", fmt.Errorf("op=bullmq.submit: %w", err)
		}
		jobID = strconv.FormatInt(n, 10)
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	optsJSON, _ := json.Marshal(map[string]any{
		"attempts": maxAttempts,
		"delay":    opts.Delay.Milliseconds(),
	})

	fields := map[string]any{
		"name":         jobName,
		"data":         string(data),
		"opts":         string(optsJSON),
		"timestamp":    time.Now().UnixMilli(),
		"attemptsMade": opts.Attempts,
	}
	if err := a.client.HSet(ctx, a.jobKey(jobID), fields).Err(); err != nil {
		return "", fmt.Errorf("op=bullmq.submit: %w", err)
	}

	if opts.Delay > 0 {
		score := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := a.client.ZAdd(ctx, a.delayedKey(), redis.Z{Score: score, Member: jobID}).Err(); err != nil {
			return "", fmt.Errorf("op=bullmq.submit: %w", err)
		}
	} else {
		if err := a.client.LPush(ctx, a.waitKey(), jobID).Err(); err != nil {
			return "", fmt.Errorf("op=bullmq.submit: %w", err)
		}
	}

	a.TrackSubmit(ctx, jobID, jobName, data, opts.Attempts, maxAttempts)
	return jobID, nil
}

// Start attaches the events-stream subscriber. The subscriber is a
// distinct object with its own lifecycle; Close shuts it down.
func (a *Adapter) Start(ctx context.Context) error {
	if a.disposed.Load() {
		return fmt.Errorf("op=bullmq.start: adapter closed")
	}
	a.subscriber = newEventSubscriber(a.client, a.eventsKey(), &a.BaseAdapter)
	a.subscriber.start(ctx)
	a.Log.Info("bullmq event subscriber attached", slog.String("queue", a.Queue))
	return nil
}

// Reenqueue re-injects a harvested stuck job: re-verify the record is
// still stuck, atomically remove the broker-side job unless it already
// finished, then re-submit under the same id with attempts bumped.
func (a *Adapter) Reenqueue(ctx context.Context, rec domain.JobRecord) (bool, error) {
	cur, err := a.Repo.GetJob(ctx, a.Queue, a.QType, rec.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("op=bullmq.reenqueue: %w", err)
	}
	if cur.Status != domain.JobStuck {
		a.Log.Debug("skipping re-enqueue, job progressed",
			slog.String("job_id", rec.JobID), slog.String("status", string(cur.Status)))
		return false, nil
	}

	removed, err := a.removeBrokerJob(ctx, rec.JobID)
	if err != nil {
		return false, fmt.Errorf("op=bullmq.reenqueue: %w", err)
	}
	if !removed {
		return false, nil
	}

	if _, err := a.Submit(ctx, rec.JobName, rec.Data, domain.SubmitOptions{
		JobID:       rec.JobID,
		Attempts:    rec.Attempts + 1,
		MaxAttempts: rec.MaxAttempts,
	}); err != nil {
		return false, fmt.Errorf("op=bullmq.reenqueue: %w", err)
	}
	obs.JobsReenqueuedTotal.WithLabelValues(a.Queue).Inc()
	return true, nil
}

func (a *Adapter) removeBrokerJob(ctx context.Context, jobID string) (bool, error) {
	keys := []string{
		a.jobKey(jobID), a.completedKey(), a.failedKey(),
		a.activeKey(), a.waitKey(), a.delayedKey(),
	}
	res, err := removeIfUnprocessed.Run(ctx, a.client, keys, jobID).Int()
	if err != nil {
		if a.removal.Strict {
			return false, err
		}
		a.Log.Warn("atomic removal unavailable, using non-atomic fallback", slog.Any("error", err))
		return a.removeBrokerJobFallback(ctx, jobID)
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		if a.removal.ResubmitMissing {
			return true, nil
		}
		a.Log.Debug("broker job missing, skipping re-enqueue", slog.String("job_id", jobID))
		return false, nil
	default:
		return false, nil
	}
}

func (a *Adapter) removeBrokerJobFallback(ctx context.Context, jobID string) (bool, error) {
	for _, zset := range []string{a.completedKey(), a.failedKey()} {
		if err := a.client.ZScore(ctx, zset, jobID).Err(); err == nil {
			return false, nil
		} else if err != redis.Nil {
			return false, err
		}
	}
	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, a.activeKey(), 0, jobID)
	pipe.LRem(ctx, a.waitKey(), 0, jobID)
	pipe.ZRem(ctx, a.delayedKey(), jobID)
	pipe.Del(ctx, a.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Heartbeat records worker liveness for a processing job.
func (a *Adapter) Heartbeat(ctx context.Context, jobID string) error {
	return a.Repo.UpdateHeartbeat(ctx, a.Queue, a.QType, jobID)
}

// Close shuts down the event subscriber. Idempotent.
func (a *Adapter) Close() error {
	a.closeOne.Do(func() {
		a.disposed.Store(true)
		if a.subscriber != nil {
			a.subscriber.close()
		}
		a.Log.Info("bullmq adapter disposed", slog.String("queue", a.Queue))
	})
	return nil
}

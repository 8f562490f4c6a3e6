// Package bull adapts JobGuard to Bull (the classic Redis queue).
// Bull keeps job hashes under bull:<queue>:<id>, wait/active lists and
// a delayed zset, and broadcasts lifecycle events on the
// bull:<queue>:global:* pub/sub channels.
package bull

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

// removeIfUnprocessed deletes a Bull job and its indexing entries only
// while the broker has no finished/failed marker for it.
// Returns 1 removed, 0 absent, -1 already processed.
var removeIfUnprocessed = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HEXISTS', KEYS[1], 'finishedOn') == 1 then
	return -1
end
if redis.call('HEXISTS', KEYS[1], 'failedReason') == 1 then
	return -1
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// Adapter implements domain.QueueAdapter for Bull queues.
type Adapter struct {
	shared.BaseAdapter

	client  redis.UniversalClient
	prefix  string
	removal shared.RemovalPolicy

	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeOne sync.Once
	disposed atomic.Bool
}

// New builds a Bull adapter bound to one queue.
func New(client redis.UniversalClient, repo domain.JobRepository, log *slog.Logger, queue string, limits config.LimitsConfig, removal shared.RemovalPolicy) *Adapter {
	return &Adapter{
		BaseAdapter: shared.BaseAdapter{
			Repo:   repo,
			Log:    log.With(slog.String("component", "bull_adapter")),
			Queue:  queue,
			QType:  domain.QueueBull,
			Limits: limits,
		},
		client:  client,
		prefix:  "bull:" + queue,
		removal: removal,
	}
}

func (a *Adapter) QueueType() domain.QueueType { return domain.QueueBull }

func (a *Adapter) jobKey(id string) string { return a.prefix + ":" + id }
func (a *Adapter) waitKey() string         { return a.prefix + ":wait" }
func (a *Adapter) activeKey() string       { return a.prefix + ":active" }
func (a *Adapter) delayedKey() string      { return a.prefix + ":delayed" }
func (a *Adapter) idKey() string           { return a.prefix + ":id" }

// Submit writes the job hash, queues the id and mirrors a pending
// record. The broker enqueue is authoritative; mirror failures are
// logged by TrackSubmit, not returned.
func (a *Adapter) Submit(ctx context.Context, jobName string, data json.RawMessage, opts domain.SubmitOptions) (string, error) {
	if a.disposed.Load() {
		return "", fmt.Errorf("op=bull.submit: adapter closed")
	}
	if err := a.ValidateSubmission(jobName, data); err != nil {
		return "", err
	}

	jobID := opts.JobID
	if jobID == "" {
		n, err := a.client.Incr(ctx, a.idKey()).Result()
		if err != nil {
			return "", fmt.Errorf("op=bull.submit: %w", err)
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
		"delay":        opts.Delay.Milliseconds(),
	}
	if err := a.client.HSet(ctx, a.jobKey(jobID), fields).Err(); err != nil {
		return "", fmt.Errorf("op=bull.submit: %w", err)
	}

	if opts.Delay > 0 {
		score := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := a.client.ZAdd(ctx, a.delayedKey(), redis.Z{Score: score, Member: jobID}).Err(); err != nil {
			return "", fmt.Errorf("op=bull.submit: %w", err)
		}
	} else {
		if err := a.client.LPush(ctx, a.waitKey(), jobID).Err(); err != nil {
			return "", fmt.Errorf("op=bull.submit: %w", err)
		}
	}

	a.TrackSubmit(ctx, jobID, jobName, data, opts.Attempts, maxAttempts)
	return jobID, nil
}

// Start subscribes to the queue's global lifecycle channels and mirrors
// events until Close.
func (a *Adapter) Start(ctx context.Context) error {
	if a.disposed.Load() {
		return fmt.Errorf("op=bull.start: adapter closed")
	}

	// The consumer outlives the caller's context; Close owns its
	// cancellation. A short-lived init context must not kill the stream.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	channels := []string{
		a.prefix + ":global:active",
		a.prefix + ":global:completed",
		a.prefix + ":global:failed",
	}
	a.pubsub = a.client.Subscribe(loopCtx, channels...)
	// Force the subscription before returning so no event is missed.
	if _, err := a.pubsub.Receive(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("op=bull.start: %w", err)
	}

	a.wg.Add(1)
	go a.consume(loopCtx)
	a.Log.Info("bull event listener attached", slog.String("queue", a.Queue))
	return nil
}

func (a *Adapter) consume(ctx context.Context) {
	defer a.wg.Done()
	ch := a.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.dispatch(ctx, msg)
		}
	}
}

// dispatch maps a pub/sub message to a lifecycle event. Bull publishes
// the job id as the message payload; the failure reason lives on the
// job hash.
func (a *Adapter) dispatch(ctx context.Context, msg *redis.Message) {
	jobID := msg.Payload
	switch msg.Channel {
	case a.prefix + ":global:active":
		a.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventActive, JobID: jobID})
	case a.prefix + ":global:completed":
		a.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventCompleted, JobID: jobID})
	case a.prefix + ":global:failed":
		reason, err := a.client.HGet(ctx, a.jobKey(jobID), "failedReason").Result()
		if err != nil && err != redis.Nil {
			a.Log.Debug("could not read failedReason", slog.String("job_id", jobID), slog.Any("error", err))
		}
		a.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventFailed, JobID: jobID, FailedReason: reason})
	}
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
		return false, fmt.Errorf("op=bull.reenqueue: %w", err)
	}
	if cur.Status != domain.JobStuck {
		a.Log.Debug("skipping re-enqueue, job progressed",
			slog.String("job_id", rec.JobID), slog.String("status", string(cur.Status)))
		return false, nil
	}

	removed, err := a.removeBrokerJob(ctx, rec.JobID)
	if err != nil {
		return false, fmt.Errorf("op=bull.reenqueue: %w", err)
	}
	if !removed {
		return false, nil
	}

	if _, err := a.Submit(ctx, rec.JobName, rec.Data, domain.SubmitOptions{
		JobID:       rec.JobID,
		Attempts:    rec.Attempts + 1,
		MaxAttempts: rec.MaxAttempts,
	}); err != nil {
		return false, fmt.Errorf("op=bull.reenqueue: %w", err)
	}
	obs.JobsReenqueuedTotal.WithLabelValues(a.Queue).Inc()
	return true, nil
}

func (a *Adapter) removeBrokerJob(ctx context.Context, jobID string) (bool, error) {
	keys := []string{a.jobKey(jobID), a.activeKey(), a.waitKey(), a.delayedKey()}
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
		// Broker no longer knows the job: skip unless resubmission from
		// the mirrored payload was explicitly enabled.
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
	fields, err := a.client.HGetAll(ctx, a.jobKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	if _, done := fields["finishedOn"]; done {
		return false, nil
	}
	if _, failed := fields["failedReason"]; failed {
		return false, nil
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

// Close detaches the event listener. Idempotent.
func (a *Adapter) Close() error {
	a.closeOne.Do(func() {
		a.disposed.Store(true)
		if a.cancel != nil {
			a.cancel()
		}
		if a.pubsub != nil {
			_ = a.pubsub.Close()
		}
		a.wg.Wait()
		a.Log.Info("bull adapter disposed", slog.String("queue", a.Queue))
	})
	return nil
}

// Package bee adapts JobGuard to Bee-Queue. Bee keeps every job as a
// JSON blob in the bq:<queue>:jobs hash, queues ids on the waiting
// list, tracks finished ids in succeeded/failed sets and broadcasts
// JSON events on the bq:<queue>:events pub/sub channel.
//
// Bee assigns job ids itself, so re-enqueue cannot reuse the old id:
// a fresh broker job is created and the old record is closed out as
// failed to keep the one-active-row invariant.
package bee

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

// removeIfUnprocessed deletes a Bee job from the jobs hash and its
// queue lists unless the succeeded or failed set already holds it.
// Returns 1 removed, 0 absent, -1 already processed.
var removeIfUnprocessed = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return -1
end
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
	return -1
end
redis.call('LREM', KEYS[4], 0, ARGV[1])
redis.call('LREM', KEYS[5], 0, ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

// beeEvent is the JSON envelope Bee publishes on the events channel.
type beeEvent struct {
	ID    json.Number     `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Adapter implements domain.QueueAdapter for Bee-Queue.
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

// New builds a Bee adapter bound to one queue.
func New(client redis.UniversalClient, repo domain.JobRepository, log *slog.Logger, queue string, limits config.LimitsConfig, removal shared.RemovalPolicy) *Adapter {
	return &Adapter{
		BaseAdapter: shared.BaseAdapter{
			Repo:   repo,
			Log:    log.With(slog.String("component", "bee_adapter")),
			Queue:  queue,
			QType:  domain.QueueBee,
			Limits: limits,
		},
		client:  client,
		prefix:  "bq:" + queue,
		removal: removal,
	}
}

func (a *Adapter) QueueType() domain.QueueType { return domain.QueueBee }

func (a *Adapter) jobsKey() string      { return a.prefix + ":jobs" }
func (a *Adapter) waitingKey() string   { return a.prefix + ":waiting" }
func (a *Adapter) activeKey() string    { return a.prefix + ":active" }
func (a *Adapter) delayedKey() string   { return a.prefix + ":delayed" }
func (a *Adapter) succeededKey() string { return a.prefix + ":succeeded" }
func (a *Adapter) failedKey() string    { return a.prefix + ":failed" }
func (a *Adapter) idKey() string        { return a.prefix + ":id" }
func (a *Adapter) eventsKey() string    { return a.prefix + ":events" }

// Submit stores the job blob, queues the broker-assigned id and
// mirrors a pending record. Bee has no job names; jobName only reaches
// the mirror record.
func (a *Adapter) Submit(ctx context.Context, jobName string, data json.RawMessage, opts domain.SubmitOptions) (string, error) {
	if a.disposed.Load() {
		return "", fmt.Errorf("op=bee.submit: adapter closed")
	}
	if err := a.ValidateSubmission(jobName, data); err != nil {
		return "", err
	}

	n, err := a.client.Incr(ctx, a.idKey()).Result()
	if err != nil {
		return "", fmt.Errorf("op=bee.submit: %w", err)
	}
	jobID := strconv.FormatInt(n, 10)
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	blob, _ := json.Marshal(map[string]any{
		"data":    data,
		"options": map[string]any{"retries": maxAttempts - 1, "timestamp": time.Now().UnixMilli()},
		"status":  "created",
	})
	if err := a.client.HSet(ctx, a.jobsKey(), jobID, string(blob)).Err(); err != nil {
		return "", fmt.Errorf("op=bee.submit: %w", err)
	}

	if opts.Delay > 0 {
		score := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := a.client.ZAdd(ctx, a.delayedKey(), redis.Z{Score: score, Member: jobID}).Err(); err != nil {
			return "", fmt.Errorf("op=bee.submit: %w", err)
		}
	} else {
		if err := a.client.LPush(ctx, a.waitingKey(), jobID).Err(); err != nil {
			return "", fmt.Errorf("op=bee.submit: %w", err)
		}
	}

	a.TrackSubmit(ctx, jobID, jobName, data, opts.Attempts, maxAttempts)
	return jobID, nil
}

// Start subscribes to the queue's events channel and mirrors events
// until Close.
func (a *Adapter) Start(ctx context.Context) error {
	if a.disposed.Load() {
		return fmt.Errorf("op=bee.start: adapter closed")
	}

	// The consumer outlives the caller's context; Close owns its
	// cancellation. A short-lived init context must not kill the stream.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.pubsub = a.client.Subscribe(loopCtx, a.eventsKey())
	if _, err := a.pubsub.Receive(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("op=bee.start: %w", err)
	}

	a.wg.Add(1)
	go a.consume(loopCtx)
	a.Log.Info("bee event listener attached", slog.String("queue", a.Queue))
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
			a.dispatch(ctx, msg.Payload)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, payload string) {
	var ev beeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		a.Log.Debug("unparseable bee event", slog.Any("error", err))
		return
	}
	jobID := ev.ID.String()
	if jobID == "" {
		return
	}
	switch ev.Event {
	case "progress", "retrying":
		a.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventActive, JobID: jobID})
	case "succeeded":
		a.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventCompleted, JobID: jobID})
	case "failed":
		var reason string
		_ = json.Unmarshal(ev.Data, &reason)
		if reason == "" {
			reason = string(ev.Data)
		}
		a.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventFailed, JobID: jobID, FailedReason: reason})
	}
}

// Reenqueue re-injects a harvested stuck job. Bee cannot reuse job
// ids, so the broker job is recreated under a fresh id and the old
// record is closed out as failed; the new id carries the bumped
// attempt count forward.
func (a *Adapter) Reenqueue(ctx context.Context, rec domain.JobRecord) (bool, error) {
	cur, err := a.Repo.GetJob(ctx, a.Queue, a.QType, rec.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("op=bee.reenqueue: %w", err)
	}
	if cur.Status != domain.JobStuck {
		a.Log.Debug("skipping re-enqueue, job progressed",
			slog.String("job_id", rec.JobID), slog.String("status", string(cur.Status)))
		return false, nil
	}

	removed, err := a.removeBrokerJob(ctx, rec.JobID)
	if err != nil {
		return false, fmt.Errorf("op=bee.reenqueue: %w", err)
	}
	if !removed {
		return false, nil
	}

	// Close the old record first so the new pending row never collides
	// with it on the active-uniqueness index.
	if err := a.Repo.UpdateJobStatus(ctx, a.Queue, a.QType, rec.JobID, domain.JobFailed); err != nil {
		return false, fmt.Errorf("op=bee.reenqueue: %w", err)
	}

	newID, err := a.Submit(ctx, rec.JobName, rec.Data, domain.SubmitOptions{
		Attempts:    rec.Attempts + 1,
		MaxAttempts: rec.MaxAttempts,
	})
	if err != nil {
		return false, fmt.Errorf("op=bee.reenqueue: %w", err)
	}
	a.Log.Info("bee job recreated",
		slog.String("old_job_id", rec.JobID), slog.String("new_job_id", newID))
	obs.JobsReenqueuedTotal.WithLabelValues(a.Queue).Inc()
	return true, nil
}

func (a *Adapter) removeBrokerJob(ctx context.Context, jobID string) (bool, error) {
	keys := []string{
		a.jobsKey(), a.succeededKey(), a.failedKey(),
		a.activeKey(), a.waitingKey(), a.delayedKey(),
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
	for _, set := range []string{a.succeededKey(), a.failedKey()} {
		member, err := a.client.SIsMember(ctx, set, jobID).Result()
		if err != nil {
			return false, err
		}
		if member {
			return false, nil
		}
	}
	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, a.activeKey(), 0, jobID)
	pipe.LRem(ctx, a.waitingKey(), 0, jobID)
	pipe.ZRem(ctx, a.delayedKey(), jobID)
	pipe.HDel(ctx, a.jobsKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Heartbeat records worker liveness. Bee publishes no start event, so
// a record whose worker never reports progress would stay pending and
// invisible to the stuck harvest; the heartbeat itself promotes it to
// processing, which also stamps last_heartbeat.
func (a *Adapter) Heartbeat(ctx context.Context, jobID string) error {
	return a.Repo.UpdateJobStatus(ctx, a.Queue, a.QType, jobID, domain.JobProcessing)
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
		a.Log.Info("bee adapter disposed", slog.String("queue", a.Queue))
	})
	return nil
}

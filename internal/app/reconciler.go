package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	obs "github.com/fairyhunter13/jobguard/internal/adapter/observability"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
)

// quarantineLimit is how many consecutive failed cycles put the
// reconciler into self-quarantine. ForceRun clears it.
const quarantineLimit = 3

// Reconciler periodically harvests stuck jobs for one queue and
// re-injects the recoverable ones through the broker adapter. It owns
// a single-shot timer rescheduled after every cycle so adaptive
// interval changes take effect immediately.
type Reconciler struct {
	repo    domain.JobRepository
	adapter domain.QueueAdapter
	sched   *AdaptiveScheduler
	log     *slog.Logger
	cfg     config.ReconciliationConfig
	queue   string
	qt      domain.QueueType

	mu                  sync.Mutex
	timer               *time.Timer
	running             bool
	consecutiveFailures int
	lastRun             time.Time
	cycles              int64
	stuckFound          int64
	reenqueued          int64
	markedDead          int64
}

// NewReconciler wires a reconciler for one queue. The adaptive
// scheduler is only consulted when cfg.AdaptiveScheduling is set.
func NewReconciler(repo domain.JobRepository, adapter domain.QueueAdapter, log *slog.Logger, cfg config.ReconciliationConfig, queue string, qt domain.QueueType) *Reconciler {
	return &Reconciler{
		repo:    repo,
		adapter: adapter,
		sched:   NewAdaptiveScheduler(cfg.Interval),
		log:     log.With(slog.String("component", "reconciler"), slog.String("queue", queue)),
		cfg:     cfg,
		queue:   queue,
		qt:      qt,
	}
}

// Start schedules the first cycle after the base interval. No-op when
// reconciliation is disabled or already running.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.Enabled || r.running {
		return
	}
	r.running = true
	r.scheduleLocked(r.cfg.Interval)
	r.log.Info("reconciler started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("stuck_threshold", r.cfg.StuckThreshold))
}

// Stop cancels the pending timer; no further cycles fire. Idempotent.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.log.Info("reconciler stopped")
}

// ForceRun clears the quarantine counter and runs one cycle
// immediately on the caller's goroutine.
func (r *Reconciler) ForceRun(ctx context.Context) error {
	r.mu.Lock()
	r.consecutiveFailures = 0
	r.mu.Unlock()
	return r.runCycle(ctx)
}

func (r *Reconciler) scheduleLocked(d time.Duration) {
	r.timer = time.AfterFunc(d, r.fire)
}

func (r *Reconciler) fire() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.runCycle(context.Background()); err != nil {
		r.log.Error("reconciliation cycle failed", slog.Any("error", err))
	}

	next := r.cfg.Interval
	if r.cfg.AdaptiveScheduling {
		next = r.sched.Interval()
	}
	r.mu.Lock()
	if r.running {
		r.scheduleLocked(next)
	}
	r.mu.Unlock()
}

func (r *Reconciler) runCycle(ctx context.Context) error {
	r.mu.Lock()
	if r.consecutiveFailures >= quarantineLimit {
		r.mu.Unlock()
		r.log.Warn("reconciler quarantined after repeated failures",
			slog.Int("consecutive_failures", quarantineLimit))
		return nil
	}
	r.mu.Unlock()

	start := time.Now()
	toReenqueue, deadIDs, err := r.repo.GetAndMarkStuckJobs(ctx, r.queue, r.qt, r.cfg.StuckThreshold, r.cfg.BatchSize, r.cfg.UseHeartbeat)
	if err != nil {
		r.mu.Lock()
		r.consecutiveFailures++
		r.mu.Unlock()
		return fmt.Errorf("op=reconcile.cycle: %w: %w", domain.ErrReconciliation, err)
	}

	reenqueued := r.reenqueueAll(ctx, toReenqueue)

	successRate := 1.0
	if len(toReenqueue) > 0 {
		successRate = float64(reenqueued) / float64(len(toReenqueue))
	}
	found := len(toReenqueue) + len(deadIDs)
	if r.cfg.AdaptiveScheduling {
		r.sched.Observe(found, successRate)
	}

	obs.StuckJobsFoundTotal.WithLabelValues(r.queue).Add(float64(found))
	obs.JobsDeadTotal.WithLabelValues(r.queue).Add(float64(len(deadIDs)))
	obs.ReconcileCycleDuration.WithLabelValues(r.queue).Observe(time.Since(start).Seconds())

	r.mu.Lock()
	r.consecutiveFailures = 0
	r.lastRun = time.Now()
	r.cycles++
	r.stuckFound += int64(found)
	r.reenqueued += int64(reenqueued)
	r.markedDead += int64(len(deadIDs))
	r.mu.Unlock()

	if found > 0 {
		r.log.Info("reconciliation cycle complete",
			slog.Int("found", found),
			slog.Int("reenqueued", reenqueued),
			slog.Int("dead", len(deadIDs)),
			slog.Duration("took", time.Since(start)))
	}
	return nil
}

// reenqueueAll walks the harvested records, spacing broker submissions
// by the configured rate limit. Individual failures are logged and
// counted against the success rate, not surfaced.
func (r *Reconciler) reenqueueAll(ctx context.Context, records []domain.JobRecord) int {
	if len(records) == 0 {
		return 0
	}
	spacing := time.Second / time.Duration(r.cfg.RateLimitPerSecond)
	reenqueued := 0
	for i, rec := range records {
		if i > 0 {
			select {
			case <-ctx.Done():
				return reenqueued
			case <-time.After(spacing):
			}
		}
		ok, err := r.adapter.Reenqueue(ctx, rec)
		if err != nil {
			r.log.Error("re-enqueue failed",
				slog.String("job_id", rec.JobID), slog.Any("error", err))
			continue
		}
		if ok {
			reenqueued++
		}
	}
	return reenqueued
}

// Stats reports reconciler counters for the coordinator stats API.
func (r *Reconciler) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := map[string]any{
		"running":              r.running,
		"cycles":               r.cycles,
		"stuck_found":          r.stuckFound,
		"reenqueued":           r.reenqueued,
		"marked_dead":          r.markedDead,
		"consecutive_failures": r.consecutiveFailures,
		"last_run":             r.lastRun,
	}
	if r.cfg.AdaptiveScheduling {
		stats["scheduler"] = r.sched.Stats()
	}
	return stats
}

package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	obs "github.com/fairyhunter13/jobguard/internal/adapter/observability"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
)

// cleanupFailureLimit disables the loop after this many consecutive
// failed deletions; retention cleanup is best-effort and must never
// loop hot against a broken database.
const cleanupFailureLimit = 3

// Cleaner deletes terminal job records past the retention window on a
// fixed ticker.
type Cleaner struct {
	repo domain.JobRepository
	log  *slog.Logger
	cfg  config.PersistenceConfig

	mu       sync.Mutex
	failures int
	disabled bool
	deleted  int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleaner builds a retention cleaner.
func NewCleaner(repo domain.JobRepository, log *slog.Logger, cfg config.PersistenceConfig) *Cleaner {
	return &Cleaner{
		repo: repo,
		log:  log.With(slog.String("component", "cleanup")),
		cfg:  cfg,
		stop: make(chan struct{}),
	}
}

// Start launches the cleanup ticker. No-op when cleanup is disabled.
func (c *Cleaner) Start() {
	if !c.cfg.CleanupEnabled {
		return
	}
	c.wg.Add(1)
	go c.loop()
	c.log.Info("cleanup loop started",
		slog.Duration("interval", c.cfg.CleanupInterval),
		slog.Int("retention_days", c.cfg.RetentionDays))
}

func (c *Cleaner) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.RunOnce(context.Background()) {
				return
			}
		}
	}
}

// RunOnce performs one retention sweep. Returns false once the loop
// has disabled itself after repeated failures.
func (c *Cleaner) RunOnce(ctx context.Context) bool {
	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	deleted, err := c.repo.DeleteOldJobs(ctx, c.cfg.RetentionDays)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures++
		c.log.Error("cleanup sweep failed",
			slog.Int("consecutive_failures", c.failures), slog.Any("error", err))
		if c.failures >= cleanupFailureLimit {
			c.disabled = true
			c.log.Error("cleanup loop disabled after repeated failures")
			return false
		}
		return true
	}
	c.failures = 0
	c.deleted += deleted
	if deleted > 0 {
		obs.CleanupDeletedTotal.Add(float64(deleted))
		c.log.Info("cleanup sweep removed old records", slog.Int64("deleted", deleted))
	}
	return true
}

// Stats reports cleaner counters for the coordinator stats API.
func (c *Cleaner) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"enabled":  c.cfg.CleanupEnabled,
		"disabled": c.disabled,
		"failures": c.failures,
		"deleted":  c.deleted,
	}
}

// Stop halts the ticker. Idempotent.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// Package jobguard attaches durable, crash-survivable state tracking
// to a Redis-backed job queue (Bull, BullMQ or Bee-Queue). Every job
// lifecycle is mirrored into PostgreSQL; a per-queue reconciler
// detects abandoned in-flight jobs and re-injects them into the
// broker.
package jobguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	obs "github.com/fairyhunter13/jobguard/internal/adapter/observability"
	"github.com/fairyhunter13/jobguard/internal/adapter/queue/bee"
	"github.com/fairyhunter13/jobguard/internal/adapter/queue/bull"
	"github.com/fairyhunter13/jobguard/internal/adapter/queue/bullmq"
	"github.com/fairyhunter13/jobguard/internal/adapter/queue/shared"
	"github.com/fairyhunter13/jobguard/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobguard/internal/app"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
	"github.com/fairyhunter13/jobguard/internal/observability"
)

// Re-exported domain types; hosts only import this package.
type (
	Config        = config.Config
	QueueType     = domain.QueueType
	JobStatus     = domain.JobStatus
	JobRecord     = domain.JobRecord
	QueueStats    = domain.QueueStats
	SubmitOptions = domain.SubmitOptions
)

const (
	QueueBull   = domain.QueueBull
	QueueBullMQ = domain.QueueBullMQ
	QueueBee    = domain.QueueBee
)

// Sentinel errors, matchable with errors.Is.
var (
	ErrCircuitOpen        = domain.ErrCircuitOpen
	ErrPostgresConnection = domain.ErrPostgresConnection
	ErrUnsupportedQueue   = domain.ErrUnsupportedQueue
	ErrReconciliation     = domain.ErrReconciliation
	ErrValidation         = domain.ErrValidation
	ErrNotFound           = domain.ErrNotFound
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig parses JOBGUARD_* environment variables.
func LoadConfig() (Config, error) { return config.Load() }

// LoadConfigFile reads a YAML config file on top of the defaults.
func LoadConfigFile(path string) (Config, error) { return config.LoadFile(path) }

const (
	breakerMaxFailures = 5
	breakerTimeout     = 30 * time.Second
)

// Coordinator is the facade a host process holds: it owns the database
// pool, the broker adapter, the reconciler and the cleanup loop for
// one queue. Build with New, then Init (or use Create); all other
// methods require a completed Init.
type Coordinator struct {
	cfg        config.Config
	client     redis.UniversalClient
	log        *slog.Logger
	instanceID string

	manager    *postgres.Manager
	breaker    *observability.CircuitBreaker
	repo       *postgres.JobRepo
	adapter    domain.QueueAdapter
	reconciler *app.Reconciler
	cleaner    *app.Cleaner

	initOnce sync.Once
	initErr  error
	ready    atomic.Bool
	downOnce sync.Once
}

// New validates the configuration and broker handle and returns an
// uninitialized coordinator. Unsupported queue types fail here.
func New(client redis.UniversalClient, cfg Config) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("op=jobguard.new: %w: redis client required", domain.ErrValidation)
	}
	if !cfg.QueueTypeValue().Valid() {
		return nil, fmt.Errorf("op=jobguard.new: %w: %q", domain.ErrUnsupportedQueue, cfg.QueueType)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instanceID := ulid.Make().String()
	log := obs.SetupLogger(cfg).With(
		slog.String("instance_id", instanceID),
		slog.String("queue", cfg.QueueName),
		slog.String("queue_type", cfg.QueueType),
	)
	return &Coordinator{
		cfg:        cfg,
		client:     client,
		log:        log,
		instanceID: instanceID,
	}, nil
}

// Create is New followed by Init.
func Create(ctx context.Context, client redis.UniversalClient, cfg Config) (*Coordinator, error) {
	c, err := New(client, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Init performs the one-time startup sequence: metrics, pool, schema,
// adapter, reconciler, cleanup. Concurrent callers share one in-flight
// initialization; every caller sees the same result.
func (c *Coordinator) Init(ctx context.Context) error {
	c.initOnce.Do(func() { c.initErr = c.initialize(ctx) })
	return c.initErr
}

func (c *Coordinator) initialize(ctx context.Context) error {
	obs.InitMetrics()

	manager, err := postgres.NewManager(ctx, c.cfg.Postgres, c.log)
	if err != nil {
		return err
	}
	if err := manager.TestConnection(ctx); err != nil {
		manager.Close()
		return err
	}
	if err := postgres.Migrate(ctx, manager.Pool()); err != nil {
		manager.Close()
		return err
	}

	c.manager = manager
	c.breaker = observability.NewCircuitBreaker(breakerMaxFailures, breakerTimeout)
	c.breaker.OnStateChange(func(s observability.CircuitBreakerState) {
		obs.CircuitBreakerState.Set(float64(s))
	})
	c.repo = postgres.NewJobRepo(manager.Pool(), c.breaker, manager)

	c.adapter = c.buildAdapter()
	if err := c.adapter.Start(ctx); err != nil {
		manager.Close()
		return err
	}
	manager.StartMonitor()

	c.reconciler = app.NewReconciler(c.repo, c.adapter, c.log, c.cfg.Reconciliation, c.cfg.QueueName, c.cfg.QueueTypeValue())
	c.reconciler.Start()

	c.cleaner = app.NewCleaner(c.repo, c.log, c.cfg.Persistence)
	c.cleaner.Start()

	c.ready.Store(true)
	c.log.Info("jobguard coordinator ready")
	return nil
}

func (c *Coordinator) buildAdapter() domain.QueueAdapter {
	removal := shared.RemovalPolicy{
		Strict:          c.cfg.StrictRemoval,
		ResubmitMissing: c.cfg.ResubmitMissing,
	}
	switch c.cfg.QueueTypeValue() {
	case domain.QueueBullMQ:
		return bullmq.New(c.client, c.repo, c.log, c.cfg.QueueName, c.cfg.Limits, removal)
	case domain.QueueBee:
		return bee.New(c.client, c.repo, c.log, c.cfg.QueueName, c.cfg.Limits, removal)
	default:
		return bull.New(c.client, c.repo, c.log, c.cfg.QueueName, c.cfg.Limits, removal)
	}
}

func (c *Coordinator) requireReady(op string) error {
	if !c.ready.Load() {
		return fmt.Errorf("op=%s: coordinator not initialized", op)
	}
	return nil
}

// InstanceID identifies this coordinator in logs.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Submit validates and enqueues a job on the broker and mirrors a
// pending record. Returns the broker-assigned job id.
func (c *Coordinator) Submit(ctx context.Context, jobName string, data json.RawMessage, opts SubmitOptions) (string, error) {
	if err := c.requireReady("jobguard.submit"); err != nil {
		return "", err
	}
	return c.adapter.Submit(ctx, jobName, data, opts)
}

// Heartbeat records worker liveness for a processing job.
func (c *Coordinator) Heartbeat(ctx context.Context, jobID string) error {
	if err := c.requireReady("jobguard.heartbeat"); err != nil {
		return err
	}
	return c.adapter.Heartbeat(ctx, jobID)
}

// GetJob loads the most recent mirrored record for a job id.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	if err := c.requireReady("jobguard.get_job"); err != nil {
		return JobRecord{}, err
	}
	return c.repo.GetJob(ctx, c.cfg.QueueName, c.cfg.QueueTypeValue(), jobID)
}

// Stats returns per-status counts for the configured queue.
func (c *Coordinator) Stats(ctx context.Context) (QueueStats, error) {
	if err := c.requireReady("jobguard.stats"); err != nil {
		return QueueStats{}, err
	}
	return c.repo.GetStatistics(ctx, c.cfg.QueueName, c.cfg.QueueTypeValue())
}

// Diagnostics reports internal component state: pool, breaker,
// reconciler and cleanup counters.
func (c *Coordinator) Diagnostics() map[string]any {
	if !c.ready.Load() {
		return map[string]any{"ready": false}
	}
	return map[string]any{
		"ready":           true,
		"instance_id":     c.instanceID,
		"pool":            c.manager.Stats(),
		"circuit_breaker": c.breaker.GetStats(),
		"reconciler":      c.reconciler.Stats(),
		"cleanup":         c.cleaner.Stats(),
	}
}

// ForceReconciliation runs one reconciliation cycle immediately.
func (c *Coordinator) ForceReconciliation(ctx context.Context) error {
	if err := c.requireReady("jobguard.force_reconciliation"); err != nil {
		return err
	}
	return c.reconciler.ForceRun(ctx)
}

// Shutdown stops the reconciler and cleanup timers, disposes the
// adapter and closes the pool. Idempotent; the broker client itself is
// owned by the host and left open.
func (c *Coordinator) Shutdown() error {
	c.downOnce.Do(func() {
		if !c.ready.Load() {
			return
		}
		c.ready.Store(false)
		c.reconciler.Stop()
		c.cleaner.Stop()
		if err := c.adapter.Close(); err != nil {
			c.log.Warn("adapter close failed", slog.Any("error", err))
		}
		c.manager.Close()
		c.log.Info("jobguard coordinator shut down")
	})
	return nil
}

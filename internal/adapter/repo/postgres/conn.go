// Package postgres provides the PostgreSQL persistence layer: the
// pooled connection manager with health monitoring and the job record
// repository.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	obs "github.com/fairyhunter13/jobguard/internal/adapter/observability"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
)

const (
	monitorInterval = 5 * time.Second
	// exhaustedSampleLimit is how many consecutive saturated samples
	// (~15 s at the 5 s cadence) declare the pool critically exhausted.
	exhaustedSampleLimit = 3
)

// Manager wraps a fixed-maximum pgx pool with a background health
// monitor and an explicit startup probe.
type Manager struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu               sync.Mutex
	exhausted        bool
	exhaustedSamples int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a pool from the config, applying the documented
// defaults (max 10 conns, 30 s idle, 2 s connect, 30 s statement
// timeout) for any unset tunable.
func NewManager(ctx context.Context, cfg config.PostgresConfig, log *slog.Logger) (*Manager, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("op=postgres.new_manager: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.IdleTimeout > 0 {
		pcfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.StatementTimeout > 0 {
		pcfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	pcfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.new_manager: %w", err)
	}
	return &Manager{pool: pool, log: log, stop: make(chan struct{})}, nil
}

// Pool exposes the underlying pgx pool.
func (m *Manager) Pool() *pgxpool.Pool { return m.pool }

// TestConnection probes the database with exponential backoff. Used at
// startup before the coordinator declares itself ready.
func (m *Manager) TestConnection(ctx context.Context) error {
	op := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return m.pool.Ping(pingCtx)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=postgres.test_connection: %w: %v", domain.ErrPostgresConnection, err)
	}
	return nil
}

// StartMonitor launches the 5-second pool sampler.
func (m *Manager) StartMonitor() {
	m.wg.Add(1)
	go m.monitor()
}

func (m *Manager) monitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Manager) sample() {
	stat := m.pool.Stat()

	obs.PoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
	obs.PoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	obs.PoolConnections.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))

	saturated := stat.IdleConns() == 0 && stat.TotalConns() >= stat.MaxConns()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !saturated {
		if m.exhausted {
			m.log.Info("connection pool recovered",
				slog.Int("idle", int(stat.IdleConns())),
				slog.Int("total", int(stat.TotalConns())))
		}
		m.exhausted = false
		m.exhaustedSamples = 0
		return
	}

	m.exhaustedSamples++
	if m.exhaustedSamples >= exhaustedSampleLimit && !m.exhausted {
		m.exhausted = true
		m.log.Error("connection pool critically exhausted",
			slog.Int("max_conns", int(stat.MaxConns())),
			slog.Int("samples", m.exhaustedSamples))
	} else if !m.exhausted {
		m.log.Warn("connection pool saturated",
			slog.Int("samples", m.exhaustedSamples),
			slog.Int("total", int(stat.TotalConns())))
	}
}

// CheckPoolHealth fails while the pool is critically exhausted.
func (m *Manager) CheckPoolHealth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exhausted {
		return fmt.Errorf("op=postgres.pool_health: %w: pool critically exhausted", domain.ErrPostgresConnection)
	}
	return nil
}

// Stats reports pool gauges for the coordinator stats API.
func (m *Manager) Stats() map[string]any {
	stat := m.pool.Stat()
	m.mu.Lock()
	exhausted := m.exhausted
	m.mu.Unlock()
	return map[string]any{
		"total_conns":    stat.TotalConns(),
		"idle_conns":     stat.IdleConns(),
		"acquired_conns": stat.AcquiredConns(),
		"max_conns":      stat.MaxConns(),
		"exhausted":      exhausted,
	}
}

// Close stops the monitor and closes the pool. Idempotent.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.pool.Close()
}

package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
	"github.com/fairyhunter13/jobguard/internal/testsupport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reconCfg() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		Enabled:            true,
		Interval:           30 * time.Second,
		StuckThreshold:     5 * time.Minute,
		BatchSize:          100,
		RateLimitPerSecond: 20,
		UseHeartbeat:       true,
	}
}

func stuck(jobID string, attempts int) domain.JobRecord {
	return domain.JobRecord{
		ID: "00000000-0000-0000-0000-00000000000" + jobID, JobID: jobID,
		QueueName: "emails", QueueType: domain.QueueBull,
		Status: domain.JobStuck, Attempts: attempts, MaxAttempts: 3,
	}
}

func TestRunCycle_ReenqueuesHarvestedRecords(t *testing.T) {
	repo := &testsupport.FakeRepo{
		StuckFn: func(_ context.Context) ([]domain.JobRecord, []string, error) {
			return []domain.JobRecord{stuck("1", 1), stuck("2", 2)}, []string{"dead-id"}, nil
		},
	}
	adapter := &testsupport.FakeAdapter{}
	r := NewReconciler(repo, adapter, testLogger(), reconCfg(), "emails", domain.QueueBull)

	require.NoError(t, r.runCycle(context.Background()))

	calls := adapter.ReenqueueCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "1", calls[0].JobID)
	assert.Equal(t, "2", calls[1].JobID)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats["cycles"])
	assert.Equal(t, int64(3), stats["stuck_found"])
	assert.Equal(t, int64(2), stats["reenqueued"])
	assert.Equal(t, int64(1), stats["marked_dead"])
}

func TestRunCycle_HarvestErrorSurfacesAsReconciliation(t *testing.T) {
	repo := &testsupport.FakeRepo{
		StuckFn: func(_ context.Context) ([]domain.JobRecord, []string, error) {
			return nil, nil, errors.New("deadlock")
		},
	}
	r := NewReconciler(repo, &testsupport.FakeAdapter{}, testLogger(), reconCfg(), "emails", domain.QueueBull)

	err := r.runCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReconciliation)
	assert.Equal(t, 1, r.Stats()["consecutive_failures"])
}

func TestRunCycle_QuarantinesAfterThreeFailures(t *testing.T) {
	var harvests atomic.Int64
	repo := &testsupport.FakeRepo{
		StuckFn: func(_ context.Context) ([]domain.JobRecord, []string, error) {
			harvests.Add(1)
			return nil, nil, errors.New("down")
		},
	}
	r := NewReconciler(repo, &testsupport.FakeAdapter{}, testLogger(), reconCfg(), "emails", domain.QueueBull)

	for i := 0; i < 3; i++ {
		require.Error(t, r.runCycle(context.Background()))
	}
	require.Equal(t, int64(3), harvests.Load())

	// Quarantined: the cycle is a silent no-op.
	require.NoError(t, r.runCycle(context.Background()))
	assert.Equal(t, int64(3), harvests.Load())
}

func TestForceRun_ClearsQuarantine(t *testing.T) {
	fail := true
	repo := &testsupport.FakeRepo{
		StuckFn: func(_ context.Context) ([]domain.JobRecord, []string, error) {
			if fail {
				return nil, nil, errors.New("down")
			}
			return nil, nil, nil
		},
	}
	r := NewReconciler(repo, &testsupport.FakeAdapter{}, testLogger(), reconCfg(), "emails", domain.QueueBull)

	for i := 0; i < 3; i++ {
		require.Error(t, r.runCycle(context.Background()))
	}

	fail = false
	require.NoError(t, r.ForceRun(context.Background()))
	assert.Equal(t, 0, r.Stats()["consecutive_failures"])
	assert.Equal(t, int64(1), r.Stats()["cycles"])
}

func TestRunCycle_PartialReenqueueFeedsSuccessRate(t *testing.T) {
	repo := &testsupport.FakeRepo{
		StuckFn: func(_ context.Context) ([]domain.JobRecord, []string, error) {
			return []domain.JobRecord{stuck("1", 1), stuck("2", 1)}, nil, nil
		},
	}
	adapter := &testsupport.FakeAdapter{
		ReenqueueFn: func(_ context.Context, rec domain.JobRecord) (bool, error) {
			if rec.JobID == "2" {
				return false, errors.New("broker gone")
			}
			return true, nil
		},
	}
	cfg := reconCfg()
	cfg.AdaptiveScheduling = true
	r := NewReconciler(repo, adapter, testLogger(), cfg, "emails", domain.QueueBull)

	require.NoError(t, r.runCycle(context.Background()))
	// success rate 0.5 < 0.8 backs the scheduler off
	assert.Equal(t, 45*time.Second, r.sched.Interval())
	assert.Equal(t, int64(1), r.Stats()["reenqueued"])
}

func TestStartStop_TimerLifecycle(t *testing.T) {
	var harvests atomic.Int64
	repo := &testsupport.FakeRepo{
		StuckFn: func(_ context.Context) ([]domain.JobRecord, []string, error) {
			harvests.Add(1)
			return nil, nil, nil
		},
	}
	cfg := reconCfg()
	cfg.Interval = 20 * time.Millisecond
	r := NewReconciler(repo, &testsupport.FakeAdapter{}, testLogger(), cfg, "emails", domain.QueueBull)

	r.Start()
	require.Eventually(t, func() bool {
		return harvests.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	settled := harvests.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, harvests.Load(), settled+1)

	// Stop twice is safe.
	r.Stop()
}

func TestStart_DisabledIsNoop(t *testing.T) {
	var harvests atomic.Int64
	repo := &testsupport.FakeRepo{
		StuckFn: func(_ context.Context) ([]domain.JobRecord, []string, error) {
			harvests.Add(1)
			return nil, nil, nil
		},
	}
	cfg := reconCfg()
	cfg.Enabled = false
	cfg.Interval = 10 * time.Millisecond
	r := NewReconciler(repo, &testsupport.FakeAdapter{}, testLogger(), cfg, "emails", domain.QueueBull)

	r.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), harvests.Load())
}

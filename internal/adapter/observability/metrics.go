package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTrackedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobguard_jobs_tracked_total",
			Help: "Total number of jobs mirrored on submit",
		},
		[]string{"queue", "queue_type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobguard_jobs_completed_total",
			Help: "Total number of tracked jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobguard_jobs_failed_total",
			Help: "Total number of tracked job failures reported by the broker",
		},
		[]string{"queue"},
	)
	StuckJobsFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobguard_stuck_jobs_found_total",
			Help: "Total number of processing jobs harvested as stuck",
		},
		[]string{"queue"},
	)
	JobsReenqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobguard_jobs_reenqueued_total",
			Help: "Total number of stuck jobs re-injected into the broker",
		},
		[]string{"queue"},
	)
	JobsDeadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobguard_jobs_dead_total",
			Help: "Total number of jobs moved to dead after exhausting attempts",
		},
		[]string{"queue"},
	)
	ReconcileCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobguard_reconcile_cycle_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"queue"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobguard_circuit_breaker_state",
			Help: "Database circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)
	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobguard_pool_connections",
			Help: "Connection pool gauge by state",
		},
		[]string{"state"},
	)
	CleanupDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobguard_cleanup_deleted_total",
			Help: "Total number of terminal rows deleted by retention cleanup",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers the JobGuard metric set with the default
// registry. Safe to call more than once; hosts embedding several
// coordinators share one registration.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(JobsTrackedTotal)
		prometheus.MustRegister(JobsCompletedTotal)
		prometheus.MustRegister(JobsFailedTotal)
		prometheus.MustRegister(StuckJobsFoundTotal)
		prometheus.MustRegister(JobsReenqueuedTotal)
		prometheus.MustRegister(JobsDeadTotal)
		prometheus.MustRegister(ReconcileCycleDuration)
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(PoolConnections)
		prometheus.MustRegister(CleanupDeletedTotal)
	})
}

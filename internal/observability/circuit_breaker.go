// Package observability provides the circuit breaker guarding the
// database client.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/jobguard/internal/domain"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where a single probe is allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// metricsWindow is how far back the sliding call window reaches.
const metricsWindow = 60 * time.Second

type windowSample struct {
	at      time.Time
	success bool
}

// CircuitBreaker implements the circuit breaker pattern around database
// calls. After maxFailures consecutive failures it opens and rejects
// calls with domain.ErrCircuitOpen until the recovery timeout elapses,
// then admits exactly one half-open probe.
type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	maxFailures int
	timeout     time.Duration

	// State
	state           CircuitBreakerState
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool

	// Sliding window, metrics only
	window []windowSample

	onStateChange func(CircuitBreakerState)
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
	}
}

// OnStateChange registers a listener invoked with the current state
// immediately and again on every transition. The listener runs under
// the breaker lock and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
	cb.notifyLocked()
}

// notifyLocked reports the current state to the listener. Callers must
// hold cb.mu.
func (cb *CircuitBreaker) notifyLocked() {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.state)
	}
}

// Execute runs op through the breaker. In the open state calls fail
// fast with domain.ErrCircuitOpen unless the recovery timeout has
// elapsed, in which case a single probe is admitted half-open.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := op(ctx)
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune(time.Now())

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			cb.notifyLocked()
			slog.Info("circuit breaker transitioning to half-open",
				slog.Duration("timeout", cb.timeout),
				slog.Time("last_failure", cb.lastFailureTime))
			return nil
		}
		return fmt.Errorf("op=breaker.execute: %w", domain.ErrCircuitOpen)
	case StateHalfOpen:
		// Exactly one probe at a time.
		if cb.probeInFlight {
			return fmt.Errorf("op=breaker.execute: %w", domain.ErrCircuitOpen)
		}
		cb.probeInFlight = true
		return nil
	default:
		return fmt.Errorf("op=breaker.execute: %w", domain.ErrCircuitOpen)
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.window = append(cb.window, windowSample{at: now, success: success})
	cb.prune(now)

	if success {
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.probeInFlight = false
			cb.notifyLocked()
			slog.Info("circuit breaker closed after successful probe")
		}
		return
	}

	cb.failureCount++
	cb.lastFailureTime = now

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
			cb.notifyLocked()
			slog.Warn("circuit breaker opened due to failure threshold",
				slog.Int("failure_count", cb.failureCount),
				slog.Int("max_failures", cb.maxFailures))
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.probeInFlight = false
		cb.notifyLocked()
		slog.Warn("circuit breaker re-opened after failed probe",
			slog.Int("failure_count", cb.failureCount))
	}
}

// prune drops window samples older than the metrics window. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-metricsWindow)
	i := 0
	for ; i < len(cb.window); i++ {
		if cb.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.window = cb.window[i:]
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns circuit breaker statistics over the sliding window.
func (cb *CircuitBreaker) GetStats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune(time.Now())

	total := len(cb.window)
	failures := 0
	for _, s := range cb.window {
		if !s.success {
			failures++
		}
	}
	failureRate := float64(0)
	if total > 0 {
		failureRate = float64(failures) / float64(total) * 100
	}

	return map[string]any{
		"state":                cb.state.String(),
		"consecutive_failures": cb.failureCount,
		"window_calls":         total,
		"window_failure_rate":  failureRate,
		"last_failure":         cb.lastFailureTime.Format(time.RFC3339),
	}
}

// Reset returns the breaker to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.window = nil
	cb.lastFailureTime = time.Time{}
	cb.notifyLocked()

	slog.Info("circuit breaker reset to closed state")
}

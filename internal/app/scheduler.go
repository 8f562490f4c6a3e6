// Package app hosts the reconciliation engine: the adaptive scheduler,
// the per-queue reconciler and the retention cleanup loop.
package app

import (
	"sync"
	"time"
)

const (
	schedulerFloor      = 5 * time.Second
	backoffFactor       = 1.5
	speedupFactor       = 0.8
	lowSuccessRate      = 0.8
	emptyCycleThreshold = 3
)

// AdaptiveScheduler tunes the reconciliation interval from observed
// cycle outcomes. Quiet queues drift toward base*4; queues shedding
// stuck jobs tighten toward max(5s, base/4).
type AdaptiveScheduler struct {
	mu sync.Mutex

	base    time.Duration
	min     time.Duration
	max     time.Duration
	current time.Duration

	consecutiveEmpty int
}

// NewAdaptiveScheduler starts at the base interval.
func NewAdaptiveScheduler(base time.Duration) *AdaptiveScheduler {
	min := base / 4
	if min < schedulerFloor {
		min = schedulerFloor
	}
	return &AdaptiveScheduler{
		base:    base,
		min:     min,
		max:     base * 4,
		current: base,
	}
}

// Observe feeds one cycle's outcome. successRate is re-enqueued over
// to-re-enqueue, 1.0 when nothing needed re-enqueueing. Rules apply in
// order: degraded re-enqueue backs off first, then empty-cycle drift,
// then tightening while stuck jobs are being found.
func (s *AdaptiveScheduler) Observe(foundStuckJobs int, successRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if successRate < lowSuccessRate {
		s.current = clamp(time.Duration(float64(s.current)*backoffFactor), s.min, s.max)
		return
	}
	if foundStuckJobs == 0 {
		s.consecutiveEmpty++
		if s.consecutiveEmpty >= emptyCycleThreshold {
			s.current = clamp(time.Duration(float64(s.current)*backoffFactor), s.min, s.max)
		}
		return
	}
	s.consecutiveEmpty = 0
	s.current = clamp(time.Duration(float64(s.current)*speedupFactor), s.min, s.max)
}

// Interval returns the delay before the next cycle.
func (s *AdaptiveScheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Reset returns the scheduler to the base interval.
func (s *AdaptiveScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.base
	s.consecutiveEmpty = 0
}

// Stats reports the scheduler state for the coordinator stats API.
func (s *AdaptiveScheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"base_interval":     s.base,
		"current_interval":  s.current,
		"min_interval":      s.min,
		"max_interval":      s.max,
		"consecutive_empty": s.consecutiveEmpty,
	}
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

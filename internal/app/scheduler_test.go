package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_StartsAtBase(t *testing.T) {
	s := NewAdaptiveScheduler(30 * time.Second)
	assert.Equal(t, 30*time.Second, s.Interval())
}

func TestScheduler_MinFloorIsFiveSeconds(t *testing.T) {
	s := NewAdaptiveScheduler(8 * time.Second)
	// base/4 = 2s, below the 5s floor
	for i := 0; i < 50; i++ {
		s.Observe(10, 1.0)
	}
	assert.Equal(t, 5*time.Second, s.Interval())
}

func TestScheduler_LowSuccessRateBacksOff(t *testing.T) {
	s := NewAdaptiveScheduler(30 * time.Second)
	s.Observe(10, 0.5)
	assert.Equal(t, 45*time.Second, s.Interval())
}

func TestScheduler_BackoffClampsToMax(t *testing.T) {
	s := NewAdaptiveScheduler(30 * time.Second)
	for i := 0; i < 20; i++ {
		s.Observe(10, 0.5)
	}
	assert.Equal(t, 120*time.Second, s.Interval())
}

func TestScheduler_EmptyCyclesDriftAfterThree(t *testing.T) {
	s := NewAdaptiveScheduler(30 * time.Second)

	s.Observe(0, 1.0)
	s.Observe(0, 1.0)
	assert.Equal(t, 30*time.Second, s.Interval())

	// Third consecutive empty cycle triggers the first backoff, and
	// every empty cycle after it keeps backing off.
	s.Observe(0, 1.0)
	assert.Equal(t, 45*time.Second, s.Interval())
	s.Observe(0, 1.0)
	assert.Equal(t, time.Duration(float64(45*time.Second)*1.5), s.Interval())
}

func TestScheduler_FindingJobsTightens(t *testing.T) {
	s := NewAdaptiveScheduler(30 * time.Second)
	s.Observe(5, 1.0)
	assert.Equal(t, 24*time.Second, s.Interval())

	// Finding jobs also resets the empty counter.
	s.Observe(0, 1.0)
	s.Observe(0, 1.0)
	assert.Equal(t, 24*time.Second, s.Interval())
}

func TestScheduler_LowSuccessWinsOverFound(t *testing.T) {
	s := NewAdaptiveScheduler(30 * time.Second)
	s.Observe(5, 0.2)
	assert.Equal(t, 45*time.Second, s.Interval())
}

func TestScheduler_Reset(t *testing.T) {
	s := NewAdaptiveScheduler(30 * time.Second)
	s.Observe(10, 0.5)
	s.Reset()
	assert.Equal(t, 30*time.Second, s.Interval())
}

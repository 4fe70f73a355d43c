package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_ExponentialWithCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, b.Delay(0), "attempt below 1 clamps")
	assert.Equal(t, 30*time.Second, b.Delay(1000), "no overflow on huge attempts")
}

func TestBackoff_JitterBounds(t *testing.T) {
	low := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2, Rand: func() float64 { return 0 }}
	high := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2, Rand: func() float64 { return 0.999999 }}
	mid := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2, Rand: func() float64 { return 0.5 }}

	assert.InDelta(t, float64(3200*time.Millisecond), float64(low.Delay(3)), float64(time.Millisecond))
	assert.InDelta(t, float64(4800*time.Millisecond), float64(high.Delay(3)), float64(time.Millisecond))
	assert.Equal(t, 4*time.Second, mid.Delay(3))
}

func TestBackoff_ExpectationNonDecreasing(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.5}

	const samples = 4000
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		var sum time.Duration
		for i := 0; i < samples; i++ {
			sum += b.Delay(attempt)
		}
		mean := sum / samples
		// Allow sampling noise around the cap plateau.
		assert.GreaterOrEqual(t, float64(mean), float64(prev)*0.95, "attempt %d", attempt)
		if mean > prev {
			prev = mean
		}
	}
}

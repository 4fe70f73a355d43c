package queue

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: min(Max, Base·2^(attempt-1)) scaled by a
// uniform jitter factor in [1-Jitter, 1+Jitter]. The expected delay is
// therefore non-decreasing in attempt.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before the attempt following failed attempt n
// (1-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.ceiling(n)
	if b.Jitter <= 0 {
		return d
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	factor := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(d) * factor)
}

// ceiling is the delay before jitter.
func (b Backoff) ceiling(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

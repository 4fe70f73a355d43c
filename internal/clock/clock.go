// Package clock abstracts wall-clock time so that schedules, leases and
// deadlines can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time and creates timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the core relies on.
type Timer interface {
	Stop() bool
}

// Wall is the real clock. All times are UTC.
type Wall struct{}

// Now returns the current UTC time.
func (Wall) Now() time.Time { return time.Now().UTC() }

// AfterFunc wraps time.AfterFunc.
func (Wall) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake is a manually advanced clock.
//
// Thread-safety: all methods are safe for concurrent use. Timer callbacks
// run synchronously inside Advance, outside the internal lock.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers f to run once the clock has been advanced by d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer that became due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []*fakeTimer
	pending := f.timers[:0]
	for _, t := range f.timers {
		if t.stopped() {
			continue
		}
		if !t.at.After(now) {
			due = append(due, t)
			continue
		}
		pending = append(pending, t)
	}
	f.timers = pending
	f.mu.Unlock()

	for _, t := range due {
		if t.fire() {
			t.fn()
		}
	}
}

type fakeTimer struct {
	mu   sync.Mutex
	at   time.Time
	fn   func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *fakeTimer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *fakeTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

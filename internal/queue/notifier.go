package queue

import "sync"

// Notifier wakes idle workers when new work may be available.
//
// Signals coalesce: any number of Notify calls between two receives wake a
// single waiter once. A worker that finds work should call Notify again so
// that another idle worker also checks.
//
// The channel is used for signaling to enable context-aware waiting in
// worker loops:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-n.Wait():
//	    // lease
//	case <-ticker.C:
//	    // poll for delayed tasks
//	}
type Notifier struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewNotifier creates an open Notifier.
func NewNotifier() *Notifier {
	return &Notifier{signal: make(chan struct{}, 1)}
}

// Notify signals availability. Returns false once closed.
func (n *Notifier) Notify() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return false
	}

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case n.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait returns the channel that receives wake-ups. It is closed by Close.
func (n *Notifier) Wait() <-chan struct{} {
	return n.signal
}

// Close wakes every waiter permanently.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	close(n.signal)
}

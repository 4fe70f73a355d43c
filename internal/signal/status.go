package signal

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a Signal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusIgnored   Status = "ignored"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition is returned when a status change violates the lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusIgnored},
	StatusQueued:    {StatusExecuting, StatusIgnored},
	StatusExecuting: {StatusExecuted, StatusFailed, StatusIgnored, StatusQueued},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusExecuting, StatusExecuted, StatusIgnored, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusIgnored
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a wrapped ErrInvalidTransition when from → to is illegal.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

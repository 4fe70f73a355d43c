package signal

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes core outcomes that callers route on.
type ErrorCode string

const (
	// CodeDuplicateSignal is a routing outcome, not a failure.
	CodeDuplicateSignal ErrorCode = "DUPLICATE_SIGNAL"
	// CodeLowConfidence is terminal and never retried.
	CodeLowConfidence ErrorCode = "LOW_CONFIDENCE"
	// CodeChannelInactive is terminal and never retried.
	CodeChannelInactive ErrorCode = "CHANNEL_INACTIVE"
	// CodeRetryableExecution is transient and retried per queue policy.
	CodeRetryableExecution ErrorCode = "RETRYABLE_EXECUTION_FAILURE"
	// CodeFatalExecution is terminal regardless of remaining attempts.
	CodeFatalExecution ErrorCode = "FATAL_EXECUTION_FAILURE"
	// CodeQueueContention means a live task already exists for the signal.
	CodeQueueContention ErrorCode = "QUEUE_CONTENTION"
	// CodeDeploymentTimeout means quorum was not reached before the deadline.
	CodeDeploymentTimeout ErrorCode = "DEPLOYMENT_TIMEOUT"
)

// CoreError carries a code plus the context needed to act on it.
type CoreError struct {
	Code ErrorCode

	// Reason is a machine-readable reason code (see Reason* constants).
	Reason string

	Message  string
	SignalID string
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.SignalID != "" {
		return fmt.Sprintf("%s: %s (signal=%s)", e.Code, e.Message, e.SignalID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err (or anything it wraps) is a CoreError with code.
func IsCode(err error, code ErrorCode) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// ReasonOf extracts the reason code from a CoreError, or "" if err is not one.
func ReasonOf(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// NewLowConfidenceError builds the gate rejection for a signal below threshold.
func NewLowConfidenceError(signalID string, confidence, threshold float64) *CoreError {
	return &CoreError{
		Code:     CodeLowConfidence,
		Reason:   ReasonLowConfidence,
		Message:  fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, threshold),
		SignalID: signalID,
	}
}

// NewRetryableError builds a transient execution failure.
func NewRetryableError(reason, message string) *CoreError {
	return &CoreError{Code: CodeRetryableExecution, Reason: reason, Message: message}
}

// NewFatalError builds a terminal execution failure.
func NewFatalError(reason, message string) *CoreError {
	return &CoreError{Code: CodeFatalExecution, Reason: reason, Message: message}
}

package dispatch

import (
	"context"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// ExecResult is the executor's verdict on one attempt.
type ExecResult struct {
	// Outcome is success, retryable or fatal.
	Outcome store.Outcome
	Reason  string
	Message string
	Details map[string]any
}

// Market is a live snapshot for one pair, in pips.
type Market struct {
	Spread   float64 `json:"spread"`
	Slippage float64 `json:"slippage"`
}

// Executor places orders for signals.
//
// Execute returns an error when no verdict was obtained. A *signal.CoreError
// with CodeFatalExecution is never retried; any other error is treated as
// retryable.
type Executor interface {
	Execute(ctx context.Context, sig signal.Signal) (ExecResult, error)
	CheckMarket(ctx context.Context, pair string) (Market, error)
}

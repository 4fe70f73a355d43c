package bridge

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-resty/resty/v2"

	"github.com/sunil55999/AISignalPro-sub001/internal/dispatch"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

type executeRequest struct {
	Signal signal.Signal `json:"signal"`
}

type executeResponse struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// ExecutorClient calls the order executor.
//
// Transport failures and 5xx responses are retryable; 4xx responses are
// fatal since repeating the same request cannot succeed.
type ExecutorClient struct {
	client *resty.Client
}

var _ dispatch.Executor = (*ExecutorClient)(nil)

// NewExecutorClient creates a client for the executor at baseURL. The
// client sets no timeout; callers bound each request through its context.
func NewExecutorClient(baseURL string) *ExecutorClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetHeader("Content-Type", "application/json")
	return &ExecutorClient{client: client}
}

// Execute submits sig for execution.
func (c *ExecutorClient) Execute(ctx context.Context, sig signal.Signal) (dispatch.ExecResult, error) {
	var out executeResponse
	var apiErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(executeRequest{Signal: sig}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/execute")
	if err != nil {
		return dispatch.ExecResult{}, signal.NewRetryableError(signal.ReasonMT5Disconnection, err.Error())
	}
	if err := statusError(resp, apiErr); err != nil {
		return dispatch.ExecResult{}, err
	}

	return dispatch.ExecResult{
		Outcome: store.Outcome(out.Status),
		Reason:  out.Reason,
		Message: out.Message,
		Details: out.Details,
	}, nil
}

// CheckMarket reads the live spread and slippage for pair.
func (c *ExecutorClient) CheckMarket(ctx context.Context, pair string) (dispatch.Market, error) {
	var m dispatch.Market
	var apiErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&m).
		SetError(&apiErr).
		Get("/market/" + url.PathEscape(pair))
	if err != nil {
		return dispatch.Market{}, signal.NewRetryableError(signal.ReasonMT5Disconnection, err.Error())
	}
	if resp.IsError() {
		reason := apiErr.Reason
		if reason == "" {
			reason = signal.ReasonMarketClosed
		}
		return dispatch.Market{}, signal.NewRetryableError(reason,
			fmt.Sprintf("market %s: status %d: %s", pair, resp.StatusCode(), errorText(apiErr, resp)))
	}
	return m, nil
}

func statusError(resp *resty.Response, apiErr errorResponse) error {
	if !resp.IsError() {
		return nil
	}
	reason := apiErr.Reason
	if reason == "" {
		reason = signal.ReasonExecutionFailure
	}
	msg := fmt.Sprintf("executor status %d: %s", resp.StatusCode(), errorText(apiErr, resp))
	if resp.StatusCode() >= 500 {
		return signal.NewRetryableError(reason, msg)
	}
	return signal.NewFatalError(reason, msg)
}

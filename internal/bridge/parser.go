// Package bridge talks to the out-of-process collaborators: the parser that
// turns raw text into fields and the executor that places orders.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

// ParseResult is the parser's reading of one raw message.
type ParseResult struct {
	Fields     signal.ParsedFields
	Confidence float64
}

type parseRequest struct {
	RawText string        `json:"raw_text"`
	Source  signal.Source `json:"source"`
}

type parseResponse struct {
	Pair        string              `json:"pair"`
	Action      string              `json:"action"`
	Intent      string              `json:"intent"`
	OrderType   string              `json:"order_type"`
	Entry       decimal.NullDecimal `json:"entry"`
	StopLoss    decimal.NullDecimal `json:"stop_loss"`
	TakeProfits []decimal.Decimal   `json:"take_profits"`
	Confidence  float64             `json:"confidence"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// ParserClient calls the parser service.
type ParserClient struct {
	client *resty.Client
}

// NewParserClient creates a client for the parser at baseURL.
func NewParserClient(baseURL string, timeout time.Duration) *ParserClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	return &ParserClient{client: client}
}

// Parse extracts fields and a confidence from rawText.
func (c *ParserClient) Parse(ctx context.Context, rawText string, source signal.Source) (ParseResult, error) {
	var out parseResponse
	var apiErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(parseRequest{RawText: rawText, Source: source}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/parse")
	if err != nil {
		return ParseResult{}, fmt.Errorf("parse: %w", err)
	}
	if resp.IsError() {
		return ParseResult{}, fmt.Errorf("parse: status %d: %s", resp.StatusCode(), errorText(apiErr, resp))
	}

	intent := signal.Intent(out.Intent)
	if intent == "" {
		intent = signal.IntentUnknown
	}
	return ParseResult{
		Fields: signal.ParsedFields{
			Pair:        out.Pair,
			Action:      out.Action,
			Intent:      intent,
			OrderType:   out.OrderType,
			Entry:       out.Entry,
			StopLoss:    out.StopLoss,
			TakeProfits: out.TakeProfits,
		},
		Confidence: out.Confidence,
	}, nil
}

func errorText(apiErr errorResponse, resp *resty.Response) string {
	if apiErr.Error != "" {
		return apiErr.Error
	}
	return resp.String()
}

package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies how the raw signal text was obtained.
type Source string

const (
	SourceText  Source = "text"
	SourceOCR   Source = "ocr"
	SourceImage Source = "image"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceText, SourceOCR, SourceImage:
		return true
	}
	return false
}

// Intent is the high-level purpose of a signal.
type Intent string

const (
	IntentOpenTrade      Intent = "open_trade"
	IntentClosePosition  Intent = "close_position"
	IntentPartialClose   Intent = "partial_close"
	IntentModifyPosition Intent = "modify_position"
	IntentUnknown        Intent = "unknown"
)

// ParsedFields is the structured output of the parsing collaborator.
// Entry and StopLoss are optional; a market order carries no entry.
type ParsedFields struct {
	Pair        string              `json:"pair"`
	Action      string              `json:"action"`
	Intent      Intent              `json:"intent"`
	OrderType   string              `json:"order_type"`
	Entry       decimal.NullDecimal `json:"entry"`
	StopLoss    decimal.NullDecimal `json:"stop_loss"`
	TakeProfits []decimal.Decimal   `json:"take_profits"`
}

// Complete reports whether the fields carry enough to be executed.
func (p ParsedFields) Complete() bool {
	return p.Pair != "" && p.Action != ""
}

// Signal is a parsed trading instruction candidate.
type Signal struct {
	ID                string `json:"id"`
	Fingerprint       string `json:"fingerprint"`
	ChannelID         string `json:"channel_id"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	RawText           string `json:"raw_text"`
	Source            Source `json:"source"`

	ParsedFields

	Confidence   float64   `json:"confidence"`
	Status       Status    `json:"status"`
	ReasonCode   string    `json:"reason_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	Cancelled    bool      `json:"cancelled"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Channel is a monitored signal source.
type Channel struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
}

// Reason codes recorded on ignored or failed signals and in the attempt log.
const (
	ReasonLowConfidence      = "low_confidence"
	ReasonChannelInactive    = "channel_inactive"
	ReasonUnparseable        = "unparseable"
	ReasonCancelled          = "cancelled"
	ReasonMalformedFields    = "malformed_fields"
	ReasonExecutorTimeout    = "executor_timeout"
	ReasonLeaseExpired       = "lease_expired"
	ReasonMT5Disconnection   = "mt5_disconnection"
	ReasonExecutionFailure   = "execution_failure"
	ReasonSpreadTooHigh      = "spread_too_high"
	ReasonSlippageExceeded   = "slippage_exceeded"
	ReasonMarketClosed       = "market_closed"
	ReasonInsufficientMargin = "insufficient_margin"
	ReasonInvalidStops       = "invalid_stops"
	ReasonPriceChanged       = "price_changed"
	ReasonRetriesExhausted   = "retries_exhausted"
)

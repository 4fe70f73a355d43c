// Package dedup decides whether a fingerprinted signal is new.
//
// The durable store is the source of truth: admission is a single
// transaction against a UNIQUE fingerprint, so concurrent submissions of the
// same fingerprint yield exactly one admitted signal. An optional hot index
// answers repeat lookups inside the dedup window without touching SQLite.
package dedup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

// Admitter is the durable half of admission.
type Admitter interface {
	AdmitSignal(ctx context.Context, sig signal.Signal) (id string, admitted bool, err error)
}

// Result is the outcome of CheckAndAdmit.
type Result struct {
	Admitted bool
	// SignalID is the new signal on admission, or the original on a duplicate.
	SignalID string
}

// DuplicateOf returns the original signal id for a duplicate, or "".
func (r Result) DuplicateOf() string {
	if r.Admitted {
		return ""
	}
	return r.SignalID
}

// Store combines the durable admitter with the optional hot index.
type Store struct {
	durable Admitter
	hot     *HotIndex
	logger  zerolog.Logger
}

// New builds a dedup Store. hot may be nil.
func New(durable Admitter, hot *HotIndex, logger zerolog.Logger) *Store {
	return &Store{durable: durable, hot: hot, logger: logger}
}

// CheckAndAdmit persists sig unless its fingerprint, or its channel's
// external message id, has been seen before.
func (s *Store) CheckAndAdmit(ctx context.Context, sig signal.Signal) (Result, error) {
	keys := Keys(sig)

	if s.hot != nil {
		for _, key := range keys {
			id, ok, err := s.hot.Lookup(key)
			if err != nil {
				s.logger.Warn().Err(err).Str("fingerprint", sig.Fingerprint).Msg("hot index lookup failed")
				break
			}
			if ok {
				return Result{Admitted: false, SignalID: id}, nil
			}
		}
	}

	id, admitted, err := s.durable.AdmitSignal(ctx, sig)
	if err != nil {
		return Result{}, fmt.Errorf("check and admit: %w", err)
	}

	// Only the winner's own keys are cached; a duplicate may have matched on
	// a different key than the one it carries.
	if admitted && s.hot != nil {
		if err := s.hot.Remember(id, keys...); err != nil {
			s.logger.Warn().Err(err).Str("signal_id", id).Msg("hot index update failed")
		}
	}

	return Result{Admitted: admitted, SignalID: id}, nil
}

// Keys returns the hot index keys identifying sig.
func Keys(sig signal.Signal) []string {
	keys := []string{"fp/" + sig.Fingerprint}
	if sig.ExternalMessageID != "" {
		keys = append(keys, "msg/"+sig.ChannelID+"/"+sig.ExternalMessageID)
	}
	return keys
}

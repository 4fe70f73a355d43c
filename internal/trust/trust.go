// Package trust scores channels by their execution history.
//
// Writers only append events; each (signal, kind) pair is recorded once so
// replays are harmless. Readers sum the last rollup with the event tail, so
// a read never waits on a writer. A background rollup folds the tail into
// per-period records.
package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// EventStore is the durable trust log.
type EventStore interface {
	AppendTrustEvent(ctx context.Context, e store.TrustEvent) (bool, error)
	TrustCounts(ctx context.Context, channelID, period string) (store.TrustCounts, error)
	RollupTrust(ctx context.Context, now time.Time, score func(store.TrustCounts) float64) (int, error)
	ListTrustRecords(ctx context.Context, channelID string) ([]store.TrustCounts, error)
}

// Scorer records outcomes and serves trust scores.
type Scorer struct {
	events EventStore
	clock  clock.Clock
	period Period
	params Params
	logger zerolog.Logger
}

// New creates a Scorer.
func New(events EventStore, clk clock.Clock, period Period, params Params, logger zerolog.Logger) *Scorer {
	return &Scorer{events: events, clock: clk, period: period, params: params, logger: logger}
}

// Period returns the configured granularity.
func (s *Scorer) Period() Period { return s.period }

// RecordSignal counts sig toward its channel's totalSignals.
func (s *Scorer) RecordSignal(ctx context.Context, sig signal.Signal) error {
	return s.record(ctx, sig, store.TrustEventSignal)
}

// RecordExecuted counts a terminal execution outcome for sig.
func (s *Scorer) RecordExecuted(ctx context.Context, sig signal.Signal) error {
	return s.record(ctx, sig, store.TrustEventExecuted)
}

// RecordClose reports the close of sig's position. Only a profitable close
// counts as a win.
func (s *Scorer) RecordClose(ctx context.Context, sig signal.Signal, profit decimal.Decimal) error {
	if !profit.IsPositive() {
		s.logger.Debug().Str("signal_id", sig.ID).Str("profit", profit.String()).Msg("non-winning close")
		return nil
	}
	return s.record(ctx, sig, store.TrustEventWin)
}

// Every event is bucketed by the signal's creation time so a trade that
// closes after midnight still counts toward the period it was signalled in.
func (s *Scorer) record(ctx context.Context, sig signal.Signal, kind store.TrustEventKind) error {
	at := sig.CreatedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	inserted, err := s.events.AppendTrustEvent(ctx, store.TrustEvent{
		ChannelID:  sig.ChannelID,
		Period:     s.period.Key(at),
		Kind:       kind,
		SignalID:   sig.ID,
		RecordedAt: s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	if !inserted {
		s.logger.Debug().Str("signal_id", sig.ID).Str("kind", string(kind)).Msg("trust event already recorded")
	}
	return nil
}

// GetTrustScore returns counts and score for channelID in period. An empty
// period means the current one. The score is computed from the live counts,
// not the last rollup.
func (s *Scorer) GetTrustScore(ctx context.Context, channelID, period string) (store.TrustCounts, error) {
	if period == "" {
		period = s.period.Key(s.clock.Now())
	}
	c, err := s.events.TrustCounts(ctx, channelID, period)
	if err != nil {
		return store.TrustCounts{}, fmt.Errorf("get trust score: %w", err)
	}
	c.TrustScore = s.params.Score(c)
	return c, nil
}

// History returns the rolled-up records for channelID, newest first.
func (s *Scorer) History(ctx context.Context, channelID string) ([]store.TrustCounts, error) {
	return s.events.ListTrustRecords(ctx, channelID)
}

// Rollup folds pending events into trust records.
func (s *Scorer) Rollup(ctx context.Context) (int, error) {
	n, err := s.events.RollupTrust(ctx, s.clock.Now(), s.params.Score)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug().Int("records", n).Msg("trust rollup")
	}
	return n, nil
}

// Run rolls up every interval until ctx is cancelled.
func (s *Scorer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final fold so a clean shutdown leaves no tail behind.
			if _, err := s.Rollup(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("final trust rollup failed")
			}
			return nil
		case <-ticker.C:
			if _, err := s.Rollup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("trust rollup failed")
			}
		}
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TrustEventKind is the kind of an entry in the trust event log.
type TrustEventKind string

const (
	TrustEventSignal   TrustEventKind = "signal"
	TrustEventExecuted TrustEventKind = "executed"
	TrustEventWin      TrustEventKind = "win"
)

// TrustEvent is one append-only trust observation.
type TrustEvent struct {
	ChannelID  string
	Period     string
	Kind       TrustEventKind
	SignalID   string
	RecordedAt time.Time
}

// TrustCounts is the per-channel, per-period aggregate.
type TrustCounts struct {
	ChannelID      string    `json:"channel_id"`
	Period         string    `json:"period"`
	TotalSignals   int64     `json:"total_signals"`
	ExecutedTrades int64     `json:"executed_trades"`
	WinningTrades  int64     `json:"winning_trades"`
	TrustScore     float64   `json:"trust_score"`
	LastEventID    int64     `json:"-"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AppendTrustEvent records e. Each (signal, kind) pair is recorded at most
// once; repeats return inserted=false.
func (s *Store) AppendTrustEvent(ctx context.Context, e TrustEvent) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_events (channel_id, period, kind, signal_id, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(signal_id, kind) DO NOTHING
	`, e.ChannelID, e.Period, string(e.Kind), e.SignalID, toNanos(e.RecordedAt))
	if err != nil {
		return false, fmt.Errorf("append trust event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append trust event: rows affected: %w", err)
	}
	return n > 0, nil
}

// TrustCounts returns the current counts for a channel and period: the last
// rollup plus every event appended since. TrustScore is the rolled-up score
// and may lag the counts.
func (s *Store) TrustCounts(ctx context.Context, channelID, period string) (TrustCounts, error) {
	rec, err := scanTrustRecord(s.reader.QueryRowContext(ctx, `
		SELECT channel_id, period, total_signals, executed_trades, winning_trades,
		       trust_score, last_event_id, updated_at
		FROM trust_records WHERE channel_id = ? AND period = ?
	`, channelID, period))
	if errors.Is(err, sql.ErrNoRows) {
		rec = TrustCounts{ChannelID: channelID, Period: period}
	} else if err != nil {
		return TrustCounts{}, fmt.Errorf("trust counts: record: %w", err)
	}

	var signals, executed, wins, maxID sql.NullInt64
	err = s.reader.QueryRowContext(ctx, `
		SELECT SUM(kind = 'signal'), SUM(kind = 'executed'), SUM(kind = 'win'), MAX(id)
		FROM trust_events
		WHERE channel_id = ? AND period = ? AND id > ?
	`, channelID, period, rec.LastEventID).Scan(&signals, &executed, &wins, &maxID)
	if err != nil {
		return TrustCounts{}, fmt.Errorf("trust counts: events: %w", err)
	}
	rec.TotalSignals += signals.Int64
	rec.ExecutedTrades += executed.Int64
	rec.WinningTrades += wins.Int64
	if maxID.Valid {
		rec.LastEventID = maxID.Int64
	}
	return rec, nil
}

type trustDelta struct {
	channelID, period       string
	signals, executed, wins int64
	maxID                   int64
}

// RollupTrust folds unrolled events into trust_records, recomputing each
// touched record's score with score. Returns the number of records written.
func (s *Store) RollupTrust(ctx context.Context, now time.Time, score func(TrustCounts) float64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rollup trust: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT e.channel_id, e.period,
		       SUM(e.kind = 'signal'), SUM(e.kind = 'executed'), SUM(e.kind = 'win'),
		       MAX(e.id)
		FROM trust_events e
		LEFT JOIN trust_records r ON r.channel_id = e.channel_id AND r.period = e.period
		WHERE e.id > COALESCE(r.last_event_id, 0)
		GROUP BY e.channel_id, e.period
	`)
	if err != nil {
		return 0, fmt.Errorf("rollup trust: select: %w", err)
	}

	var deltas []trustDelta
	for rows.Next() {
		var d trustDelta
		if err := rows.Scan(&d.channelID, &d.period, &d.signals, &d.executed, &d.wins, &d.maxID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("rollup trust: scan: %w", err)
		}
		deltas = append(deltas, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rollup trust: %w", err)
	}

	for _, d := range deltas {
		rec, err := scanTrustRecord(tx.QueryRowContext(ctx, `
			SELECT channel_id, period, total_signals, executed_trades, winning_trades,
			       trust_score, last_event_id, updated_at
			FROM trust_records WHERE channel_id = ? AND period = ?
		`, d.channelID, d.period))
		if errors.Is(err, sql.ErrNoRows) {
			rec = TrustCounts{ChannelID: d.channelID, Period: d.period}
		} else if err != nil {
			return 0, fmt.Errorf("rollup trust: record: %w", err)
		}

		rec.TotalSignals += d.signals
		rec.ExecutedTrades += d.executed
		rec.WinningTrades += d.wins
		rec.LastEventID = d.maxID
		rec.TrustScore = score(rec)
		rec.UpdatedAt = now.UTC()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO trust_records
			(channel_id, period, total_signals, executed_trades, winning_trades,
			 trust_score, last_event_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, period) DO UPDATE SET
				total_signals = excluded.total_signals,
				executed_trades = excluded.executed_trades,
				winning_trades = excluded.winning_trades,
				trust_score = excluded.trust_score,
				last_event_id = excluded.last_event_id,
				updated_at = excluded.updated_at
		`, rec.ChannelID, rec.Period, rec.TotalSignals, rec.ExecutedTrades, rec.WinningTrades,
			rec.TrustScore, rec.LastEventID, toNanos(rec.UpdatedAt))
		if err != nil {
			return 0, fmt.Errorf("rollup trust: upsert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rollup trust: commit: %w", err)
	}
	return len(deltas), nil
}

// ListTrustRecords returns rolled-up records for channelID, newest period first.
func (s *Store) ListTrustRecords(ctx context.Context, channelID string) ([]TrustCounts, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT channel_id, period, total_signals, executed_trades, winning_trades,
		       trust_score, last_event_id, updated_at
		FROM trust_records WHERE channel_id = ?
		ORDER BY period DESC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	defer rows.Close()

	out := []TrustCounts{}
	for rows.Next() {
		rec, err := scanTrustRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list trust records: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTrustRecord(r rowScanner) (TrustCounts, error) {
	var (
		rec       TrustCounts
		updatedAt int64
	)
	err := r.Scan(&rec.ChannelID, &rec.Period, &rec.TotalSignals, &rec.ExecutedTrades,
		&rec.WinningTrades, &rec.TrustScore, &rec.LastEventID, &updatedAt)
	if err != nil {
		return TrustCounts{}, err
	}
	rec.UpdatedAt = fromNanos(updatedAt)
	return rec, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Outcome classifies one entry in the attempt log.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRetryable    Outcome = "retryable"
	OutcomeFatal        Outcome = "fatal"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeLeaseExpired Outcome = "lease_expired"
)

// Attempt is an immutable record of one execution attempt or queue event.
type Attempt struct {
	ID         int64          `json:"id"`
	SignalID   string         `json:"signal_id"`
	TaskID     int64          `json:"task_id"`
	Attempt    int            `json:"attempt"`
	WorkerID   string         `json:"worker_id"`
	Outcome    Outcome        `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Message    string         `json:"message,omitempty"`
	Spread     *float64       `json:"spread,omitempty"`
	Slippage   *float64       `json:"slippage,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

func appendAttempt(ctx context.Context, tx *sql.Tx, a Attempt) error {
	details := "{}"
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("append attempt: marshal details: %w", err)
		}
		details = string(b)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_attempts
		(signal_id, task_id, attempt, worker_id, outcome, reason, message,
		 spread, slippage, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.SignalID,
		a.TaskID,
		a.Attempt,
		a.WorkerID,
		string(a.Outcome),
		a.Reason,
		a.Message,
		nullFloat(a.Spread),
		nullFloat(a.Slippage),
		details,
		toNanos(a.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempt log for signalID in insertion order.
func (s *Store) ListAttempts(ctx context.Context, signalID string) ([]Attempt, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, signal_id, task_id, attempt, worker_id, outcome, reason, message,
		       spread, slippage, details, recorded_at
		FROM execution_attempts
		WHERE signal_id = ?
		ORDER BY id ASC
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := []Attempt{}
	for rows.Next() {
		var (
			a                Attempt
			outcome, details string
			spread, slippage sql.NullFloat64
			recordedAt       int64
		)
		err := rows.Scan(&a.ID, &a.SignalID, &a.TaskID, &a.Attempt, &a.WorkerID,
			&outcome, &a.Reason, &a.Message, &spread, &slippage, &details, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("list attempts: scan: %w", err)
		}
		a.Outcome = Outcome(outcome)
		a.RecordedAt = fromNanos(recordedAt)
		if spread.Valid {
			a.Spread = &spread.Float64
		}
		if slippage.Valid {
			a.Slippage = &slippage.Float64
		}
		if details != "{}" {
			if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
				return nil, fmt.Errorf("list attempts: details: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// AttemptStats aggregates the whole attempt log.
type AttemptStats struct {
	Total       int            `json:"total"`
	ByOutcome   map[string]int `json:"by_outcome"`
	ByReason    map[string]int `json:"by_reason"`
	SuccessRate float64        `json:"success_rate"`
}

// AttemptStats counts attempts by outcome and by reason. SuccessRate is the
// share of executor calls (success, retryable, fatal) that succeeded.
func (s *Store) AttemptStats(ctx context.Context) (AttemptStats, error) {
	stats := AttemptStats{ByOutcome: map[string]int{}, ByReason: map[string]int{}}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT outcome, reason, COUNT(*) FROM execution_attempts GROUP BY outcome, reason
	`)
	if err != nil {
		return AttemptStats{}, fmt.Errorf("attempt stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			outcome, reason string
			count           int
		)
		if err := rows.Scan(&outcome, &reason, &count); err != nil {
			return AttemptStats{}, fmt.Errorf("attempt stats: scan: %w", err)
		}
		stats.Total += count
		stats.ByOutcome[outcome] += count
		if reason != "" {
			stats.ByReason[reason] += count
		}
	}
	if err := rows.Err(); err != nil {
		return AttemptStats{}, fmt.Errorf("attempt stats: %w", err)
	}

	calls := stats.ByOutcome[string(OutcomeSuccess)] +
		stats.ByOutcome[string(OutcomeRetryable)] +
		stats.ByOutcome[string(OutcomeFatal)]
	if calls > 0 {
		stats.SuccessRate = float64(stats.ByOutcome[string(OutcomeSuccess)]) / float64(calls)
	}
	return stats, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

// EnsureChannel registers ch if no channel with its id exists and returns
// the stored channel either way. Existing settings are never overwritten.
func (s *Store) EnsureChannel(ctx context.Context, ch signal.Channel) (signal.Channel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return signal.Channel{}, fmt.Errorf("ensure channel: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (id, name, confidence_threshold, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ch.ID, ch.Name, ch.ConfidenceThreshold, boolInt(ch.IsActive), toNanos(ch.CreatedAt))
	if err != nil {
		return signal.Channel{}, fmt.Errorf("ensure channel: insert: %w", err)
	}

	stored, err := scanChannel(tx.QueryRowContext(ctx, `
		SELECT id, name, confidence_threshold, is_active, created_at
		FROM channels WHERE id = ?
	`, ch.ID))
	if err != nil {
		return signal.Channel{}, fmt.Errorf("ensure channel: select: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return signal.Channel{}, fmt.Errorf("ensure channel: commit: %w", err)
	}
	return stored, nil
}

// UpsertChannel creates or replaces a channel's settings.
// The original created_at is preserved.
func (s *Store) UpsertChannel(ctx context.Context, ch signal.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, confidence_threshold, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			confidence_threshold = excluded.confidence_threshold,
			is_active = excluded.is_active
	`, ch.ID, ch.Name, ch.ConfidenceThreshold, boolInt(ch.IsActive), toNanos(ch.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// GetChannel returns the channel with id.
func (s *Store) GetChannel(ctx context.Context, id string) (signal.Channel, error) {
	ch, err := scanChannel(s.reader.QueryRowContext(ctx, `
		SELECT id, name, confidence_threshold, is_active, created_at
		FROM channels WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return signal.Channel{}, fmt.Errorf("get channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return signal.Channel{}, fmt.Errorf("get channel %s: %w", id, err)
	}
	return ch, nil
}

// ListChannels returns all channels ordered by id.
func (s *Store) ListChannels(ctx context.Context) ([]signal.Channel, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, name, confidence_threshold, is_active, created_at
		FROM channels ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	out := []signal.Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("list channels: scan: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChannel(r rowScanner) (signal.Channel, error) {
	var (
		ch        signal.Channel
		active    int
		createdAt int64
	)
	if err := r.Scan(&ch.ID, &ch.Name, &ch.ConfidenceThreshold, &active, &createdAt); err != nil {
		return signal.Channel{}, err
	}
	ch.IsActive = active != 0
	ch.CreatedAt = fromNanos(createdAt)
	return ch, nil
}

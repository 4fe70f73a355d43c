package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

const signalColumns = `id, fingerprint, channel_id, external_message_id, raw_text, source,
	pair, action, intent, order_type, entry, stop_loss, take_profits,
	confidence, status, reason_code, error_message, retry_count, cancelled,
	archived, created_at, updated_at`

// AdmitSignal inserts sig unless a signal with the same fingerprint (or the
// same channel/external message id) already exists.
//
// Returns admitted=true and sig.ID for the first writer. Every later caller
// gets admitted=false and the id of the signal that won. The check and the
// insert happen in one transaction against UNIQUE constraints, so concurrent
// callers cannot both win.
func (s *Store) AdmitSignal(ctx context.Context, sig signal.Signal) (id string, admitted bool, err error) {
	tpJSON, err := marshalTakeProfits(sig.TakeProfits)
	if err != nil {
		return "", false, fmt.Errorf("admit signal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("admit signal: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		sig.ID,
		sig.Fingerprint,
		sig.ChannelID,
		sig.ExternalMessageID,
		sig.RawText,
		string(sig.Source),
		sig.Pair,
		sig.Action,
		string(sig.Intent),
		sig.OrderType,
		nullDecimal(sig.Entry),
		nullDecimal(sig.StopLoss),
		tpJSON,
		sig.Confidence,
		string(sig.Status),
		sig.ReasonCode,
		sig.ErrorMessage,
		sig.RetryCount,
		boolInt(sig.Cancelled),
		boolInt(sig.Archived),
		toNanos(sig.CreatedAt),
		toNanos(sig.UpdatedAt),
	)
	if err != nil {
		return "", false, fmt.Errorf("admit signal: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("admit signal: rows affected: %w", err)
	}

	if rowsAffected > 0 {
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("admit signal: commit: %w", err)
		}
		return sig.ID, true, nil
	}

	err = tx.QueryRowContext(ctx, `
		SELECT id FROM signals
		WHERE fingerprint = ?
		   OR (channel_id = ? AND external_message_id = ? AND external_message_id <> '')
		ORDER BY created_at, id
		LIMIT 1
	`, sig.Fingerprint, sig.ChannelID, sig.ExternalMessageID).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("admit signal: select existing: %w", err)
	}

	return id, false, nil
}

// GetSignal returns the signal with the given id.
func (s *Store) GetSignal(ctx context.Context, id string) (signal.Signal, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return signal.Signal{}, fmt.Errorf("get signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return signal.Signal{}, fmt.Errorf("get signal %s: %w", id, err)
	}
	return sig, nil
}

// GetSignalByFingerprint returns the signal holding fingerprint.
func (s *Store) GetSignalByFingerprint(ctx context.Context, fingerprint string) (signal.Signal, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE fingerprint = ?`, fingerprint)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return signal.Signal{}, fmt.Errorf("get signal by fingerprint: %w", ErrNotFound)
	}
	if err != nil {
		return signal.Signal{}, fmt.Errorf("get signal by fingerprint: %w", err)
	}
	return sig, nil
}

// SignalFilter narrows ListSignals. Zero values mean "any".
type SignalFilter struct {
	ChannelID       string
	Status          signal.Status
	IncludeArchived bool
	Limit           int
	Cursor          string
}

// SignalPage is one page of signals, newest first.
type SignalPage struct {
	Signals    []signal.Signal `json:"signals"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

const defaultPageSize = 50

// ErrInvalidCursor is returned by ListSignals for a malformed cursor.
var ErrInvalidCursor = errors.New("store: invalid cursor")

// ListSignals returns signals ordered by creation time descending.
// Pagination is keyset-based on (created_at, id) so pages stay stable while
// new signals arrive.
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) (SignalPage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultPageSize
	}

	var (
		where []string
		args  []any
	)
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if f.Cursor != "" {
		at, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return SignalPage{}, fmt.Errorf("list signals: %w", err)
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, at, at, id)
	}

	query := `SELECT ` + signalColumns + ` FROM signals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return SignalPage{}, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	page := SignalPage{Signals: []signal.Signal{}}
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return SignalPage{}, fmt.Errorf("list signals: scan: %w", err)
		}
		page.Signals = append(page.Signals, sig)
	}
	if err := rows.Err(); err != nil {
		return SignalPage{}, fmt.Errorf("list signals: %w", err)
	}

	if len(page.Signals) > limit {
		page.Signals = page.Signals[:limit]
		last := page.Signals[limit-1]
		page.NextCursor = encodeCursor(toNanos(last.CreatedAt), last.ID)
	}
	return page, nil
}

// ListPendingSignals returns signals still pending that were created before
// cutoff. Used to recover admissions interrupted between dedup and gating.
func (s *Store) ListPendingSignals(ctx context.Context, cutoff time.Time) ([]signal.Signal, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE status = ? AND created_at < ?
		ORDER BY created_at, id
	`, string(signal.StatusPending), toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list pending signals: %w", err)
	}
	defer rows.Close()

	out := []signal.Signal{}
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending signals: scan: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// MarkIgnored moves a non-terminal signal to ignored with reason.
func (s *Store) MarkIgnored(ctx context.Context, id, reason, message string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark ignored: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := transitionSignal(ctx, tx, id, signal.StatusIgnored, reason, message, now); err != nil {
		return fmt.Errorf("mark ignored: %w", err)
	}
	return tx.Commit()
}

// CancelSignal flags a signal as cancelled.
//
// A pending signal, or a queued one whose task is not currently leased, is
// moved to ignored immediately and its task removed. A signal whose task is
// leased keeps the flag; the worker holding the lease observes it before
// calling the executor. Terminal signals cannot be cancelled.
func (s *Store) CancelSignal(ctx context.Context, id string, now time.Time) (signal.Signal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("cancel signal: begin tx: %w", err)
	}
	defer tx.Rollback()

	status, err := signalStatus(ctx, tx, id)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("cancel signal: %w", err)
	}
	if status.Terminal() {
		return signal.Signal{}, fmt.Errorf("cancel signal %s: %w", id, signal.CheckTransition(status, signal.StatusIgnored))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE signals SET cancelled = 1, updated_at = ? WHERE id = ?
	`, toNanos(now), id); err != nil {
		return signal.Signal{}, fmt.Errorf("cancel signal: flag: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM retry_tasks WHERE signal_id = ? AND lease_token = ''`, id)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("cancel signal: drop task: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return signal.Signal{}, fmt.Errorf("cancel signal: rows affected: %w", err)
	}

	if status == signal.StatusPending || (status == signal.StatusQueued && dropped > 0) {
		if err := transitionSignal(ctx, tx, id, signal.StatusIgnored, signal.ReasonCancelled, "cancelled by operator", now); err != nil {
			return signal.Signal{}, fmt.Errorf("cancel signal: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("cancel signal: reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return signal.Signal{}, fmt.Errorf("cancel signal: commit: %w", err)
	}
	return sig, nil
}

// ArchiveSignals marks terminal signals created before cutoff as archived.
// Archived signals keep their fingerprints, so they still deduplicate.
func (s *Store) ArchiveSignals(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET archived = 1, updated_at = ?
		WHERE archived = 0
		  AND status IN (?, ?, ?)
		  AND created_at < ?
	`, toNanos(now),
		string(signal.StatusExecuted), string(signal.StatusIgnored), string(signal.StatusFailed),
		toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("archive signals: %w", err)
	}
	return res.RowsAffected()
}

// transitionSignal applies a checked status change inside tx.
func transitionSignal(ctx context.Context, tx *sql.Tx, id string, to signal.Status, reason, message string, now time.Time) error {
	from, err := signalStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := signal.CheckTransition(from, to); err != nil {
		return fmt.Errorf("signal %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE signals
		SET status = ?, reason_code = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, string(to), reason, message, toNanos(now), id)
	if err != nil {
		return fmt.Errorf("update signal %s: %w", id, err)
	}
	return nil
}

func signalStatus(ctx context.Context, tx *sql.Tx, id string) (signal.Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM signals WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("signal %s: %w", id, err)
	}
	return signal.Status(status), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(r rowScanner) (signal.Signal, error) {
	var (
		sig                  signal.Signal
		source, intent       string
		status               string
		entry, stopLoss      sql.NullString
		tpJSON               string
		cancelled, archived  int
		createdAt, updatedAt int64
	)
	err := r.Scan(
		&sig.ID,
		&sig.Fingerprint,
		&sig.ChannelID,
		&sig.ExternalMessageID,
		&sig.RawText,
		&source,
		&sig.Pair,
		&sig.Action,
		&intent,
		&sig.OrderType,
		&entry,
		&stopLoss,
		&tpJSON,
		&sig.Confidence,
		&status,
		&sig.ReasonCode,
		&sig.ErrorMessage,
		&sig.RetryCount,
		&cancelled,
		&archived,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return signal.Signal{}, err
	}

	sig.Source = signal.Source(source)
	sig.Intent = signal.Intent(intent)
	sig.Status = signal.Status(status)
	sig.Cancelled = cancelled != 0
	sig.Archived = archived != 0
	sig.CreatedAt = fromNanos(createdAt)
	sig.UpdatedAt = fromNanos(updatedAt)

	if sig.Entry, err = parseNullDecimal(entry); err != nil {
		return signal.Signal{}, fmt.Errorf("entry: %w", err)
	}
	if sig.StopLoss, err = parseNullDecimal(stopLoss); err != nil {
		return signal.Signal{}, fmt.Errorf("stop_loss: %w", err)
	}
	if sig.TakeProfits, err = unmarshalTakeProfits(tpJSON); err != nil {
		return signal.Signal{}, err
	}
	return sig, nil
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func marshalTakeProfits(tps []decimal.Decimal) (string, error) {
	strs := make([]string, 0, len(tps))
	for _, tp := range tps {
		strs = append(strs, tp.String())
	}
	b, err := json.Marshal(strs)
	if err != nil {
		return "", fmt.Errorf("marshal take profits: %w", err)
	}
	return string(b), nil
}

func unmarshalTakeProfits(s string) ([]decimal.Decimal, error) {
	var strs []string
	if err := json.Unmarshal([]byte(s), &strs); err != nil {
		return nil, fmt.Errorf("unmarshal take profits: %w", err)
	}
	out := make([]decimal.Decimal, 0, len(strs))
	for _, str := range strs {
		d, err := decimal.NewFromString(str)
		if err != nil {
			return nil, fmt.Errorf("take profit %q: %w", str, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func encodeCursor(at int64, id string) string {
	return strconv.FormatInt(at, 10) + "_" + id
}

func decodeCursor(c string) (int64, string, error) {
	at, id, ok := strings.Cut(c, "_")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("%w %q", ErrInvalidCursor, c)
	}
	n, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w %q: %w", ErrInvalidCursor, c, err)
	}
	return n, id, nil
}

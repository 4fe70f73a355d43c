package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

var (
	// ErrTaskExists is returned when a live task already exists for a signal.
	ErrTaskExists = errors.New("store: live task already exists for signal")

	// ErrLeaseLost is returned when a lease token no longer owns its task.
	ErrLeaseLost = errors.New("store: lease lost")
)

// Task is a live retry-queue entry. Attempt is the 1-based number of the
// attempt the next lease will make.
type Task struct {
	ID             int64     `json:"id"`
	SignalID       string    `json:"signal_id"`
	Fingerprint    string    `json:"fingerprint"`
	ChannelID      string    `json:"channel_id"`
	Priority       int       `json:"priority"`
	Attempt        int       `json:"attempt"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	LastError      string    `json:"last_error,omitempty"`
	LeasedBy       string    `json:"leased_by,omitempty"`
	LeaseToken     string    `json:"-"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Leased reports whether the task carries a lease that has not expired.
func (t Task) Leased(now time.Time) bool {
	return t.LeaseToken != "" && t.LeaseExpiresAt.After(now)
}

const taskColumns = `id, signal_id, fingerprint, channel_id, priority, attempt,
	scheduled_at, last_error, leased_by, lease_token, lease_expires_at, created_at`

// InsertTask creates the live task for a pending signal and moves the signal
// to queued. Fails with ErrTaskExists if the signal already has a task.
func (s *Store) InsertTask(ctx context.Context, t Task, now time.Time) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertTask(ctx, tx, t, now)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	if err := transitionSignal(ctx, tx, t.SignalID, signal.StatusQueued, "", "", now); err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("insert task: commit: %w", err)
	}
	return inserted, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t Task, now time.Time) (Task, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO retry_tasks
		(signal_id, fingerprint, channel_id, priority, attempt, scheduled_at,
		 last_error, leased_by, lease_token, lease_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '', 0, ?)
		ON CONFLICT(signal_id) DO NOTHING
	`,
		t.SignalID,
		t.Fingerprint,
		t.ChannelID,
		t.Priority,
		t.Attempt,
		toNanos(t.ScheduledAt),
		t.LastError,
		toNanos(now),
	)
	if err != nil {
		return Task{}, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return Task{}, fmt.Errorf("signal %s: %w", t.SignalID, ErrTaskExists)
	}

	t.ID, err = result.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("last insert id: %w", err)
	}
	t.LeasedBy, t.LeaseToken, t.LeaseExpiresAt = "", "", time.Time{}
	t.CreatedAt = now.UTC()
	return t, nil
}

// LeaseTask claims the earliest eligible task for workerID.
//
// A task is eligible when its scheduled time has arrived and it is either
// unleased or its lease has expired. Selection order is priority ascending,
// then scheduled time, then insertion order. Reclaiming an expired lease
// writes a lease_expired entry to the attempt log without consuming an
// attempt.
//
// Returns ok=false when nothing is eligible.
func (s *Store) LeaseTask(ctx context.Context, workerID, token string, now time.Time, leaseFor time.Duration) (task Task, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, false, fmt.Errorf("lease task: begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err = scanTask(tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM retry_tasks
		WHERE scheduled_at <= ?
		  AND (lease_token = '' OR lease_expires_at <= ?)
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT 1
	`, toNanos(now), toNanos(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("lease task: select: %w", err)
	}

	if task.LeaseToken != "" {
		err := appendAttempt(ctx, tx, Attempt{
			SignalID:   task.SignalID,
			TaskID:     task.ID,
			Attempt:    task.Attempt,
			WorkerID:   task.LeasedBy,
			Outcome:    OutcomeLeaseExpired,
			Reason:     signal.ReasonLeaseExpired,
			Message:    fmt.Sprintf("lease held by %s expired", task.LeasedBy),
			RecordedAt: now,
		})
		if err != nil {
			return Task{}, false, fmt.Errorf("lease task: %w", err)
		}
	}

	expires := now.Add(leaseFor)
	_, err = tx.ExecContext(ctx, `
		UPDATE retry_tasks
		SET leased_by = ?, lease_token = ?, lease_expires_at = ?
		WHERE id = ?
	`, workerID, token, toNanos(expires), task.ID)
	if err != nil {
		return Task{}, false, fmt.Errorf("lease task: update: %w", err)
	}

	status, err := signalStatus(ctx, tx, task.SignalID)
	if err != nil {
		return Task{}, false, fmt.Errorf("lease task: %w", err)
	}
	if status != signal.StatusExecuting {
		if err := transitionSignal(ctx, tx, task.SignalID, signal.StatusExecuting, "", "", now); err != nil {
			return Task{}, false, fmt.Errorf("lease task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Task{}, false, fmt.Errorf("lease task: commit: %w", err)
	}

	task.LeasedBy = workerID
	task.LeaseToken = token
	task.LeaseExpiresAt = expires.UTC()
	return task, true, nil
}

// Reschedule describes the replacement task written by SettleLease.
type Reschedule struct {
	Attempt     int
	ScheduledAt time.Time
	LastError   string
}

// Settlement is the outcome a lease holder applies to its task.
type Settlement struct {
	TaskID     int64
	LeaseToken string

	// Status is the signal's new status.
	Status       signal.Status
	ReasonCode   string
	ErrorMessage string
	RetryCount   int

	// Reschedule, when set, replaces the task with a fresh row at the tail
	// of its priority class. Otherwise the task is removed.
	Reschedule *Reschedule

	// Attempt, when set, is appended to the attempt log.
	Attempt *Attempt

	Now time.Time
}

// SettleLease applies st atomically: the task is removed (and optionally
// re-inserted), the signal transitions, and the attempt is logged.
// Fails with ErrLeaseLost if st.LeaseToken no longer owns the task.
func (s *Store) SettleLease(ctx context.Context, st Settlement) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("settle lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM retry_tasks WHERE id = ? AND lease_token = ?
	`, st.TaskID, st.LeaseToken))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settle lease: task %d: %w", st.TaskID, ErrLeaseLost)
	}
	if err != nil {
		return nil, fmt.Errorf("settle lease: select: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = ?`, task.ID); err != nil {
		return nil, fmt.Errorf("settle lease: delete: %w", err)
	}

	var next *Task
	if st.Reschedule != nil {
		inserted, err := insertTask(ctx, tx, Task{
			SignalID:    task.SignalID,
			Fingerprint: task.Fingerprint,
			ChannelID:   task.ChannelID,
			Priority:    task.Priority,
			Attempt:     st.Reschedule.Attempt,
			ScheduledAt: st.Reschedule.ScheduledAt,
			LastError:   st.Reschedule.LastError,
		}, st.Now)
		if err != nil {
			return nil, fmt.Errorf("settle lease: reschedule: %w", err)
		}
		next = &inserted
	}

	if err := transitionSignal(ctx, tx, task.SignalID, st.Status, st.ReasonCode, st.ErrorMessage, st.Now); err != nil {
		return nil, fmt.Errorf("settle lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE signals SET retry_count = ? WHERE id = ?
	`, st.RetryCount, task.SignalID); err != nil {
		return nil, fmt.Errorf("settle lease: retry count: %w", err)
	}

	if st.Attempt != nil {
		a := *st.Attempt
		a.SignalID = task.SignalID
		a.TaskID = task.ID
		if a.RecordedAt.IsZero() {
			a.RecordedAt = st.Now
		}
		if err := appendAttempt(ctx, tx, a); err != nil {
			return nil, fmt.Errorf("settle lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("settle lease: commit: %w", err)
	}
	return next, nil
}

// ExtendLease pushes the lease deadline forward for a long-running attempt.
func (s *Store) ExtendLease(ctx context.Context, taskID int64, token string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_tasks SET lease_expires_at = ? WHERE id = ? AND lease_token = ?
	`, toNanos(until), taskID, token)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lease: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("extend lease: task %d: %w", taskID, ErrLeaseLost)
	}
	return nil
}

// TaskForSignal returns the live task for signalID.
func (s *Store) TaskForSignal(ctx context.Context, signalID string) (Task, error) {
	task, err := scanTask(s.reader.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM retry_tasks WHERE signal_id = ?
	`, signalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task for signal %s: %w", signalID, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("task for signal %s: %w", signalID, err)
	}
	return task, nil
}

// NextScheduledAt returns the earliest scheduled time among unleased tasks,
// or ok=false if the queue holds none.
func (s *Store) NextScheduledAt(ctx context.Context) (at time.Time, ok bool, err error) {
	var n sql.NullInt64
	err = s.reader.QueryRowContext(ctx, `
		SELECT MIN(scheduled_at) FROM retry_tasks WHERE lease_token = ''
	`).Scan(&n)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next scheduled: %w", err)
	}
	if !n.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(n.Int64), true, nil
}

// QueueStats summarizes the retry queue at a point in time.
type QueueStats struct {
	Ready        int            `json:"ready"`
	Delayed      int            `json:"delayed"`
	Leased       int            `json:"leased"`
	Expired      int            `json:"expired"`
	OldestReady  time.Time      `json:"oldest_ready,omitempty"`
	SignalCounts map[string]int `json:"signal_counts"`
}

// Stats computes queue depth by state and signal counts by status.
func (s *Store) Stats(ctx context.Context, now time.Time) (QueueStats, error) {
	n := toNanos(now)
	var (
		stats  QueueStats
		oldest sql.NullInt64
	)
	err := s.reader.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN lease_token = '' AND scheduled_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_token = '' AND scheduled_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_token <> '' AND lease_expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_token <> '' AND lease_expires_at <= ? THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN lease_token = '' AND scheduled_at <= ? THEN scheduled_at END)
		FROM retry_tasks
	`, n, n, n, n, n).Scan(&stats.Ready, &stats.Delayed, &stats.Leased, &stats.Expired, &oldest)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestReady = fromNanos(oldest.Int64)
	}

	rows, err := s.reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM signals GROUP BY status`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: signals: %w", err)
	}
	defer rows.Close()

	stats.SignalCounts = map[string]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, fmt.Errorf("queue stats: scan: %w", err)
		}
		stats.SignalCounts[status] = count
	}
	return stats, rows.Err()
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                               Task
		scheduledAt, expiresAt, created int64
	)
	err := r.Scan(
		&t.ID,
		&t.SignalID,
		&t.Fingerprint,
		&t.ChannelID,
		&t.Priority,
		&t.Attempt,
		&scheduledAt,
		&t.LastError,
		&t.LeasedBy,
		&t.LeaseToken,
		&expiresAt,
		&created,
	)
	if err != nil {
		return Task{}, err
	}
	t.ScheduledAt = fromNanos(scheduledAt)
	t.LeaseExpiresAt = fromNanos(expiresAt)
	t.CreatedAt = fromNanos(created)
	return t, nil
}

// Package queue is the durable retry queue between admission and execution.
//
// Tasks live in the store; this package owns the retry policy: which
// outcome consumes an attempt, when a task is rescheduled and with what
// backoff, and when a signal is failed permanently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/metrics"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

var (
	// ErrAlreadyQueued is returned by Enqueue when the signal already has a
	// live task.
	ErrAlreadyQueued = errors.New("queue: signal already queued")

	// ErrLeaseLost is returned by Complete when the lease expired and the
	// task was reclaimed by another worker.
	ErrLeaseLost = store.ErrLeaseLost
)

// TaskStore is the durable state the queue operates on.
type TaskStore interface {
	InsertTask(ctx context.Context, t store.Task, now time.Time) (store.Task, error)
	LeaseTask(ctx context.Context, workerID, token string, now time.Time, leaseFor time.Duration) (store.Task, bool, error)
	SettleLease(ctx context.Context, st store.Settlement) (*store.Task, error)
	ExtendLease(ctx context.Context, taskID int64, token string, until time.Time) error
	CancelSignal(ctx context.Context, id string, now time.Time) (signal.Signal, error)
	Stats(ctx context.Context, now time.Time) (store.QueueStats, error)
	AttemptStats(ctx context.Context) (store.AttemptStats, error)
}

// Config is the retry policy.
type Config struct {
	MaxAttempts  int
	Backoff      Backoff
	LeaseTimeout time.Duration

	// SkipDelay reschedules a task whose market check failed. Skips never
	// consume an attempt.
	SkipDelay time.Duration
}

// Queue applies the retry policy over a TaskStore.
type Queue struct {
	store    TaskStore
	clock    clock.Clock
	cfg      Config
	notifier *Notifier
	logger   zerolog.Logger
}

// New creates a Queue. The returned queue's Notifier is signalled on every
// enqueue.
func New(ts TaskStore, clk clock.Clock, cfg Config, logger zerolog.Logger) *Queue {
	return &Queue{
		store:    ts,
		clock:    clk,
		cfg:      cfg,
		notifier: NewNotifier(),
		logger:   logger,
	}
}

// Notifier returns the wake-up channel shared with workers.
func (q *Queue) Notifier() *Notifier { return q.notifier }

// MaxAttempts returns the configured attempt limit.
func (q *Queue) MaxAttempts() int { return q.cfg.MaxAttempts }

// Enqueue creates the first task for a pending signal.
func (q *Queue) Enqueue(ctx context.Context, sig signal.Signal, priority int) (store.Task, error) {
	now := q.clock.Now()
	task, err := q.store.InsertTask(ctx, store.Task{
		SignalID:    sig.ID,
		Fingerprint: sig.Fingerprint,
		ChannelID:   sig.ChannelID,
		Priority:    priority,
		Attempt:     1,
		ScheduledAt: now,
	}, now)
	if errors.Is(err, store.ErrTaskExists) {
		return store.Task{}, fmt.Errorf("enqueue %s: %w: %w", sig.ID, ErrAlreadyQueued, &signal.CoreError{
			Code:     signal.CodeQueueContention,
			Message:  "live task already exists",
			SignalID: sig.ID,
		})
	}
	if err != nil {
		return store.Task{}, fmt.Errorf("enqueue %s: %w", sig.ID, err)
	}

	q.logger.Debug().
		Str("signal_id", sig.ID).
		Int("priority", priority).
		Int64("task_id", task.ID).
		Msg("task enqueued")
	q.notifier.Notify()
	return task, nil
}

// LeaseNext claims the earliest eligible task for workerID.
// Returns ok=false when nothing is eligible.
func (q *Queue) LeaseNext(ctx context.Context, workerID string) (store.Task, bool, error) {
	token := uuid.NewString()
	task, ok, err := q.store.LeaseTask(ctx, workerID, token, q.clock.Now(), q.cfg.LeaseTimeout)
	if err != nil {
		return store.Task{}, false, fmt.Errorf("lease next: %w", err)
	}
	if ok {
		metrics.QueueLeasesTotal.Inc()
	}
	return task, ok, nil
}

// Extend renews a lease for another lease timeout.
func (q *Queue) Extend(ctx context.Context, task store.Task) error {
	return q.store.ExtendLease(ctx, task.ID, task.LeaseToken, q.clock.Now().Add(q.cfg.LeaseTimeout))
}

// OutcomeKind is how an attempt ended.
type OutcomeKind = store.Outcome

// Outcome is reported by the lease holder to Complete.
type Outcome struct {
	Kind     OutcomeKind
	Reason   string
	Message  string
	WorkerID string
	Spread   *float64
	Slippage *float64
	Details  map[string]any
}

// Result reports what Complete did.
type Result struct {
	Status     signal.Status
	RetryCount int
	// Next is the replacement task when the signal was rescheduled.
	Next *store.Task
	// Terminal is true when the signal reached executed, failed or ignored.
	Terminal bool
}

// Complete settles a leased task.
//
//   - success: signal executed, task removed.
//   - retryable: rescheduled with backoff while attempts remain, otherwise
//     the signal fails with retries_exhausted.
//   - fatal: signal failed immediately.
//   - skipped: rescheduled after SkipDelay at the same attempt.
//   - cancelled: signal ignored, no attempt consumed.
//
// Returns ErrLeaseLost if the lease no longer belongs to the caller.
func (q *Queue) Complete(ctx context.Context, task store.Task, out Outcome) (Result, error) {
	now := q.clock.Now()
	st := store.Settlement{
		TaskID:     task.ID,
		LeaseToken: task.LeaseToken,
		Now:        now,
		Attempt: &store.Attempt{
			Attempt:  task.Attempt,
			WorkerID: out.WorkerID,
			Outcome:  out.Kind,
			Reason:   out.Reason,
			Message:  out.Message,
			Spread:   out.Spread,
			Slippage: out.Slippage,
			Details:  out.Details,
		},
	}

	prior := task.Attempt - 1
	var res Result
	switch out.Kind {
	case store.OutcomeSuccess:
		st.Status = signal.StatusExecuted
		st.RetryCount = prior
		res.Terminal = true

	case store.OutcomeRetryable:
		st.RetryCount = task.Attempt
		st.ReasonCode = out.Reason
		st.ErrorMessage = out.Message
		if task.Attempt < q.cfg.MaxAttempts {
			delay := q.cfg.Backoff.Delay(task.Attempt)
			metrics.RetryBackoffSeconds.Observe(delay.Seconds())
			st.Status = signal.StatusQueued
			st.Reschedule = &store.Reschedule{
				Attempt:     task.Attempt + 1,
				ScheduledAt: now.Add(delay),
				LastError:   describe(out),
			}
		} else {
			st.Status = signal.StatusFailed
			st.ReasonCode = signal.ReasonRetriesExhausted
			st.ErrorMessage = fmt.Sprintf("failed after %d attempts: %s", task.Attempt, describe(out))
			res.Terminal = true
		}

	case store.OutcomeFatal:
		st.Status = signal.StatusFailed
		st.RetryCount = prior
		st.ReasonCode = out.Reason
		st.ErrorMessage = describe(out)
		res.Terminal = true

	case store.OutcomeSkipped:
		st.Status = signal.StatusQueued
		st.RetryCount = prior
		st.ReasonCode = out.Reason
		st.ErrorMessage = describe(out)
		st.Reschedule = &store.Reschedule{
			Attempt:     task.Attempt,
			ScheduledAt: now.Add(q.cfg.SkipDelay),
			LastError:   describe(out),
		}

	case store.OutcomeCancelled:
		st.Status = signal.StatusIgnored
		st.RetryCount = prior
		st.ReasonCode = signal.ReasonCancelled
		st.ErrorMessage = "cancelled before execution"
		res.Terminal = true

	default:
		return Result{}, fmt.Errorf("complete task %d: unknown outcome %q", task.ID, out.Kind)
	}

	next, err := q.store.SettleLease(ctx, st)
	if err != nil {
		return Result{}, fmt.Errorf("complete task %d: %w", task.ID, err)
	}
	metrics.ExecutionsTotal.WithLabelValues(string(out.Kind)).Inc()

	res.Status = st.Status
	res.RetryCount = st.RetryCount
	res.Next = next

	q.logger.Info().
		Str("signal_id", task.SignalID).
		Int64("task_id", task.ID).
		Int("attempt", task.Attempt).
		Str("outcome", string(out.Kind)).
		Str("reason", out.Reason).
		Str("status", string(st.Status)).
		Msg("task settled")
	return res, nil
}

// Cancel flags a signal as cancelled. An unleased task is removed at once;
// a leased one is settled as cancelled by its worker.
func (q *Queue) Cancel(ctx context.Context, signalID string) (signal.Signal, error) {
	sig, err := q.store.CancelSignal(ctx, signalID, q.clock.Now())
	if err != nil {
		return signal.Signal{}, fmt.Errorf("cancel: %w", err)
	}
	return sig, nil
}

// Stats is the queue health summary.
type Stats struct {
	store.QueueStats
	Attempts store.AttemptStats `json:"attempts"`
}

// Stats reports queue depth and attempt-log aggregates.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	qs, err := q.store.Stats(ctx, q.clock.Now())
	if err != nil {
		return Stats{}, err
	}
	as, err := q.store.AttemptStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{QueueStats: qs, Attempts: as}, nil
}

func describe(out Outcome) string {
	switch {
	case out.Reason == "":
		return out.Message
	case out.Message == "":
		return out.Reason
	default:
		return out.Reason + ": " + out.Message
	}
}

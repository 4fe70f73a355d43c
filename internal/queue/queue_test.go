package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Store
	clock *clock.Fake
	queue *Queue
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.EnsureChannel(context.Background(), signal.Channel{
		ID: "vip", Name: "vip", ConfidenceThreshold: 0.85, IsActive: true, CreatedAt: start,
	})
	require.NoError(t, err)

	clk := clock.NewFake(start)
	q := New(s, clk, Config{
		MaxAttempts:  maxAttempts,
		Backoff:      Backoff{Base: time.Second, Max: 30 * time.Second},
		LeaseTimeout: 30 * time.Second,
		SkipDelay:    5 * time.Second,
	}, zerolog.Nop())
	return &fixture{store: s, clock: clk, queue: q}
}

func (f *fixture) admit(t *testing.T, fingerprint string) signal.Signal {
	t.Helper()
	sig := signal.Signal{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Fingerprint:  fingerprint,
		ChannelID:    "vip",
		Source:       signal.SourceText,
		ParsedFields: signal.ParsedFields{Pair: "XAUUSD", Action: "buy", Intent: signal.IntentOpenTrade},
		Confidence:   0.9,
		Status:       signal.StatusPending,
		CreatedAt:    f.clock.Now(),
		UpdatedAt:    f.clock.Now(),
	}
	_, admitted, err := f.store.AdmitSignal(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, admitted)
	return sig
}

// leaseReady advances past any backoff and leases the next task.
func (f *fixture) leaseReady(t *testing.T) store.Task {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		task, ok, err := f.queue.LeaseNext(ctx, "w1")
		require.NoError(t, err)
		if ok {
			return task
		}
		f.clock.Advance(time.Second)
	}
	t.Fatal("no task became eligible")
	return store.Task{}
}

func TestEnqueue_AlreadyQueued(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	sig := f.admit(t, "fp-1")

	_, err := f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)

	_, err = f.queue.Enqueue(ctx, sig, 5)
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	assert.True(t, signal.IsCode(err, signal.CodeQueueContention))
}

func TestEnqueue_NotifiesWorkers(t *testing.T) {
	f := newFixture(t, 5)
	sig := f.admit(t, "fp-1")

	_, err := f.queue.Enqueue(context.Background(), sig, 5)
	require.NoError(t, err)

	select {
	case <-f.queue.Notifier().Wait():
	default:
		t.Fatal("enqueue should signal the notifier")
	}
}

func TestComplete_RetryThenSuccess(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	sig := f.admit(t, "fp-gold")

	_, err := f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		task := f.leaseReady(t)
		require.Equal(t, attempt, task.Attempt)

		res, err := f.queue.Complete(ctx, task, Outcome{
			Kind: store.OutcomeRetryable, Reason: signal.ReasonMT5Disconnection, WorkerID: "w1",
		})
		require.NoError(t, err)
		assert.Equal(t, signal.StatusQueued, res.Status)
		assert.False(t, res.Terminal)
		require.NotNil(t, res.Next)
		assert.Equal(t, attempt+1, res.Next.Attempt)
		assert.True(t, res.Next.ScheduledAt.After(f.clock.Now()), "backoff delays the retry")
	}

	task := f.leaseReady(t)
	assert.Equal(t, 4, task.Attempt)
	res, err := f.queue.Complete(ctx, task, Outcome{Kind: store.OutcomeSuccess, WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, res.Terminal)

	got, err := f.store.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusExecuted, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)

	_, err = f.store.TaskForSignal(ctx, sig.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	attempts, err := f.store.ListAttempts(ctx, sig.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 4)
}

func TestComplete_RetriesExhausted(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	sig := f.admit(t, "fp-1")

	_, err := f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)

	var res Result
	for attempt := 1; attempt <= 5; attempt++ {
		task := f.leaseReady(t)
		res, err = f.queue.Complete(ctx, task, Outcome{Kind: store.OutcomeRetryable, Reason: signal.ReasonExecutionFailure, Message: "requote"})
		require.NoError(t, err)

		got, err := f.store.GetSignal(ctx, sig.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, got.RetryCount, 5)
	}
	assert.Equal(t, signal.StatusFailed, res.Status)
	assert.Nil(t, res.Next)

	got, err := f.store.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, 5, got.RetryCount)
	assert.Equal(t, signal.ReasonRetriesExhausted, got.ReasonCode)
	assert.Contains(t, got.ErrorMessage, "execution_failure: requote")

	_, err = f.store.TaskForSignal(ctx, sig.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.queue.Enqueue(ctx, got, 5)
	assert.ErrorIs(t, err, signal.ErrInvalidTransition, "a failed signal never gets another task")
}

func TestComplete_FatalIsTerminal(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	sig := f.admit(t, "fp-1")
	_, err := f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)

	task := f.leaseReady(t)
	res, err := f.queue.Complete(ctx, task, Outcome{Kind: store.OutcomeFatal, Reason: signal.ReasonInvalidStops, Message: "SL above entry"})
	require.NoError(t, err)
	assert.True(t, res.Terminal)

	got, err := f.store.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "invalid_stops: SL above entry", got.ErrorMessage)
}

func TestComplete_SkipDoesNotConsumeAttempt(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	sig := f.admit(t, "fp-1")
	_, err := f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)

	task := f.leaseReady(t)
	res, err := f.queue.Complete(ctx, task, Outcome{Kind: store.OutcomeSkipped, Reason: signal.ReasonSpreadTooHigh})
	require.NoError(t, err)
	require.NotNil(t, res.Next)
	assert.Equal(t, 1, res.Next.Attempt)
	assert.True(t, f.clock.Now().Add(5*time.Second).Equal(res.Next.ScheduledAt))

	got, err := f.store.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestComplete_CancelledLease(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	sig := f.admit(t, "fp-1")
	_, err := f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)

	task := f.leaseReady(t)
	cancelled, err := f.queue.Cancel(ctx, sig.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, signal.StatusExecuting, cancelled.Status)

	res, err := f.queue.Complete(ctx, task, Outcome{Kind: store.OutcomeCancelled})
	require.NoError(t, err)
	assert.Equal(t, signal.StatusIgnored, res.Status)

	got, err := f.store.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.ReasonCancelled, got.ReasonCode)
	assert.Equal(t, 0, got.RetryCount)
}

func TestComplete_LeaseLost(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	sig := f.admit(t, "fp-1")
	_, err := f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)

	stale := f.leaseReady(t)
	f.clock.Advance(31 * time.Second)
	fresh, ok, err := f.queue.LeaseNext(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stale.ID, fresh.ID)
	assert.Equal(t, 1, fresh.Attempt)

	_, err = f.queue.Complete(ctx, stale, Outcome{Kind: store.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrLeaseLost)

	_, err = f.queue.Complete(ctx, fresh, Outcome{Kind: store.OutcomeSuccess})
	assert.NoError(t, err)
}

func TestComplete_UnknownOutcome(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.queue.Complete(context.Background(), store.Task{ID: 1}, Outcome{Kind: "weird"})
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c"} {
		_, err := f.queue.Enqueue(ctx, f.admit(t, fp), 5)
		require.NoError(t, err)
	}
	task := f.leaseReady(t)
	_, err := f.queue.Complete(ctx, task, Outcome{Kind: store.OutcomeSuccess})
	require.NoError(t, err)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Ready)
	assert.Equal(t, 1, stats.Attempts.Total)
	assert.Equal(t, 1.0, stats.Attempts.SuccessRate)
	assert.Equal(t, 1, stats.SignalCounts["executed"])
}

package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/queue"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type step struct {
	res   ExecResult
	err   error
	block bool
}

type fakeExecutor struct {
	mu          sync.Mutex
	steps       []step
	calls       map[string]int
	market      Market
	marketErr   error
	marketCalls int
	onMarket    func()
	onExecute   func()
}

func newFakeExecutor(steps ...step) *fakeExecutor {
	if len(steps) == 0 {
		steps = []step{{res: ExecResult{Outcome: store.OutcomeSuccess}}}
	}
	return &fakeExecutor{steps: steps, calls: map[string]int{}, market: Market{Spread: 1, Slippage: 1}}
}

func (f *fakeExecutor) Execute(ctx context.Context, sig signal.Signal) (ExecResult, error) {
	f.mu.Lock()
	s := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	f.calls[sig.ID]++
	hook := f.onExecute
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if s.block {
		<-ctx.Done()
		return ExecResult{}, ctx.Err()
	}
	return s.res, s.err
}

func (f *fakeExecutor) CheckMarket(ctx context.Context, pair string) (Market, error) {
	f.mu.Lock()
	f.marketCalls++
	hook := f.onMarket
	m, err := f.market, f.marketErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return m, err
}

func (f *fakeExecutor) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) RecordExecuted(_ context.Context, sig signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, sig.ID)
	return nil
}

func (r *recorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type fixture struct {
	store    *store.Store
	clock    *clock.Fake
	queue    *queue.Queue
	exec     *fakeExecutor
	recorder *recorder
	disp     *Dispatcher
}

func newFixture(t *testing.T, exec *fakeExecutor, cfg Config) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.EnsureChannel(context.Background(), signal.Channel{
		ID: "vip", Name: "vip", ConfidenceThreshold: 0.85, IsActive: true, CreatedAt: start,
	})
	require.NoError(t, err)

	clk := clock.NewFake(start)
	q := queue.New(s, clk, queue.Config{
		MaxAttempts:  5,
		Backoff:      queue.Backoff{Base: time.Second, Max: 30 * time.Second},
		LeaseTimeout: 30 * time.Second,
		SkipDelay:    5 * time.Second,
	}, zerolog.Nop())

	if cfg.ExecutorTimeout == 0 {
		cfg.ExecutorTimeout = time.Second
	}
	if cfg.MaxSpread == 0 {
		cfg.MaxSpread = 3
	}
	if cfg.MaxSlippage == 0 {
		cfg.MaxSlippage = 5
	}
	rec := &recorder{}
	return &fixture{
		store:    s,
		clock:    clk,
		queue:    q,
		exec:     exec,
		recorder: rec,
		disp:     New(q, s, exec, rec, cfg, zerolog.Nop()),
	}
}

func (f *fixture) enqueue(t *testing.T, fields signal.ParsedFields) signal.Signal {
	t.Helper()
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7()).String()
	sig := signal.Signal{
		ID:           id,
		Fingerprint:  "fp-" + id,
		ChannelID:    "vip",
		Source:       signal.SourceText,
		ParsedFields: fields,
		Confidence:   0.9,
		Status:       signal.StatusPending,
		CreatedAt:    f.clock.Now(),
		UpdatedAt:    f.clock.Now(),
	}
	_, admitted, err := f.store.AdmitSignal(ctx, sig)
	require.NoError(t, err)
	require.True(t, admitted)
	_, err = f.queue.Enqueue(ctx, sig, 5)
	require.NoError(t, err)
	return sig
}

func gold() signal.ParsedFields {
	return signal.ParsedFields{
		Pair:        "XAUUSD",
		Action:      "buy",
		Intent:      signal.IntentOpenTrade,
		Entry:       decimal.NewNullDecimal(decimal.RequireFromString("1985")),
		StopLoss:    decimal.NewNullDecimal(decimal.RequireFromString("1975")),
		TakeProfits: []decimal.Decimal{decimal.RequireFromString("1995")},
	}
}

// drain processes tasks, advancing the clock past backoffs, until the
// signal is terminal.
func (f *fixture) drain(t *testing.T, id string) signal.Signal {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		got, err := f.store.GetSignal(ctx, id)
		require.NoError(t, err)
		if got.Status.Terminal() {
			return got
		}
		processed, err := f.disp.ProcessNext(ctx, "w1")
		require.NoError(t, err)
		if !processed {
			f.clock.Advance(time.Second)
		}
	}
	t.Fatal("signal never reached a terminal state")
	return signal.Signal{}
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t, newFakeExecutor(), Config{})
	sig := f.enqueue(t, gold())

	got := f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusExecuted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, f.exec.callsFor(sig.ID))
	assert.Zero(t, f.exec.marketCalls, "first attempt skips the market check")
	assert.Equal(t, []string{sig.ID}, f.recorder.recorded())
}

func TestProcess_RetryThenSuccess(t *testing.T) {
	retry := step{err: signal.NewRetryableError(signal.ReasonMT5Disconnection, "terminal offline")}
	f := newFixture(t, newFakeExecutor(retry, retry, retry, step{res: ExecResult{Outcome: store.OutcomeSuccess}}), Config{})
	sig := f.enqueue(t, gold())

	got := f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusExecuted, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 4, f.exec.callsFor(sig.ID))
	assert.Equal(t, 3, f.exec.marketCalls)

	attempts, err := f.store.ListAttempts(context.Background(), sig.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	for i, a := range attempts[:3] {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, store.OutcomeRetryable, a.Outcome)
		assert.Equal(t, signal.ReasonMT5Disconnection, a.Reason)
		assert.Equal(t, "w1", a.WorkerID)
	}
	assert.Equal(t, store.OutcomeSuccess, attempts[3].Outcome)
	require.NotNil(t, attempts[3].Spread)
	assert.Equal(t, 1.0, *attempts[3].Spread)
	assert.Len(t, f.recorder.recorded(), 1)
}

func TestProcess_RetriesExhausted(t *testing.T) {
	f := newFixture(t, newFakeExecutor(step{res: ExecResult{Outcome: store.OutcomeRetryable, Reason: signal.ReasonPriceChanged}}), Config{})
	sig := f.enqueue(t, gold())

	got := f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, signal.ReasonRetriesExhausted, got.ReasonCode)
	assert.Equal(t, 5, got.RetryCount)
	assert.Equal(t, 5, f.exec.callsFor(sig.ID))

	_, err := f.store.TaskForSignal(context.Background(), sig.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{sig.ID}, f.recorder.recorded())
}

func TestProcess_FatalNeverRetried(t *testing.T) {
	f := newFixture(t, newFakeExecutor(step{err: signal.NewFatalError(signal.ReasonInvalidStops, "stop loss on wrong side")}), Config{})
	sig := f.enqueue(t, gold())

	got := f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, signal.ReasonInvalidStops, got.ReasonCode)
	assert.Equal(t, 1, f.exec.callsFor(sig.ID))
	assert.Len(t, f.recorder.recorded(), 1)
}

func TestProcess_MalformedFields(t *testing.T) {
	f := newFixture(t, newFakeExecutor(), Config{})
	sig := f.enqueue(t, signal.ParsedFields{Pair: "XAUUSD"})

	got := f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, signal.ReasonMalformedFields, got.ReasonCode)
	assert.Zero(t, f.exec.callsFor(sig.ID))
	assert.Empty(t, f.recorder.recorded())
}

func TestProcess_MarketSkipKeepsAttempt(t *testing.T) {
	f := newFixture(t, newFakeExecutor(), Config{CheckFirstAttempt: true})
	f.exec.market = Market{Spread: 9, Slippage: 1}
	sig := f.enqueue(t, gold())
	ctx := context.Background()

	processed, err := f.disp.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.store.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusQueued, got.Status)
	assert.Equal(t, signal.ReasonSpreadTooHigh, got.ReasonCode)
	assert.Zero(t, f.exec.callsFor(sig.ID))

	task, err := f.store.TaskForSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempt)

	f.exec.mu.Lock()
	f.exec.market = Market{Spread: 1, Slippage: 1}
	f.exec.mu.Unlock()

	got = f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusExecuted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestProcess_MarketCheckErrorSkips(t *testing.T) {
	f := newFixture(t, newFakeExecutor(), Config{CheckFirstAttempt: true})
	f.exec.marketErr = signal.NewRetryableError(signal.ReasonMarketClosed, "weekend")
	sig := f.enqueue(t, gold())

	processed, err := f.disp.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, processed)

	attempts, err := f.store.ListAttempts(context.Background(), sig.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.OutcomeSkipped, attempts[0].Outcome)
	assert.Equal(t, signal.ReasonMarketClosed, attempts[0].Reason)
}

func TestProcess_CancelledWhileLeased(t *testing.T) {
	f := newFixture(t, newFakeExecutor(), Config{CheckFirstAttempt: true})
	sig := f.enqueue(t, gold())
	f.exec.onMarket = func() {
		_, err := f.queue.Cancel(context.Background(), sig.ID)
		assert.NoError(t, err)
	}

	processed, err := f.disp.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.store.GetSignal(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusIgnored, got.Status)
	assert.Equal(t, signal.ReasonCancelled, got.ReasonCode)
	assert.Equal(t, 0, got.RetryCount)
	assert.Zero(t, f.exec.callsFor(sig.ID))
	assert.Empty(t, f.recorder.recorded())
}

func TestProcess_ExecutorTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, newFakeExecutor(step{block: true}, step{res: ExecResult{Outcome: store.OutcomeSuccess}}),
		Config{ExecutorTimeout: 50 * time.Millisecond})
	sig := f.enqueue(t, gold())

	processed, err := f.disp.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, processed)

	attempts, err := f.store.ListAttempts(context.Background(), sig.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.OutcomeRetryable, attempts[0].Outcome)
	assert.Equal(t, signal.ReasonExecutorTimeout, attempts[0].Reason)

	got := f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusExecuted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestProcess_ShutdownDuringExecuteSettles(t *testing.T) {
	exec := newFakeExecutor(step{res: ExecResult{Outcome: store.OutcomeSuccess, Details: map[string]any{"ticket": 7}}})
	f := newFixture(t, exec, Config{})
	sig := f.enqueue(t, gold())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.onExecute = cancel

	processed, err := f.disp.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.store.GetSignal(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusExecuted, got.Status)

	attempts, err := f.store.ListAttempts(context.Background(), sig.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.OutcomeSuccess, attempts[0].Outcome)
	assert.Equal(t, []string{sig.ID}, f.recorder.recorded())

	// Nothing is left for another worker once the lease would have expired.
	f.clock.Advance(31 * time.Second)
	processed, err = f.disp.ProcessNext(context.Background(), "w2")
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 1, exec.callsFor(sig.ID))
}

func TestProcess_ShutdownBeforeExecuteLeavesTask(t *testing.T) {
	exec := newFakeExecutor()
	f := newFixture(t, exec, Config{CheckFirstAttempt: true})
	sig := f.enqueue(t, gold())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.onMarket = cancel

	_, err := f.disp.ProcessNext(ctx, "w1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, exec.callsFor(sig.ID))

	f.clock.Advance(31 * time.Second)
	got := f.drain(t, sig.ID)
	assert.Equal(t, signal.StatusExecuted, got.Status)
	assert.Equal(t, 1, exec.callsFor(sig.ID))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	out := classify(ctx, ExecResult{Outcome: "partial"}, nil)
	assert.Equal(t, store.OutcomeRetryable, out.Kind)
	assert.Equal(t, signal.ReasonExecutionFailure, out.Reason)

	out = classify(ctx, ExecResult{Outcome: store.OutcomeFatal}, nil)
	assert.Equal(t, store.OutcomeFatal, out.Kind)
	assert.Equal(t, signal.ReasonExecutionFailure, out.Reason)

	out = classify(ctx, ExecResult{}, assert.AnError)
	assert.Equal(t, store.OutcomeRetryable, out.Kind)

	out = classify(ctx, ExecResult{Outcome: store.OutcomeSuccess, Details: map[string]any{"ticket": 42}}, nil)
	assert.Equal(t, store.OutcomeSuccess, out.Kind)
	assert.Equal(t, 42, out.Details["ticket"])
}

func TestRun_WorkersExecuteEachSignalOnce(t *testing.T) {
	f := newFixture(t, newFakeExecutor(), Config{Workers: 4, PollInterval: 10 * time.Millisecond, RateLimit: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.disp.Run(ctx) }()

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, f.enqueue(t, gold()).ID)
	}

	require.Eventually(t, func() bool {
		stats, err := f.queue.Stats(context.Background())
		return err == nil && stats.SignalCounts[string(signal.StatusExecuted)] == len(ids)
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	for _, id := range ids {
		assert.Equal(t, 1, f.exec.callsFor(id), id)
	}
	assert.Len(t, f.recorder.recorded(), len(ids))
}

// Package dispatch runs the execution workers.
//
// A worker leases a task, re-reads its signal, validates live market
// conditions on retries, calls the executor without holding any lock and
// reports the outcome back to the queue. Workers sleep on the queue's
// notifier with a polling fallback for tasks whose backoff has elapsed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sunil55999/AISignalPro-sub001/internal/queue"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

var tracer = otel.Tracer("signalcore.dispatch")

// SignalReader loads the signal behind a task.
type SignalReader interface {
	GetSignal(ctx context.Context, id string) (signal.Signal, error)
}

// OutcomeRecorder receives terminal execution outcomes.
type OutcomeRecorder interface {
	RecordExecuted(ctx context.Context, sig signal.Signal) error
}

// Config tunes the worker pool.
type Config struct {
	Workers         int
	ExecutorTimeout time.Duration
	PollInterval    time.Duration
	MaxSpread       float64
	MaxSlippage     float64

	// RateLimit caps executor calls per second across all workers. Zero
	// means unlimited.
	RateLimit float64

	// CheckFirstAttempt validates the market before the first attempt too.
	CheckFirstAttempt bool
}

// Dispatcher owns the worker pool.
type Dispatcher struct {
	queue    *queue.Queue
	signals  SignalReader
	executor Executor
	outcomes OutcomeRecorder
	cfg      Config
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// New creates a Dispatcher. outcomes may be nil.
func New(q *queue.Queue, signals SignalReader, exec Executor, outcomes OutcomeRecorder, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	d := &Dispatcher{
		queue:    q,
		signals:  signals,
		executor: exec,
		outcomes: outcomes,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d
}

// Run starts the workers and blocks until ctx is cancelled or a worker
// fails unrecoverably.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error { return d.work(gctx, workerID) })
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("dispatcher started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	log := d.logger.With().Str("worker", workerID).Logger()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := d.ProcessNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("dispatch failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.queue.Notifier().Wait():
		case <-ticker.C:
		}
	}
}

// ProcessNext leases and settles at most one task. Returns false when
// nothing was eligible.
func (d *Dispatcher) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	task, ok, err := d.queue.LeaseNext(ctx, workerID)
	if err != nil || !ok {
		return false, err
	}
	_, err = d.handle(ctx, workerID, task)
	return true, err
}

func (d *Dispatcher) handle(ctx context.Context, workerID string, task store.Task) (queue.Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.attempt",
		trace.WithAttributes(
			attribute.String("signal.id", task.SignalID),
			attribute.String("worker.id", workerID),
			attribute.Int("attempt", task.Attempt),
		),
	)
	defer span.End()

	log := d.logger.With().
		Str("worker", workerID).
		Str("signal_id", task.SignalID).
		Int("attempt", task.Attempt).
		Logger()

	sig, err := d.signals.GetSignal(ctx, task.SignalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return queue.Result{}, fmt.Errorf("load signal: %w", err)
	}

	out, executed, err := d.attempt(ctx, task, sig, log)
	if err != nil {
		// No verdict: the lease expires and the task is retried by
		// whichever worker reclaims it.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return queue.Result{}, err
	}
	out.WorkerID = workerID
	span.SetAttributes(attribute.String("outcome", string(out.Kind)), attribute.String("reason", out.Reason))

	// A verdict is recorded even when the worker is being stopped.
	ctx = context.WithoutCancel(ctx)
	res, err := d.queue.Complete(ctx, task, out)
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn().Msg("lease lost before completion; outcome dropped")
		span.SetStatus(codes.Error, "lease lost")
		return queue.Result{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return queue.Result{}, err
	}

	if executed && res.Terminal && d.outcomes != nil {
		if err := d.outcomes.RecordExecuted(ctx, sig); err != nil {
			log.Warn().Err(err).Msg("record trust outcome failed")
		}
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// attempt decides the outcome for one lease. executed reports whether the
// executor was actually called.
func (d *Dispatcher) attempt(ctx context.Context, task store.Task, sig signal.Signal, log zerolog.Logger) (out queue.Outcome, executed bool, err error) {
	if sig.Cancelled {
		return queue.Outcome{Kind: store.OutcomeCancelled, Reason: signal.ReasonCancelled}, false, nil
	}
	if !sig.Complete() {
		return queue.Outcome{
			Kind:    store.OutcomeFatal,
			Reason:  signal.ReasonMalformedFields,
			Message: "pair and action are required",
		}, false, nil
	}

	var market *Market
	if task.Attempt > 1 || d.cfg.CheckFirstAttempt {
		m, skip := d.checkMarket(ctx, sig.Pair)
		if skip != nil {
			log.Info().Str("reason", skip.Reason).Msg("market check failed; attempt skipped")
			return *skip, false, nil
		}
		market = &m
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return queue.Outcome{}, false, fmt.Errorf("rate limit: %w", err)
		}
	}

	// Market checks and rate limiting can eat into the lease.
	if market != nil || d.limiter != nil {
		if err := d.queue.Extend(ctx, task); err != nil {
			return queue.Outcome{}, false, fmt.Errorf("extend lease: %w", err)
		}
	}

	// Cancellation may have landed while this worker held the lease.
	fresh, err := d.signals.GetSignal(ctx, sig.ID)
	if err != nil {
		return queue.Outcome{}, false, fmt.Errorf("reload signal: %w", err)
	}
	if fresh.Cancelled {
		return queue.Outcome{Kind: store.OutcomeCancelled, Reason: signal.ReasonCancelled}, false, nil
	}

	// Once the executor is called the outcome must be settled, so shutdown
	// does not cut the call short; only the executor timeout bounds it.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ExecutorTimeout)
	defer cancel()
	res, err := d.executor.Execute(execCtx, fresh)
	out = classify(execCtx, res, err)
	if market != nil {
		out.Spread = &market.Spread
		out.Slippage = &market.Slippage
	}
	return out, true, nil
}

// checkMarket returns a skip outcome when conditions are unacceptable or
// cannot be determined.
func (d *Dispatcher) checkMarket(ctx context.Context, pair string) (Market, *queue.Outcome) {
	checkCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecutorTimeout)
	defer cancel()

	m, err := d.executor.CheckMarket(checkCtx, pair)
	if err != nil {
		reason := signal.ReasonOf(err)
		if reason == "" {
			reason = signal.ReasonMarketClosed
		}
		return Market{}, &queue.Outcome{Kind: store.OutcomeSkipped, Reason: reason, Message: err.Error()}
	}

	switch {
	case d.cfg.MaxSpread > 0 && m.Spread > d.cfg.MaxSpread:
		return m, &queue.Outcome{
			Kind:     store.OutcomeSkipped,
			Reason:   signal.ReasonSpreadTooHigh,
			Message:  fmt.Sprintf("spread %.2f above %.2f", m.Spread, d.cfg.MaxSpread),
			Spread:   &m.Spread,
			Slippage: &m.Slippage,
		}
	case d.cfg.MaxSlippage > 0 && m.Slippage > d.cfg.MaxSlippage:
		return m, &queue.Outcome{
			Kind:     store.OutcomeSkipped,
			Reason:   signal.ReasonSlippageExceeded,
			Message:  fmt.Sprintf("slippage %.2f above %.2f", m.Slippage, d.cfg.MaxSlippage),
			Spread:   &m.Spread,
			Slippage: &m.Slippage,
		}
	}
	return m, nil
}

func classify(execCtx context.Context, res ExecResult, err error) queue.Outcome {
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return queue.Outcome{Kind: store.OutcomeRetryable, Reason: signal.ReasonExecutorTimeout, Message: "executor call timed out"}
		}
		reason := signal.ReasonOf(err)
		if reason == "" {
			reason = signal.ReasonExecutionFailure
		}
		if signal.IsCode(err, signal.CodeFatalExecution) {
			return queue.Outcome{Kind: store.OutcomeFatal, Reason: reason, Message: err.Error()}
		}
		return queue.Outcome{Kind: store.OutcomeRetryable, Reason: reason, Message: err.Error()}
	}

	switch res.Outcome {
	case store.OutcomeSuccess, store.OutcomeRetryable, store.OutcomeFatal:
		out := queue.Outcome{Kind: res.Outcome, Reason: res.Reason, Message: res.Message, Details: res.Details}
		if out.Kind != store.OutcomeSuccess && out.Reason == "" {
			out.Reason = signal.ReasonExecutionFailure
		}
		return out
	default:
		return queue.Outcome{
			Kind:    store.OutcomeRetryable,
			Reason:  signal.ReasonExecutionFailure,
			Message: fmt.Sprintf("unrecognized executor outcome %q", res.Outcome),
			Details: res.Details,
		}
	}
}

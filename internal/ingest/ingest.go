// Package ingest is the inbound path for raw signals.
//
// Submit runs parse → fingerprint → dedup → gate → enqueue and reports the
// outcome synchronously. Dedup and confidence decisions are returned to
// the caller; execution happens later and never surfaces here.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sunil55999/AISignalPro-sub001/internal/bridge"
	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/dedup"
	"github.com/sunil55999/AISignalPro-sub001/internal/gate"
	"github.com/sunil55999/AISignalPro-sub001/internal/metrics"
	"github.com/sunil55999/AISignalPro-sub001/internal/queue"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

var tracer = otel.Tracer("signalcore.ingest")

// ErrInvalidRequest is returned for a submission missing required fields.
var ErrInvalidRequest = errors.New("ingest: invalid request")

// Parser extracts fields from raw text.
type Parser interface {
	Parse(ctx context.Context, rawText string, source signal.Source) (bridge.ParseResult, error)
}

// Store is the durable state ingest touches directly.
type Store interface {
	EnsureChannel(ctx context.Context, ch signal.Channel) (signal.Channel, error)
	GetChannel(ctx context.Context, id string) (signal.Channel, error)
	MarkIgnored(ctx context.Context, id, reason, message string, now time.Time) error
	ListPendingSignals(ctx context.Context, cutoff time.Time) ([]signal.Signal, error)
}

// Admitter is the deduplicating admission step.
type Admitter interface {
	CheckAndAdmit(ctx context.Context, sig signal.Signal) (dedup.Result, error)
}

// SignalRecorder counts admitted signals toward channel trust.
type SignalRecorder interface {
	RecordSignal(ctx context.Context, sig signal.Signal) error
}

// Request is one raw submission.
type Request struct {
	RawText           string
	Source            signal.Source
	ChannelID         string
	ExternalMessageID string
}

// Outcome classifies a submission.
type Outcome string

const (
	OutcomeAdmitted    Outcome = "admitted"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnparseable Outcome = "unparseable"
)

// Result is returned by Submit.
type Result struct {
	Outcome  Outcome
	SignalID string
	// DuplicateOf is the original signal for a duplicate.
	DuplicateOf string
	// Reason is set for rejected and unparseable submissions.
	Reason string
	Err    *signal.CoreError
}

// Deps wires a Service.
type Deps struct {
	Store         Store
	Parser        Parser
	Fingerprinter *signal.Fingerprinter
	Dedup         Admitter
	Gate          *gate.Gate
	Queue         *queue.Queue
	Trust         SignalRecorder
	Clock         clock.Clock
	Logger        zerolog.Logger

	// DefaultThreshold is assigned to channels seen for the first time.
	DefaultThreshold float64
	// Priority maps an intent to its queue priority.
	Priority func(signal.Intent) int
}

// Service runs the ingestion pipeline.
type Service struct {
	Deps
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Wall{}
	}
	if d.Priority == nil {
		d.Priority = func(signal.Intent) int { return 5 }
	}
	return &Service{Deps: d}
}

// Submit ingests one raw signal.
func (s *Service) Submit(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "ingest.submit",
		trace.WithAttributes(
			attribute.String("channel.id", req.ChannelID),
			attribute.String("source", string(req.Source)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.String("signal.id", res.SignalID))
			metrics.SubmissionsTotal.WithLabelValues(string(res.Outcome)).Inc()
		}
		span.End()
	}()

	if err := validate(&req); err != nil {
		return Result{}, err
	}

	now := s.Clock.Now()
	ch, err := s.Store.EnsureChannel(ctx, signal.Channel{
		ID:                  req.ChannelID,
		Name:                req.ChannelID,
		ConfidenceThreshold: s.DefaultThreshold,
		IsActive:            true,
		CreatedAt:           now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("submit: %w", err)
	}

	sig := signal.Signal{
		ID:                uuid.Must(uuid.NewV7()).String(),
		ChannelID:         ch.ID,
		ExternalMessageID: req.ExternalMessageID,
		RawText:           req.RawText,
		Source:            req.Source,
		Status:            signal.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	log := s.Logger.With().Str("channel_id", ch.ID).Str("signal_id", sig.ID).Logger()

	parsed, perr := s.Parser.Parse(ctx, req.RawText, req.Source)
	if perr != nil {
		return s.admitUnparseable(ctx, sig, perr, log)
	}

	fields := parsed.Fields
	fields.Pair = s.Fingerprinter.NormalizePair(fields.Pair)
	fields.Action = s.Fingerprinter.NormalizeAction(fields.Action)
	if fields.Intent == "" {
		fields.Intent = signal.IntentUnknown
	}
	sig.ParsedFields = fields
	sig.Confidence = parsed.Confidence
	sig.Fingerprint = s.Fingerprinter.Fingerprint(ch.ID, fields)

	admission, err := s.Dedup.CheckAndAdmit(ctx, sig)
	if err != nil {
		return Result{}, fmt.Errorf("submit: %w", err)
	}
	if !admission.Admitted {
		log.Info().Str("fingerprint", sig.Fingerprint).Str("duplicate_of", admission.DuplicateOf()).Msg("duplicate signal")
		return Result{Outcome: OutcomeDuplicate, SignalID: admission.SignalID, DuplicateOf: admission.DuplicateOf()}, nil
	}

	if s.Trust != nil {
		if err := s.Trust.RecordSignal(ctx, sig); err != nil {
			log.Warn().Err(err).Msg("record trust signal failed")
		}
	}

	return s.route(ctx, sig, ch, log)
}

// route gates an admitted pending signal and enqueues it or marks it
// ignored.
func (s *Service) route(ctx context.Context, sig signal.Signal, ch signal.Channel, log zerolog.Logger) (Result, error) {
	decision := s.Gate.Admit(sig, ch)
	if !decision.Pass {
		if err := s.Store.MarkIgnored(ctx, sig.ID, decision.Reason, decision.Err.Message, s.Clock.Now()); err != nil {
			return Result{}, fmt.Errorf("submit: %w", err)
		}
		log.Info().
			Str("reason", decision.Reason).
			Float64("confidence", sig.Confidence).
			Float64("threshold", decision.Threshold).
			Msg("signal rejected")
		return Result{Outcome: OutcomeRejected, SignalID: sig.ID, Reason: decision.Reason, Err: decision.Err}, nil
	}

	priority := s.Priority(sig.Intent)
	if _, err := s.Queue.Enqueue(ctx, sig, priority); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		return Result{}, fmt.Errorf("submit: %w", err)
	}
	log.Info().
		Str("fingerprint", sig.Fingerprint).
		Str("pair", sig.Pair).
		Str("intent", string(sig.Intent)).
		Int("priority", priority).
		Msg("signal admitted")
	return Result{Outcome: OutcomeAdmitted, SignalID: sig.ID}, nil
}

func (s *Service) admitUnparseable(ctx context.Context, sig signal.Signal, perr error, log zerolog.Logger) (Result, error) {
	sig.Fingerprint = s.Fingerprinter.RawFingerprint(sig.ChannelID, sig.RawText)
	sig.Intent = signal.IntentUnknown
	sig.Status = signal.StatusIgnored
	sig.ReasonCode = signal.ReasonUnparseable
	sig.ErrorMessage = perr.Error()

	admission, err := s.Dedup.CheckAndAdmit(ctx, sig)
	if err != nil {
		return Result{}, fmt.Errorf("submit: %w", err)
	}
	if !admission.Admitted {
		return Result{Outcome: OutcomeDuplicate, SignalID: admission.SignalID, DuplicateOf: admission.DuplicateOf()}, nil
	}
	log.Warn().Err(perr).Msg("signal unparseable")
	return Result{Outcome: OutcomeUnparseable, SignalID: sig.ID, Reason: signal.ReasonUnparseable}, nil
}

// Recover routes signals left pending by an interrupted Submit. Run it
// before accepting new submissions.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.Store.ListPendingSignals(ctx, s.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	for _, sig := range pending {
		ch, err := s.Store.GetChannel(ctx, sig.ChannelID)
		if err != nil {
			return 0, fmt.Errorf("recover %s: %w", sig.ID, err)
		}
		log := s.Logger.With().Str("channel_id", ch.ID).Str("signal_id", sig.ID).Logger()
		if s.Trust != nil {
			if err := s.Trust.RecordSignal(ctx, sig); err != nil {
				log.Warn().Err(err).Msg("record trust signal failed")
			}
		}
		if _, err := s.route(ctx, sig, ch, log); err != nil {
			return 0, fmt.Errorf("recover %s: %w", sig.ID, err)
		}
	}
	if len(pending) > 0 {
		s.Logger.Info().Int("signals", len(pending)).Msg("recovered pending signals")
	}
	return len(pending), nil
}

func validate(req *Request) error {
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.ExternalMessageID = strings.TrimSpace(req.ExternalMessageID)
	if req.Source == "" {
		req.Source = signal.SourceText
	}
	switch {
	case strings.TrimSpace(req.RawText) == "":
		return fmt.Errorf("%w: raw text is empty", ErrInvalidRequest)
	case req.ChannelID == "":
		return fmt.Errorf("%w: channel id is empty", ErrInvalidRequest)
	case !req.Source.Valid():
		return fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, req.Source)
	}
	return nil
}

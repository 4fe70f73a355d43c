// Package deploy distributes parser artifacts to terminal agents.
//
// A deployment moves uploaded → broadcasting → deployed|failed. The roster
// is frozen when broadcasting starts; only roster acknowledgements count
// toward quorum. Completion is a compare-and-swap in the store, so the
// quorum path and the deadline timer can race without a deployment ever
// ending both deployed and failed.
package deploy

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/metrics"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// ErrInvalidState is returned when a deployment is not in the state an
// operation requires.
var ErrInvalidState = store.ErrDeploymentState

// Notice is pushed to agents when a deployment is broadcast.
type Notice struct {
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id"`
	FileHash     string `json:"file_hash"`
	DownloadURL  string `json:"download_url"`
	Version      string `json:"version"`
}

// Pusher reaches connected terminals.
type Pusher interface {
	Connected() []string
	Push(terminalID string, n Notice) error
}

// DeploymentStore is the durable deployment state.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d store.Deployment) error
	StartBroadcast(ctx context.Context, id string, roster []string, at, deadline time.Time) error
	RecordAck(ctx context.Context, id, terminalID string, at time.Time) (store.AckResult, error)
	FinishDeployment(ctx context.Context, id string, status store.DeploymentStatus, message string, at time.Time) (bool, error)
	GetDeployment(ctx context.Context, id string) (store.Deployment, error)
	ListDeployments(ctx context.Context, status store.DeploymentStatus) ([]store.Deployment, error)
}

// Config controls quorum and timing.
type Config struct {
	// Quorum is the fraction of the roster that must acknowledge, in (0, 1].
	Quorum          float64
	Timeout         time.Duration
	DownloadBaseURL string
}

// Broadcaster runs the deployment state machine.
type Broadcaster struct {
	store     DeploymentStore
	artifacts *Artifacts
	pusher    Pusher
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	timers map[string]clock.Timer
}

// New creates a Broadcaster. Call Resume once at startup.
func New(ds DeploymentStore, artifacts *Artifacts, pusher Pusher, clk clock.Clock, cfg Config, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		store:     ds,
		artifacts: artifacts,
		pusher:    pusher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		timers:    make(map[string]clock.Timer),
	}
}

// Required is the number of roster acknowledgements needed for total
// terminals.
func Required(quorum float64, total int) int {
	if total == 0 {
		return 0
	}
	n := int(math.Ceil(quorum*float64(total) - 1e-9))
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	return n
}

// Upload stores an artifact and records an uploaded deployment for it.
func (b *Broadcaster) Upload(ctx context.Context, r io.Reader, version string) (store.Deployment, error) {
	hash, size, err := b.artifacts.Save(r)
	if err != nil {
		return store.Deployment{}, err
	}
	d := store.Deployment{
		ID:          uuid.Must(uuid.NewV7()).String(),
		FileHash:    hash,
		Version:     version,
		DownloadURL: strings.TrimRight(b.cfg.DownloadBaseURL, "/") + "/v1/artifacts/" + hash,
		Status:      store.DeploymentUploaded,
		Quorum:      b.cfg.Quorum,
		CreatedAt:   b.clock.Now(),
	}
	if err := b.store.CreateDeployment(ctx, d); err != nil {
		return store.Deployment{}, err
	}
	b.logger.Info().
		Str("deployment_id", d.ID).
		Str("file_hash", hash).
		Int64("bytes", size).
		Str("version", version).
		Msg("artifact uploaded")
	return d, nil
}

// Publish uploads and immediately broadcasts.
func (b *Broadcaster) Publish(ctx context.Context, r io.Reader, version string) (store.Deployment, error) {
	d, err := b.Upload(ctx, r, version)
	if err != nil {
		return store.Deployment{}, err
	}
	return b.Broadcast(ctx, d.ID)
}

// Broadcast freezes the roster to the currently connected terminals, arms
// the deadline and pushes the notice to every roster member.
func (b *Broadcaster) Broadcast(ctx context.Context, id string) (store.Deployment, error) {
	d, err := b.store.GetDeployment(ctx, id)
	if err != nil {
		return store.Deployment{}, err
	}

	roster := b.pusher.Connected()
	sort.Strings(roster)
	now := b.clock.Now()
	deadline := now.Add(b.cfg.Timeout)
	if err := b.store.StartBroadcast(ctx, id, roster, now, deadline); err != nil {
		return store.Deployment{}, err
	}

	log := b.logger.With().Str("deployment_id", id).Logger()
	log.Info().Int("terminals", len(roster)).Time("deadline", deadline).Msg("broadcast started")

	if len(roster) == 0 {
		b.finish(ctx, id, store.DeploymentDeployed, "")
		return b.store.GetDeployment(ctx, id)
	}

	b.arm(id, b.cfg.Timeout)
	notice := noticeFor(d)
	for _, terminal := range roster {
		if err := b.pusher.Push(terminal, notice); err != nil {
			log.Warn().Err(err).Str("terminal_id", terminal).Msg("push failed")
		}
	}
	return b.store.GetDeployment(ctx, id)
}

// Ack records terminalID's acknowledgement and completes the deployment
// when the quorum it was broadcast with is reached before its deadline.
// Repeated acks are no-ops.
func (b *Broadcaster) Ack(ctx context.Context, id, terminalID string) (store.AckResult, error) {
	now := b.clock.Now()
	res, err := b.store.RecordAck(ctx, id, terminalID, now)
	if err != nil {
		return store.AckResult{}, err
	}
	if res.New {
		metrics.DeploymentAcksTotal.Inc()
	}
	b.logger.Debug().
		Str("deployment_id", id).
		Str("terminal_id", terminalID).
		Bool("in_roster", res.InRoster).
		Int("acked", res.Acked).
		Int("total", res.Total).
		Msg("deployment ack")

	if res.Status != store.DeploymentBroadcasting {
		return res, nil
	}
	switch {
	case now.After(res.DeadlineAt):
		// The deadline timer has not run yet.
		if b.expire(id) {
			res.Status = store.DeploymentFailed
		}
	case res.Acked >= Required(res.Quorum, res.Total):
		if b.finish(ctx, id, store.DeploymentDeployed, "") {
			res.Status = store.DeploymentDeployed
		}
	}
	return res, nil
}

// Rebroadcast starts a fresh deployment of a failed deployment's artifact.
func (b *Broadcaster) Rebroadcast(ctx context.Context, id string) (store.Deployment, error) {
	old, err := b.store.GetDeployment(ctx, id)
	if err != nil {
		return store.Deployment{}, err
	}
	if old.Status != store.DeploymentFailed {
		return store.Deployment{}, fmt.Errorf("rebroadcast %s: status %s: %w", id, old.Status, ErrInvalidState)
	}

	d := store.Deployment{
		ID:          uuid.Must(uuid.NewV7()).String(),
		FileHash:    old.FileHash,
		Version:     old.Version,
		DownloadURL: old.DownloadURL,
		Quorum:      b.cfg.Quorum,
		CreatedAt:   b.clock.Now(),
	}
	if err := b.store.CreateDeployment(ctx, d); err != nil {
		return store.Deployment{}, err
	}
	b.logger.Info().Str("deployment_id", d.ID).Str("previous", id).Msg("rebroadcast")
	return b.Broadcast(ctx, d.ID)
}

// Resume re-arms deadlines for deployments left broadcasting by a previous
// process. Deployments whose quorum was reached are completed; those past
// their deadline fail at once.
func (b *Broadcaster) Resume(ctx context.Context) error {
	active, err := b.store.ListDeployments(ctx, store.DeploymentBroadcasting)
	if err != nil {
		return fmt.Errorf("resume deployments: %w", err)
	}
	now := b.clock.Now()
	for _, summary := range active {
		d, err := b.store.GetDeployment(ctx, summary.ID)
		if err != nil {
			return fmt.Errorf("resume deployments: %w", err)
		}
		switch {
		case len(d.Acked) >= Required(d.Quorum, d.TotalTerminals):
			b.finish(ctx, d.ID, store.DeploymentDeployed, "")
		case !d.DeadlineAt.After(now):
			b.expire(d.ID)
		default:
			b.arm(d.ID, d.DeadlineAt.Sub(now))
			b.logger.Info().Str("deployment_id", d.ID).Time("deadline", d.DeadlineAt).Msg("deployment resumed")
		}
	}
	return nil
}

// TerminalConnected pushes every active deployment to a terminal that just
// connected. Terminals outside the roster may install the artifact but are
// never counted toward quorum.
func (b *Broadcaster) TerminalConnected(ctx context.Context, terminalID string) {
	active, err := b.store.ListDeployments(ctx, store.DeploymentBroadcasting)
	if err != nil {
		b.logger.Warn().Err(err).Str("terminal_id", terminalID).Msg("list active deployments")
		return
	}
	for _, d := range active {
		if err := b.pusher.Push(terminalID, noticeFor(d)); err != nil {
			b.logger.Warn().Err(err).Str("terminal_id", terminalID).Str("deployment_id", d.ID).Msg("late push failed")
		}
	}
}

// Get returns a deployment with its roster and acknowledgements.
func (b *Broadcaster) Get(ctx context.Context, id string) (store.Deployment, error) {
	return b.store.GetDeployment(ctx, id)
}

// Close stops all deadline timers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}

func (b *Broadcaster) arm(id string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.timers[id]; ok {
		old.Stop()
	}
	b.timers[id] = b.clock.AfterFunc(d, func() { b.expire(id) })
}

func (b *Broadcaster) disarm(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
}

// expire fails a deployment still broadcasting and reports whether this
// call did so.
func (b *Broadcaster) expire(id string) bool {
	ctx := context.Background()
	d, err := b.store.GetDeployment(ctx, id)
	if err != nil {
		b.logger.Error().Err(err).Str("deployment_id", id).Msg("deadline check failed")
		return false
	}
	if d.Status != store.DeploymentBroadcasting {
		b.disarm(id)
		return false
	}
	timeout := &signal.CoreError{
		Code: signal.CodeDeploymentTimeout,
		Message: fmt.Sprintf("%d of %d terminals acknowledged, %d required",
			len(d.Acked), d.TotalTerminals, Required(d.Quorum, d.TotalTerminals)),
	}
	if !b.finish(ctx, id, store.DeploymentFailed, timeout.Error()) {
		return false
	}
	b.logger.Error().
		Str("deployment_id", id).
		Str("file_hash", d.FileHash).
		Str("version", d.Version).
		Msg("deployment timed out; artifact kept for rebroadcast")
	return true
}

// finish reports whether this call performed the transition.
func (b *Broadcaster) finish(ctx context.Context, id string, status store.DeploymentStatus, msg string) bool {
	b.disarm(id)
	ok, err := b.store.FinishDeployment(ctx, id, status, msg, b.clock.Now())
	if err != nil {
		b.logger.Error().Err(err).Str("deployment_id", id).Msg("finish deployment failed")
		return false
	}
	if ok {
		metrics.DeploymentsTotal.WithLabelValues(string(status)).Inc()
		b.logger.Info().Str("deployment_id", id).Str("status", string(status)).Msg("deployment finished")
	}
	return ok
}

func noticeFor(d store.Deployment) Notice {
	return Notice{
		Type:         "deployment",
		DeploymentID: d.ID,
		FileHash:     d.FileHash,
		DownloadURL:  d.DownloadURL,
		Version:      d.Version,
	}
}

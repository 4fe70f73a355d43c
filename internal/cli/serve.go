package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sunil55999/AISignalPro-sub001/internal/api"
	"github.com/sunil55999/AISignalPro-sub001/internal/bridge"
	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/config"
	"github.com/sunil55999/AISignalPro-sub001/internal/dedup"
	"github.com/sunil55999/AISignalPro-sub001/internal/deploy"
	"github.com/sunil55999/AISignalPro-sub001/internal/dispatch"
	"github.com/sunil55999/AISignalPro-sub001/internal/gate"
	"github.com/sunil55999/AISignalPro-sub001/internal/ingest"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
	"github.com/sunil55999/AISignalPro-sub001/internal/telemetry"
	"github.com/sunil55999/AISignalPro-sub001/internal/trust"
	"github.com/sunil55999/AISignalPro-sub001/internal/util"
)

const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatcher and deployment hub",
		Long: `Run the signal core.

Starts the HTTP API, the execution workers, the trust rollup loop and the
agent websocket hub. Signals left between admission and enqueue by a
previous crash are requeued before the listener opens. SIGINT or SIGTERM
drains in-flight requests and stops the workers.

Examples:
  signalcore serve
  signalcore serve --config signalcore.yaml --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides app.http_addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.App.HTTPAddr = opts.Addr
	}
	level := cfg.App.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	logger := util.NewLoggerFor(os.Stderr, level).With().Str("service", cfg.App.Name).Logger()
	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.App.Name,
		Environment:  cfg.App.Env,
		Exporter:     cfg.App.TraceExporter,
		OTLPEndpoint: cfg.App.OTLPEndpoint,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start tracing", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("trace flush failed")
		}
	}()

	st, err := store.Open(cfg.App.DatabasePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	hot, err := dedup.OpenHotIndex(cfg.App.HotIndexPath, cfg.Dedup.Window, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open hot index", err)
	}
	defer hot.Close()

	arts, err := deploy.NewArtifacts(cfg.App.ArtifactDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open artifact dir", err)
	}

	c, err := assemble(cfg, st, hot, arts, logger)
	if err != nil {
		return err
	}
	defer c.broadcaster.Close()

	if err := c.broadcaster.Resume(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to resume deployments", err)
	}
	requeued, err := c.ingest.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to recover pending signals", err)
	}
	if requeued > 0 {
		logger.Info().Int("requeued", requeued).Msg("recovered pending signals")
	}

	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(c.hub.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.dispatcher.Run(gctx) })
	g.Go(func() error { return c.scorer.Run(gctx, cfg.Trust.RollupInterval) })
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// core is the wired service graph behind serve.
type core struct {
	ingest      *ingest.Service
	dispatcher  *dispatch.Dispatcher
	scorer      *trust.Scorer
	broadcaster *deploy.Broadcaster
	hub         *deploy.Hub
	router      http.Handler
}

func assemble(cfg *config.Config, st *store.Store, hot *dedup.HotIndex, arts *deploy.Artifacts, logger zerolog.Logger) (*core, error) {
	clk := clock.Wall{}
	q := newQueue(st, clk, cfg, logger.With().Str("component", "queue").Logger())
	scorer, err := newScorer(st, clk, cfg, logger.With().Str("component", "trust").Logger())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid trust config", err)
	}

	svc := ingest.New(ingest.Deps{
		Store:            st,
		Parser:           bridge.NewParserClient(cfg.Parser.BaseURL, cfg.Parser.Timeout),
		Fingerprinter:    signal.NewFingerprinter(cfg.Dedup.FingerprintOptions()),
		Dedup:            dedup.New(st, hot, logger),
		Gate:             gate.New(cfg.Gate.UserMinConfidence),
		Queue:            q,
		Trust:            scorer,
		Clock:            clk,
		Logger:           logger.With().Str("component", "ingest").Logger(),
		DefaultThreshold: cfg.Gate.DefaultChannelThreshold,
		Priority:         cfg.Queue.Priority,
	})

	dispatcher := dispatch.New(q, st, bridge.NewExecutorClient(cfg.Executor.BaseURL), scorer, dispatch.Config{
		Workers:           cfg.Dispatch.Workers,
		ExecutorTimeout:   cfg.Dispatch.ExecutorTimeout,
		PollInterval:      cfg.Queue.PollInterval,
		MaxSpread:         cfg.Dispatch.MaxSpread,
		MaxSlippage:       cfg.Dispatch.MaxSlippage,
		RateLimit:         cfg.Dispatch.RateLimit,
		CheckFirstAttempt: cfg.Dispatch.CheckFirstAttempt,
	}, logger.With().Str("component", "dispatch").Logger())

	hub := deploy.NewHub(logger.With().Str("component", "hub").Logger())
	b := deploy.New(st, arts, hub, clk, deploy.Config{
		Quorum:          cfg.Deploy.Quorum,
		Timeout:         cfg.Deploy.Timeout,
		DownloadBaseURL: cfg.Deploy.DownloadBaseURL,
	}, logger.With().Str("component", "deploy").Logger())
	hub.SetHandlers(deploy.Handlers{
		OnConnect: b.TerminalConnected,
		OnAck: func(ctx context.Context, deploymentID, terminalID string) error {
			_, err := b.Ack(ctx, deploymentID, terminalID)
			return err
		},
	})

	router := api.New(api.Deps{
		Store:            st,
		Ingest:           svc,
		Queue:            q,
		Trust:            scorer,
		Deploy:           b,
		Artifacts:        arts,
		Hub:              hub,
		Clock:            clk,
		Logger:           logger.With().Str("component", "api").Logger(),
		DefaultThreshold: cfg.Gate.DefaultChannelThreshold,
	}).Router()

	return &core{
		ingest:      svc,
		dispatcher:  dispatcher,
		scorer:      scorer,
		broadcaster: b,
		hub:         hub,
		router:      router,
	}, nil
}

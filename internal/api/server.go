// Package api exposes the signal core over HTTP.
//
// Routes are grouped under /v1. Handlers translate requests into calls on
// the ingest service, queue, trust scorer and deployment broadcaster, and
// map their sentinel errors onto status codes in one place (statusFor).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/deploy"
	"github.com/sunil55999/AISignalPro-sub001/internal/ingest"
	"github.com/sunil55999/AISignalPro-sub001/internal/metrics"
	"github.com/sunil55999/AISignalPro-sub001/internal/queue"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
	"github.com/sunil55999/AISignalPro-sub001/internal/trust"
)

// Store is the read and settings surface the API needs.
type Store interface {
	GetSignal(ctx context.Context, id string) (signal.Signal, error)
	ListSignals(ctx context.Context, f store.SignalFilter) (store.SignalPage, error)
	ListAttempts(ctx context.Context, signalID string) ([]store.Attempt, error)
	GetChannel(ctx context.Context, id string) (signal.Channel, error)
	UpsertChannel(ctx context.Context, ch signal.Channel) error
	Ping(ctx context.Context) error
}

// Deps wires a Server. Hub may be nil when agents are served elsewhere.
type Deps struct {
	Store     Store
	Ingest    *ingest.Service
	Queue     *queue.Queue
	Trust     *trust.Scorer
	Deploy    *deploy.Broadcaster
	Artifacts *deploy.Artifacts
	Hub       http.Handler
	Clock     clock.Clock
	Logger    zerolog.Logger

	// DefaultThreshold is used when a channel is created without one.
	DefaultThreshold float64
	// MaxUploadBytes caps artifact uploads. Zero means 64 MiB.
	MaxUploadBytes int64
}

// Server holds the route handlers.
type Server struct {
	Deps
}

// New creates a Server.
func New(d Deps) *Server {
	registerValidators()
	if d.Clock == nil {
		d.Clock = clock.Wall{}
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 64 << 20
	}
	return &Server{Deps: d}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("signalcore"), s.requestLogger())
	r.MaxMultipartMemory = 8 << 20

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1")
	{
		signals := v1.Group("/signals")
		{
			signals.POST("", s.submitSignal)
			signals.GET("", s.listSignals)
			signals.GET("/:id", s.getSignal)
			signals.GET("/:id/attempts", s.listAttempts)
			signals.POST("/:id/cancel", s.cancelSignal)
			signals.POST("/:id/close", s.closeSignal)
		}

		v1.PUT("/channels/:id", s.putChannel)
		v1.GET("/channels/:id/trust", s.getTrust)
		v1.GET("/queue/stats", s.queueStats)

		deployments := v1.Group("/deployments")
		{
			deployments.POST("", s.createDeployment)
			deployments.GET("/:id", s.getDeployment)
			deployments.POST("/:id/ack", s.ackDeployment)
			deployments.POST("/:id/rebroadcast", s.rebroadcast)
		}
		v1.GET("/artifacts/:hash", s.getArtifact)

		if s.Hub != nil {
			v1.GET("/agents/ws", gin.WrapH(s.Hub))
		}
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	if err := s.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := s.Logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.Logger.Error()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("elapsed", time.Since(started)).
			Msg("request")
	}
}

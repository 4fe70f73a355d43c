package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// ChannelRequest is the body of PUT /v1/channels/:id. Omitted fields keep
// their stored value, or the defaults for a new channel.
type ChannelRequest struct {
	Name                string   `json:"name" binding:"omitempty,max=256"`
	ConfidenceThreshold *float64 `json:"confidence_threshold" binding:"omitempty,min=0,max=1"`
	IsActive            *bool    `json:"is_active"`
}

func (s *Server) putChannel(c *gin.Context) {
	var req ChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("id"))

	ch, err := s.Store.GetChannel(ctx, id)
	created := errors.Is(err, store.ErrNotFound)
	switch {
	case created:
		ch = signal.Channel{
			ID:                  id,
			Name:                id,
			ConfidenceThreshold: s.DefaultThreshold,
			IsActive:            true,
			CreatedAt:           s.Clock.Now(),
		}
	case err != nil:
		fail(c, err)
		return
	}

	if req.Name != "" {
		ch.Name = req.Name
	}
	if req.ConfidenceThreshold != nil {
		ch.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.IsActive != nil {
		ch.IsActive = *req.IsActive
	}
	if err := s.Store.UpsertChannel(ctx, ch); err != nil {
		fail(c, err)
		return
	}

	s.Logger.Info().
		Str("channel_id", ch.ID).
		Float64("threshold", ch.ConfidenceThreshold).
		Bool("active", ch.IsActive).
		Msg("channel updated")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, ch)
}

// TrustQuery selects a trust period. Period is a bucket key such as
// 2026-03-02, 2026-W10 or 2026-03 depending on the configured granularity.
type TrustQuery struct {
	Period  string `form:"period" binding:"omitempty,max=16"`
	History bool   `form:"history"`
}

func (s *Server) getTrust(c *gin.Context) {
	var q TrustQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.Store.GetChannel(ctx, id); err != nil {
		fail(c, err)
		return
	}

	if q.History {
		records, err := s.Trust.History(ctx, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"channel_id": id, "granularity": s.Trust.Period(), "records": records})
		return
	}

	counts, err := s.Trust.GetTrustScore(ctx, id, q.Period)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.Queue.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

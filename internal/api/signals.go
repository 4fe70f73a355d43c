package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sunil55999/AISignalPro-sub001/internal/ingest"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// SubmitRequest is the body of POST /v1/signals.
type SubmitRequest struct {
	RawText           string `json:"raw_text" binding:"required"`
	Source            string `json:"source" binding:"omitempty,signal_source"`
	ChannelID         string `json:"channel_id" binding:"required,max=128"`
	ExternalMessageID string `json:"external_message_id" binding:"omitempty,max=256"`
}

// SubmitResponse reports an admitted or duplicate submission.
type SubmitResponse struct {
	SignalID    string `json:"signal_id,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// RejectedResponse reports a submission stored but not queued.
type RejectedResponse struct {
	SignalID string `json:"signal_id"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
}

// ListQuery is the query string of GET /v1/signals.
type ListQuery struct {
	ChannelID       string `form:"channel_id"`
	Status          string `form:"status" binding:"omitempty,signal_status"`
	IncludeArchived bool   `form:"include_archived"`
	Limit           int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Cursor          string `form:"cursor"`
}

// CloseRequest reports the realized profit of an executed signal.
type CloseRequest struct {
	Profit *decimal.Decimal `json:"profit" binding:"required"`
}

func (s *Server) submitSignal(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := s.Ingest.Submit(c.Request.Context(), ingest.Request{
		RawText:           req.RawText,
		Source:            signal.Source(req.Source),
		ChannelID:         req.ChannelID,
		ExternalMessageID: req.ExternalMessageID,
	})
	if err != nil {
		fail(c, err)
		return
	}

	switch res.Outcome {
	case ingest.OutcomeAdmitted:
		c.JSON(http.StatusCreated, SubmitResponse{SignalID: res.SignalID})
	case ingest.OutcomeDuplicate:
		c.JSON(http.StatusOK, SubmitResponse{DuplicateOf: res.DuplicateOf})
	default:
		resp := RejectedResponse{SignalID: res.SignalID, Reason: res.Reason}
		if res.Err != nil {
			resp.Message = res.Err.Message
		}
		c.JSON(http.StatusUnprocessableEntity, resp)
	}
}

func (s *Server) listSignals(c *gin.Context) {
	var q ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := s.Store.ListSignals(c.Request.Context(), store.SignalFilter{
		ChannelID:       q.ChannelID,
		Status:          signal.Status(q.Status),
		IncludeArchived: q.IncludeArchived,
		Limit:           q.Limit,
		Cursor:          q.Cursor,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) getSignal(c *gin.Context) {
	sig, err := s.Store.GetSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) listAttempts(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.Store.GetSignal(ctx, id); err != nil {
		fail(c, err)
		return
	}
	attempts, err := s.Store.ListAttempts(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal_id": id, "attempts": attempts})
}

func (s *Server) cancelSignal(c *gin.Context) {
	sig, err := s.Queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if !sig.Status.Terminal() {
		// Leased: the worker settles it before calling the executor.
		status = http.StatusAccepted
	}
	c.JSON(status, sig)
}

func (s *Server) closeSignal(c *gin.Context) {
	var req CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	sig, err := s.Store.GetSignal(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if sig.Status != signal.StatusExecuted {
		fail(c, fmt.Errorf("close %s: status %s: %w", sig.ID, sig.Status, signal.ErrInvalidTransition))
		return
	}
	if err := s.Trust.RecordClose(ctx, sig, *req.Profit); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signal_id": sig.ID,
		"profit":    req.Profit.String(),
		"win":       req.Profit.IsPositive(),
	})
}

package api

import (
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// DeploymentForm is the multipart body of POST /v1/deployments.
type DeploymentForm struct {
	Version string                `form:"version" binding:"required,max=64"`
	File    *multipart.FileHeader `form:"file" binding:"required"`
}

// AckRequest is the body of POST /v1/deployments/:id/ack.
type AckRequest struct {
	TerminalID string `json:"terminal_id" binding:"required,max=128"`
}

// AckResponse reports roster coverage after an acknowledgement.
type AckResponse struct {
	DeploymentID string                 `json:"deployment_id"`
	TerminalID   string                 `json:"terminal_id"`
	New          bool                   `json:"new"`
	InRoster     bool                   `json:"in_roster"`
	Acked        int                    `json:"acked"`
	Total        int                    `json:"total"`
	Status       store.DeploymentStatus `json:"status"`
}

func (s *Server) createDeployment(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.MaxUploadBytes)

	var form DeploymentForm
	if err := c.ShouldBind(&form); err != nil {
		badRequest(c, err)
		return
	}
	f, err := form.File.Open()
	if err != nil {
		badRequest(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()

	d, err := s.Deploy.Publish(c.Request.Context(), f, form.Version)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) getDeployment(c *gin.Context) {
	d, err := s.Deploy.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) ackDeployment(c *gin.Context) {
	var req AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	res, err := s.Deploy.Ack(c.Request.Context(), id, req.TerminalID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, AckResponse{
		DeploymentID: id,
		TerminalID:   req.TerminalID,
		New:          res.New,
		InRoster:     res.InRoster,
		Acked:        res.Acked,
		Total:        res.Total,
		Status:       res.Status,
	})
}

func (s *Server) rebroadcast(c *gin.Context) {
	d, err := s.Deploy.Rebroadcast(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) getArtifact(c *gin.Context) {
	hash := c.Param("hash")
	path, err := s.Artifacts.Path(hash)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.FileAttachment(path, hash)
}

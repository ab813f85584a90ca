package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runwire/runwire/pkg/engine"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
	"github.com/runwire/runwire/pkg/wire"
)

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	RunnableID     string `json:"runnable_id" binding:"required"`
	Input          string `json:"input"`
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	// Stream selects inline SSE streaming; otherwise the run is accepted and
	// continues in the background.
	Stream bool `json:"stream"`
}

// RunAccepted is the response for a non-streaming run start.
type RunAccepted struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	TraceID   string `json:"trace_id"`
}

// CreateRun handles POST /api/runs.
func (s *Server) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h, err := s.engine.StartRun(c.Request.Context(), engine.RunRequest{
		RunnableID: req.RunnableID,
		Input:      req.Input,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}

	if req.Stream {
		s.streamRun(c, h)
		return
	}

	h.Drain()
	c.JSON(http.StatusAccepted, RunAccepted{
		RunID:     h.RunID,
		SessionID: h.SessionID,
		TraceID:   h.TraceID,
	})
}

// ResumeSessionRequest is the body of POST /api/sessions/:id/resume.
type ResumeSessionRequest struct {
	RunnableID     string `json:"runnable_id"`
	UserID         string `json:"user_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	// FromSequence, when positive, discards steps at and after it before
	// resuming (retry).
	FromSequence int  `json:"from_sequence"`
	Stream       bool `json:"stream"`
}

// ResumeSession handles POST /api/sessions/:id/resume.
func (s *Server) ResumeSession(c *gin.Context) {
	var req ResumeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h, err := s.engine.ResumeRun(c.Request.Context(), engine.ResumeRequest{
		SessionID:    c.Param("id"),
		RunnableID:   req.RunnableID,
		UserID:       req.UserID,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
		FromSequence: req.FromSequence,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}

	if req.Stream {
		s.streamRun(c, h)
		return
	}

	h.Drain()
	c.JSON(http.StatusAccepted, RunAccepted{
		RunID:     h.RunID,
		SessionID: h.SessionID,
		TraceID:   h.TraceID,
	})
}

// ForkSessionRequest is the body of POST /api/sessions/:id/fork.
type ForkSessionRequest struct {
	NewSessionID string `json:"new_session_id" binding:"required"`
	AtSequence   int    `json:"at_sequence" binding:"required"`
}

// ForkSession handles POST /api/sessions/:id/fork.
func (s *Server) ForkSession(c *gin.Context) {
	var req ForkSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	copied, err := s.engine.Fork(c.Request.Context(), c.Param("id"), req.NewSessionID, req.AtSequence)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    req.NewSessionID,
		"steps_copied":  copied,
		"from_session":  c.Param("id"),
		"forked_at_seq": req.AtSequence,
	})
}

// CancelRun handles POST /api/runs/:id/cancel.
func (s *Server) CancelRun(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	if !s.engine.Cancel(c.Param("id"), req.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run is not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// GetRun handles GET /api/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.engine.Store().GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns handles GET /api/runs.
func (s *Server) ListRuns(c *gin.Context) {
	filter := store.RunFilter{
		UserID:    c.Query("user_id"),
		SessionID: c.Query("session_id"),
		Limit:     intQuery(c, "limit", 50),
		Offset:    intQuery(c, "offset", 0),
	}
	runs, err := s.engine.Store().ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// ListActiveRuns handles GET /api/runs/active.
func (s *Server) ListActiveRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.engine.Active()})
}

// GetSessionSteps handles GET /api/sessions/:id/steps.
func (s *Server) GetSessionSteps(c *gin.Context) {
	steps, err := s.engine.Store().GetSteps(c.Request.Context(), c.Param("id"), store.StepFilter{
		RunID:    c.Query("run_id"),
		StartSeq: intQuery(c, "start_seq", 0),
		EndSeq:   intQuery(c, "end_seq", 0),
		Limit:    intQuery(c, "limit", 0),
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "steps": steps})
}

// GetTrace handles GET /api/traces/:id.
func (s *Server) GetTrace(c *gin.Context) {
	tr, err := s.engine.Traces().GetTrace(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// ListRunnables handles GET /api/runnables.
func (s *Server) ListRunnables(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runnables": s.engine.RunnableIDs()})
}

// streamRun forwards the run's events to the client as SSE frames. A client
// disconnect stops the stream but not the run; remaining events are drained
// so producers never stall.
func (s *Server) streamRun(c *gin.Context, h *engine.RunHandle) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for ev := range h.Events {
		select {
		case <-clientGone:
			s.logger.Info("SSE client disconnected, run continues",
				"run_id", h.RunID, "session_id", h.SessionID)
			h.Drain()
			return
		default:
		}
		if err := wire.WriteSSE(c.Writer, ev); err != nil {
			s.logger.Warn("Failed to write SSE frame", "run_id", h.RunID, "error", err)
			h.Drain()
			return
		}
		c.Writer.Flush()
	}
}

// renderError maps engine errors to HTTP status codes.
func (s *Server) renderError(c *gin.Context, err error) {
	var cfgErr *runnable.ConfigError
	switch {
	case errors.Is(err, runnable.ErrNotFound) || errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Package http contains the REST handlers for session lifecycle and
// observability. Interactive terminal traffic never flows through here;
// it lives on the websocket endpoint.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/domain/session"
	"github.com/termdeck/termdeck/internal/domain/stream"
	"github.com/termdeck/termdeck/internal/infrastructure/logging"
	"github.com/termdeck/termdeck/internal/infrastructure/monitoring"
)

// Handlers contains all REST handlers.
type Handlers struct {
	sessions  *session.Manager
	streams   *stream.Manager
	collector *monitoring.Collector
	logger    *logging.Logger
}

// NewHandlers creates a new handler set.
func NewHandlers(
	sessions *session.Manager,
	streams *stream.Manager,
	collector *monitoring.Collector,
	logger *logging.Logger,
) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		sessions:  sessions,
		streams:   streams,
		collector: collector,
		logger:    logger,
	}
}

// Root handles the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "termdeck",
		"version": "0.3.0",
	})
}

// Health reports aggregate health derived from the latest sample.
func (h *Handlers) Health(c *gin.Context) {
	health := h.collector.Health()

	status := http.StatusOK
	label := "healthy"
	if !health.Healthy {
		status = http.StatusServiceUnavailable
		label = "degraded"
	}

	c.JSON(status, gin.H{
		"status":    label,
		"checks":    health.Checks,
		"sampledAt": health.SampledAt,
	})
}

// CreateSession creates a terminal session for a project.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req struct {
		ProjectID   string            `json:"projectId" binding:"required"`
		ProjectPath string            `json:"projectPath"`
		UserID      string            `json:"userId"`
		Mode        string            `json:"mode"`
		Rows        int               `json:"rows"`
		Cols        int               `json:"cols"`
		Env         map[string]string `json:"env"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode, ok := parseMode(req.Mode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be normal, claude, or system"})
		return
	}

	sess, err := h.sessions.Create(session.CreateParams{
		ProjectID:  req.ProjectID,
		UserID:     req.UserID,
		Mode:       mode,
		WorkingDir: req.ProjectPath,
		Env:        req.Env,
		Rows:       req.Rows,
		Cols:       req.Cols,
	})
	if err != nil {
		if errors.Is(err, session.ErrLimitExceeded) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// GetSession returns one session by id.
func (h *Handlers) GetSession(c *gin.Context) {
	sess := h.sessions.Get(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CloseSession closes a session and its backing stream. Closing is
// idempotent; a second call reports closed=false without an error.
func (h *Handlers) CloseSession(c *gin.Context) {
	sessionID := c.Param("id")

	h.streams.Close(sessionID)
	closed := h.sessions.Close(sessionID)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": sessionID,
		"closed":     closed,
	})
}

// SetFocus toggles a session's focus flag. The manager evicts the
// least-recently-active focused session when the ceiling is hit.
func (h *Handlers) SetFocus(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		Focused *bool `json:"focused" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.sessions.SetFocus(sessionID, *req.Focused); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": sessionID,
		"focused":    *req.Focused,
	})
}

// ListProjectSessions lists a project's sessions in tab order.
func (h *Handlers) ListProjectSessions(c *gin.Context) {
	sessions := h.sessions.ListProject(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// SuspendProject suspends a project's active sessions, stashing any
// output buffered on their streams into the suspension snapshots.
func (h *Handlers) SuspendProject(c *gin.Context) {
	projectID := c.Param("id")

	count := h.sessions.SuspendProject(projectID)
	for _, s := range h.sessions.ListProject(projectID) {
		if s.Status != session.StatusSuspended {
			continue
		}
		chunks, err := h.streams.ReadBuffer(s.ID)
		if err != nil || len(chunks) == 0 {
			continue
		}
		if err := h.sessions.StashOutput(s.ID, chunks); err != nil {
			h.logger.Warn("output stash failed",
				zap.String("session_id", s.ID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"project_id": projectID,
		"suspended":  count,
	})
}

// ResumeProject wakes a project's suspended sessions. Snapshots past
// the suspension timeout close instead of resuming.
func (h *Handlers) ResumeProject(c *gin.Context) {
	projectID := c.Param("id")

	resumed := h.sessions.ResumeProject(projectID)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"project_id": projectID,
		"sessions":   resumed,
		"resumed":    len(resumed),
	})
}

// CloseProject closes every session of a project.
func (h *Handlers) CloseProject(c *gin.Context) {
	projectID := c.Param("id")

	for _, s := range h.sessions.ListProject(projectID) {
		h.streams.Close(s.ID)
	}
	count := h.sessions.CloseProject(projectID)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"project_id": projectID,
		"closed":     count,
	})
}

// Statistics returns manager-level counters for both domains.
func (h *Handlers) Statistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.sessions.Stats(),
		"streams":  h.streams.Stats(),
	})
}

// MetricsJSON returns the collector's latest snapshot.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, h.collector.Current())
}

// MetricsReport returns the human-readable performance report.
func (h *Handlers) MetricsReport(c *gin.Context) {
	c.String(http.StatusOK, h.collector.Report())
}

func parseMode(s string) (session.Mode, bool) {
	switch session.Mode(s) {
	case "":
		return session.ModeNormal, true
	case session.ModeNormal, session.ModeClaude, session.ModeSystem:
		return session.Mode(s), true
	}
	return "", false
}

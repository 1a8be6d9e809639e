// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brentyi/viser-gradio-embed/internal/model"
	"github.com/brentyi/viser-gradio-embed/internal/registry"
)

// SessionHandler handles the session lifecycle triggers: the outer framework
// calls these when a client session begins and ends.
type SessionHandler struct {
	registry *registry.Registry
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(reg *registry.Registry) *SessionHandler {
	return &SessionHandler{registry: reg}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string `json:"id"`
	Port      int    `json:"port"`
	PID       *int   `json:"pid,omitempty"`
	Status    string `json:"status"`
	Duration  string `json:"duration"`
	CreatedAt string `json:"createdAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:        s.ID,
		Port:      s.Port,
		PID:       s.PID,
		Status:    string(s.Status),
		Duration:  s.Duration().Round(time.Second).String(),
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// startError maps a registry Start failure to an HTTP error response.
func startError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, model.ErrSessionAlreadyActive):
		sendError(c, http.StatusConflict, "SESSION_ALREADY_ACTIVE", "Session "+id+" is already active")
	case errors.Is(err, model.ErrPortRangeExhausted):
		sendError(c, http.StatusServiceUnavailable, "PORT_RANGE_EXHAUSTED", "No local ports available for a new session")
	case errors.Is(err, model.ErrBackendLaunchFailed):
		sendError(c, http.StatusBadGateway, "BACKEND_LAUNCH_FAILED", "Backend failed to start: "+err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start session: "+err.Error())
	}
}

// Start handles PUT /api/sessions/:id - starts a backend for the given
// session identifier (the onSessionStart trigger).
func (h *SessionHandler) Start(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return
	}

	sess, err := h.registry.Start(c.Request.Context(), id)
	if err != nil {
		startError(c, id, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// Create handles POST /api/sessions - mints a fresh session identifier and
// starts a backend for it, for callers that do not bring their own id.
func (h *SessionHandler) Create(c *gin.Context) {
	id := uuid.New().String()

	sess, err := h.registry.Start(c.Request.Context(), id)
	if err != nil {
		startError(c, id, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// Get handles GET /api/sessions/:id - looks up a session.
func (h *SessionHandler) Get(c *gin.Context) {
	id := c.Param("id")

	sess, err := h.registry.Get(id)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// List handles GET /api/sessions - lists all sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.registry.List()

	responses := make([]*SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		responses = append(responses, toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": responses})
}

// Stop handles DELETE /api/sessions/:id - stops a session (the
// onSessionStop trigger). Stopping an unknown session still returns 204:
// teardown triggers can fire more than once.
func (h *SessionHandler) Stop(c *gin.Context) {
	id := c.Param("id")

	if err := h.registry.Stop(id); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to stop session: "+err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// embedTemplate is the page the outer UI loads into its session frame. It
// wraps the proxied viewer in an iframe, matching what the embedding
// framework renders on session start.
var embedTemplate = template.Must(template.New("embed").Parse(`<!DOCTYPE html>
<html>
<body style="margin: 0;">
  <div style="border: 2px solid #ccc; padding: 10px;">
    <iframe src="{{.Src}}" width="100%" height="500px" frameborder="0"></iframe>
  </div>
</body>
</html>
`))

// Embed handles GET /embed/:session - serves an HTML page embedding the
// proxied viewer for the session.
func (h *SessionHandler) Embed(c *gin.Context) {
	id := c.Param("session")

	if _, err := h.registry.Get(id); err != nil {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+id+" not found")
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	embedTemplate.Execute(c.Writer, gin.H{
		"Src": fmt.Sprintf("/proxy/%s/", id),
	})
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.PUT("/:id", h.Start)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Stop)
	}
}

// RegisterEmbedRoute registers the embed page route on the router root.
func (h *SessionHandler) RegisterEmbedRoute(r gin.IRouter) {
	r.GET("/embed/:session", h.Embed)
}

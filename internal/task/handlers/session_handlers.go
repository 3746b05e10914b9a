package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/session"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// SessionClearer resets a user's conversation history.
type SessionClearer interface {
	ClearSession(ctx context.Context, userID string) error
}

// SessionReader exposes a user's current conversation window.
type SessionReader interface {
	SessionHistory(ctx context.Context, userID string) []session.Message
}

// SessionService is what the session endpoints need from the orchestrator.
type SessionService interface {
	SessionClearer
	SessionReader
}

// SessionHandlers serves the session endpoints.
type SessionHandlers struct {
	sessions SessionService
	logger   *logger.Logger
}

func NewSessionHandlers(sessions SessionService, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterSessionRoutes mounts the session endpoints on the API group.
func RegisterSessionRoutes(router *gin.Engine, sessions SessionService, log *logger.Logger) {
	h := NewSessionHandlers(sessions, log)
	router.GET("/api/v1/users/:id/session", h.httpGetSession)
	router.DELETE("/api/v1/users/:id/session", h.httpClearSession)
}

// httpGetSession returns the conversation window the classifier sees. Users
// without history get an empty window, not a 404.
func (h *SessionHandlers) httpGetSession(c *gin.Context) {
	userID := c.Param("id")
	msgs := h.sessions.SessionHistory(c.Request.Context(), userID)

	out := make([]v1.SessionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.SessionMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	c.JSON(http.StatusOK, v1.SessionResponse{UserID: userID, Messages: out})
}

// httpClearSession erases the user's chat history. Clearing an absent
// session succeeds; the endpoint is idempotent.
func (h *SessionHandlers) httpClearSession(c *gin.Context) {
	if err := h.sessions.ClearSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

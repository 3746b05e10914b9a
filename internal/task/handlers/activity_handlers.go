package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	taskservice "github.com/mjfuentes/amiga-sub003/internal/task/service"
)

// ActivityAppender posts one agent-authored progress line.
type ActivityAppender interface {
	PostActivity(ctx context.Context, taskID, message string) (*models.ActivityEntry, error)
}

// ActivityHandlers serves the agent-facing activity endpoint. It lives on the
// internal route group; agents reach it from inside the deployment, not
// through the public API surface.
type ActivityHandlers struct {
	tasks  ActivityAppender
	logger *logger.Logger
}

func NewActivityHandlers(tasks ActivityAppender, log *logger.Logger) *ActivityHandlers {
	return &ActivityHandlers{
		tasks:  tasks,
		logger: log.WithFields(zap.String("component", "activity-handlers")),
	}
}

// RegisterInternalRoutes mounts the agent-facing endpoints.
func RegisterInternalRoutes(router *gin.Engine, tasks ActivityAppender, log *logger.Logger) {
	h := NewActivityHandlers(tasks, log)
	router.POST("/internal/v1/tasks/:id/activity", h.httpPostActivity)
}

// httpPostActivity appends a plain-text progress line, capped at 1 KiB.
func (h *ActivityHandlers) httpPostActivity(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, taskservice.MaxActivityBytes+1))
	if err != nil {
		respondBadRequest(c, "failed to read body")
		return
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		respondBadRequest(c, "activity message is empty")
		return
	}
	if len(message) > taskservice.MaxActivityBytes {
		respondBadRequest(c, taskservice.ErrActivityTooLong.Error())
		return
	}

	entry, err := h.tasks.PostActivity(c.Request.Context(), c.Param("id"), message)
	if err != nil {
		if errors.Is(err, taskservice.ErrActivityTooLong) {
			respondBadRequest(c, taskservice.ErrActivityTooLong.Error())
			return
		}
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entry.ToAPI())
}

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TaskReader is the task manager's read surface.
type TaskReader interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error)
	ToolEvents(ctx context.Context, taskID string, limit int) ([]*models.ToolEvent, error)
	Activity(ctx context.Context, taskID string, limit int) ([]*models.ActivityEntry, error)
	FilesTouched(ctx context.Context, taskID string) ([]*models.FileIndexEntry, error)
}

// TaskStopper is the orchestrator's control surface for user stops.
type TaskStopper interface {
	StopTask(ctx context.Context, taskID string) error
	StopUserTasks(ctx context.Context, userID string) (int, error)
}

// TaskHandlers serves the dashboard reads and the stop controls.
type TaskHandlers struct {
	tasks   TaskReader
	stopper TaskStopper
	logger  *logger.Logger
}

func NewTaskHandlers(tasks TaskReader, stopper TaskStopper, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		tasks:   tasks,
		stopper: stopper,
		logger:  log.WithFields(zap.String("component", "task-handlers")),
	}
}

// RegisterTaskRoutes mounts the task endpoints on the API group.
func RegisterTaskRoutes(router *gin.Engine, tasks TaskReader, stopper TaskStopper, log *logger.Logger) {
	h := NewTaskHandlers(tasks, stopper, log)
	api := router.Group("/api/v1")
	api.GET("/tasks", h.httpListTasks)
	api.GET("/tasks/:id", h.httpGetTask)
	api.GET("/tasks/:id/events", h.httpListToolEvents)
	api.GET("/tasks/:id/activity", h.httpListActivity)
	api.GET("/tasks/:id/files", h.httpListFiles)
	api.POST("/tasks/:id/stop", h.httpStopTask)
	api.POST("/users/:id/tasks/stop", h.httpStopUserTasks)
}

func (h *TaskHandlers) httpListTasks(c *gin.Context) {
	opts := models.ListTasksOptions{
		UserID: c.Query("user_id"),
		Limit:  parseLimit(c, defaultListLimit),
	}
	if raw := c.Query("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := v1.TaskState(strings.TrimSpace(s))
			switch state {
			case v1.TaskStatePending, v1.TaskStateRunning, v1.TaskStateCompleted,
				v1.TaskStateFailed, v1.TaskStateStopped:
				opts.States = append(opts.States, state)
			default:
				respondBadRequest(c, "invalid state: "+string(state))
				return
			}
		}
	}

	tasks, err := h.tasks.List(c.Request.Context(), opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]v1.Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, *task.ToAPI())
	}
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: out, Total: len(out)})
}

func (h *TaskHandlers) httpGetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task.ToAPI())
}

func (h *TaskHandlers) httpListToolEvents(c *gin.Context) {
	events, err := h.tasks.ToolEvents(c.Request.Context(), c.Param("id"), parseLimit(c, 0))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]v1.ToolEvent, 0, len(events))
	for _, event := range events {
		out = append(out, *event.ToAPI())
	}
	c.JSON(http.StatusOK, v1.ListToolEventsResponse{Events: out, Total: len(out)})
}

func (h *TaskHandlers) httpListActivity(c *gin.Context) {
	entries, err := h.tasks.Activity(c.Request.Context(), c.Param("id"), parseLimit(c, 0))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]v1.ActivityEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, *entry.ToAPI())
	}
	c.JSON(http.StatusOK, gin.H{"activity": out, "total": len(out)})
}

func (h *TaskHandlers) httpListFiles(c *gin.Context) {
	files, err := h.tasks.FilesTouched(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]v1.TouchedFile, 0, len(files))
	for _, file := range files {
		out = append(out, *file.ToAPI())
	}
	c.JSON(http.StatusOK, v1.ListFilesResponse{Files: out, Total: len(out)})
}

// httpStopTask is idempotent: stopping a finished task confirms its state
// without touching it.
func (h *TaskHandlers) httpStopTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.stopper.StopTask(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.StopTaskResponse{
		TaskID:  id,
		State:   task.State,
		Stopped: task.State == v1.TaskStateStopped,
	})
}

func (h *TaskHandlers) httpStopUserTasks(c *gin.Context) {
	userID := c.Param("id")
	stopped, err := h.stopper.StopUserTasks(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.StopAllTasksResponse{UserID: userID, Stopped: stopped})
}

// parseLimit reads the limit query parameter, clamped to maxListLimit.
// Zero (no parameter) defers to the caller's default.
func parseLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"

	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// publishTaskEvent publishes task lifecycle events on the task-scoped subject
// so dashboards can subscribe per task or via wildcard.
func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task *models.Task, oldState *v1.TaskState) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":      task.ID,
		"user_id":      task.UserID,
		"session_uuid": task.SessionUUID,
		"description":  task.Description,
		"state":        string(task.State),
		"priority":     task.Priority.String(),
		"created_at":   task.CreatedAt.Format(time.RFC3339),
		"updated_at":   task.UpdatedAt.Format(time.RFC3339),
	}
	if task.Branch != nil {
		data["branch"] = *task.Branch
	}
	if task.PID != nil {
		data["pid"] = *task.PID
	}
	if task.Result != nil {
		data["result"] = *task.Result
	}
	if task.Error != nil {
		data["error"] = *task.Error
	}
	if task.ErrorKind != nil {
		data["error_kind"] = *task.ErrorKind
	}
	if oldState != nil {
		data["old_state"] = string(*oldState)
		data["new_state"] = string(task.State)
	}

	event := bus.NewEvent(eventType, "task-service", data)
	subject := events.BuildTaskSubject(eventType, task.ID)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// publishActivityEvent publishes one activity-log line.
func (s *Service) publishActivityEvent(ctx context.Context, taskID string, entry *models.ActivityEntry) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":    taskID,
		"message":    entry.Message,
		"created_at": entry.CreatedAt.Format(time.RFC3339),
	}

	event := bus.NewEvent(events.TaskActivity, "task-service", data)
	subject := events.BuildTaskSubject(events.TaskActivity, taskID)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish activity event",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// publishMergeWarning tells dashboards a completed task left its branch
// unmerged.
func (s *Service) publishMergeWarning(ctx context.Context, task *models.Task, branch string) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id": task.ID,
		"user_id": task.UserID,
		"branch":  branch,
		"warning": "merge_conflict",
	}

	event := bus.NewEvent(events.TaskActivity, "task-service", data)
	subject := events.BuildTaskSubject(events.TaskActivity, task.ID)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish merge warning",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

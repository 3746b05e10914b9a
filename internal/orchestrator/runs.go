package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/runner"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	taskservice "github.com/mjfuentes/amiga-sub003/internal/task/service"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// submitRun hands the task to the pool and tracks its handle for the cancel
// path.
func (s *Service) submitRun(task *models.Task) error {
	taskID := task.ID
	h, err := s.pool.Submit(task.Priority, func(jobCtx context.Context) error {
		return s.runTask(jobCtx, taskID)
	})
	if err != nil {
		return err
	}
	s.trackHandle(taskID, h)
	return nil
}

// runTask supervises one agent subprocess on a pool worker. The job context
// cancels the run; completion writes run on an uncancellable context so a
// stop or shutdown cannot lose the terminal state.
func (s *Service) runTask(jobCtx context.Context, taskID string) error {
	writeCtx := context.WithoutCancel(jobCtx)

	task, err := s.tasks.Get(writeCtx, taskID)
	if err != nil {
		return err
	}
	if task.State != v1.TaskStatePending {
		// Stopped while queued; the terminal state is already written.
		return nil
	}

	inv := runner.Invocation{
		TaskID:      task.ID,
		SessionUUID: task.SessionUUID,
		AgentKind:   task.AgentKind,
		Prompt:      task.Prompt,
		Workspace:   workspacePath(task),
		APIKey:      s.cfg.AgentAPIKey,
	}

	result, err := s.runner.Run(jobCtx, inv, func(pid int) {
		if err := s.tasks.MarkRunning(writeCtx, taskID, pid); err != nil {
			s.logger.Error("Failed to mark task running",
				zap.String("task_id", taskID), zap.Int("pid", pid), zap.Error(err))
		}
	})
	if err != nil {
		// The subprocess never ran: missing workspace, log file trouble, or
		// exec failure.
		if failErr := s.tasks.FailToStart(writeCtx, taskID, err); failErr != nil {
			s.logger.Error("Failed to record launch failure",
				zap.String("task_id", taskID), zap.Error(failErr))
		}
		return err
	}

	outcome := taskservice.RunOutcome{
		ExitCode: result.ExitCode,
		Output:   result.Output,
		TimedOut: result.TimedOut,
		Canceled: result.Canceled,
		Duration: result.Duration,
	}
	if err := s.tasks.CompleteFromRun(writeCtx, taskID, outcome); err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil
		}
		s.logger.Error("Failed to apply run outcome",
			zap.String("task_id", taskID), zap.Error(err))
		return err
	}
	return nil
}

func workspacePath(task *models.Task) string {
	if task.Workspace == nil {
		return ""
	}
	return *task.Workspace
}

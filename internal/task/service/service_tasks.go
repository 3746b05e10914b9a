package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/apierr"
	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	"github.com/mjfuentes/amiga-sub003/internal/worktree"
)

// Create admits a new background task: budget fence, working-copy allocation,
// then the pending row. Nothing is persisted when admission fails.
func (s *Service) Create(ctx context.Context, req *CreateTaskRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	if _, err := s.repo.EnsureUser(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}

	if s.budget != nil {
		if err := s.budget.CheckBudget(time.Now().UTC(), s.cfg.TaskEstimateUSD); err != nil {
			return nil, apierr.Wrap(apierr.KindBudgetExceeded, "task admission denied", err)
		}
	}

	task, ws, err := s.allocate(ctx, req)
	if err != nil {
		return nil, err
	}
	task.Branch = &ws.Branch
	task.Workspace = &ws.Path

	seq, err := s.nextSubmitSeq(ctx)
	if err != nil {
		s.releaseWorkspace(ctx, ws)
		return nil, err
	}
	task.SubmitSeq = seq

	if err := s.repo.CreateTask(ctx, task); err != nil {
		s.releaseWorkspace(ctx, ws)
		s.logger.Error("failed to create task", zap.Error(err))
		return nil, err
	}

	s.appendActivity(ctx, task.ID, fmt.Sprintf("task created (%s priority)", task.Priority))
	s.publishTaskEvent(ctx, events.TaskCreated, task, nil)
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("user_id", task.UserID),
		zap.String("branch", ws.Branch),
		zap.String("priority", task.Priority.String()))
	return task, nil
}

// allocate builds the task and its working copy, regenerating the ID when the
// six-character prefix collides with an existing branch or checkout.
func (s *Service) allocate(ctx context.Context, req *CreateTaskRequest) (*models.Task, *models.WorkspaceInfo, error) {
	var lastErr error
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		task := models.NewTask(req.UserID, req.Prompt, req.Description, req.Priority, req.AgentKind)
		ws, err := s.workspaces.Allocate(ctx, task.ID, s.cfg.RepoPath)
		if err == nil {
			return task, ws, nil
		}
		if errors.Is(err, worktree.ErrBranchExists) || errors.Is(err, worktree.ErrWorktreeExists) {
			s.logger.Debug("task id collided with existing checkout, regenerating",
				zap.String("task_id", task.ID))
			lastErr = err
			continue
		}
		return nil, nil, apierr.Wrap(apierr.KindConflict, "failed to allocate working copy", err)
	}
	return nil, nil, apierr.Wrap(apierr.KindConflict, "failed to allocate working copy", lastErr)
}

// releaseWorkspace undoes an allocation whose task row never landed.
func (s *Service) releaseWorkspace(ctx context.Context, ws *models.WorkspaceInfo) {
	if err := s.workspaces.Remove(ctx, ws); err != nil {
		s.logger.Warn("failed to release working copy after admission failure",
			zap.String("task_id", ws.TaskID), zap.Error(err))
	}
}

// nextSubmitSeq hands out the global submission order, seeded from the store
// once per process.
func (s *Service) nextSubmitSeq(ctx context.Context) (int64, error) {
	var seedErr error
	s.seqOnce.Do(func() {
		max, err := s.repo.MaxSubmitSeq(ctx)
		if err != nil {
			seedErr = err
			return
		}
		s.seqMu.Lock()
		s.lastSeq = max
		s.seqMu.Unlock()
	})
	if seedErr != nil {
		return 0, fmt.Errorf("failed to seed submission sequence: %w", seedErr)
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.lastSeq++
	return s.lastSeq, nil
}

// Get returns a task by short ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil, apierr.Wrap(apierr.KindNotFound, "task not found", err)
		}
		return nil, err
	}
	return task, nil
}

// List returns tasks matching the options, newest first.
func (s *Service) List(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, opts)
}

// ActiveForUser returns the user's pending and running tasks, oldest first by
// submission order reversal left to the caller.
func (s *Service) ActiveForUser(ctx context.Context, userID string) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, models.ListTasksOptions{
		UserID: userID,
		States: []v1.TaskState{v1.TaskStatePending, v1.TaskStateRunning},
	})
}

// MarkRunning transitions pending -> running with the live subprocess pid and
// records the agent as started.
func (s *Service) MarkRunning(ctx context.Context, taskID string, pid int) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.repo.MarkTaskRunning(ctx, taskID, pid, deref(task.Branch), deref(task.Workspace)); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.repo.UpsertAgentStatus(ctx, &models.AgentStatusRecord{
		TaskID:      taskID,
		SessionUUID: task.SessionUUID,
		AgentKind:   task.AgentKind,
		PID:         pid,
		State:       v1.AgentStateRunning,
		StartedAt:   now,
	}); err != nil {
		s.logger.Warn("failed to record agent status", zap.String("task_id", taskID), zap.Error(err))
	}

	task.State = v1.TaskStateRunning
	task.PID = &pid
	from := v1.TaskStatePending
	s.publishTaskEvent(ctx, events.TaskStateChanged, task, &from)
	s.logger.Info("task running", zap.String("task_id", taskID), zap.Int("pid", pid))
	return nil
}

// CompleteFromRun applies the supervisor's outcome: merge policy on success,
// the failure taxonomy otherwise. An outcome arriving after an explicit stop
// is absorbed silently.
func (s *Service) CompleteFromRun(ctx context.Context, taskID string, outcome RunOutcome) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	exitCode := outcome.ExitCode
	defer s.markAgentExited(ctx, taskID, &exitCode)

	var finishErr error
	switch {
	case outcome.Canceled:
		finishErr = s.finish(ctx, task, v1.TaskStateStopped, "", "stopped by user", nil)
	case outcome.TimedOut:
		kind := string(apierr.KindTimeout)
		msg := fmt.Sprintf("agent exceeded the %s wall-clock limit", outcome.Duration.Round(time.Second))
		s.appendActivity(ctx, task.ID, msg)
		finishErr = s.finish(ctx, task, v1.TaskStateFailed, "", msg, &kind)
	case outcome.ExitCode != 0:
		kind := string(apierr.KindSubprocessFailed)
		msg := fmt.Sprintf("agent exited with code %d", outcome.ExitCode)
		if tail := strings.TrimSpace(outcome.Output); tail != "" {
			msg = msg + ": " + lastLine(tail)
		}
		finishErr = s.finish(ctx, task, v1.TaskStateFailed, "", msg, &kind)
	default:
		s.mergeWorkingCopy(ctx, task)
		finishErr = s.finish(ctx, task, v1.TaskStateCompleted, outcome.Output, "", nil)
	}
	if errors.Is(finishErr, models.ErrInvalidTransition) {
		// An explicit stop already settled the task; the late outcome is
		// absorbed.
		return nil
	}
	return finishErr
}

// mergeWorkingCopy folds the task branch back into the canonical repository.
// Merge trouble never demotes a completed run: the working copy is preserved,
// an activity line records the condition, and dashboards get a warning.
func (s *Service) mergeWorkingCopy(ctx context.Context, task *models.Task) {
	ws, ok := s.workspaces.Get(task.ID)
	if !ok {
		// Restart between run and completion: rebuild from the task row.
		ws = &models.WorkspaceInfo{
			TaskID:   task.ID,
			Path:     deref(task.Workspace),
			Branch:   deref(task.Branch),
			RepoPath: s.cfg.RepoPath,
		}
	}

	result, err := s.workspaces.Merge(ctx, ws)
	switch {
	case err == nil:
		s.appendActivity(ctx, task.ID, fmt.Sprintf("merged %s (%d files, +%d -%d)",
			ws.Branch, result.FilesChanged, result.Insertions, result.Deletions))
		if err := s.workspaces.Remove(ctx, ws); err != nil {
			s.logger.Warn("failed to remove merged working copy",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	case errors.Is(err, worktree.ErrMergeConflict):
		s.appendActivity(ctx, task.ID, fmt.Sprintf("merge conflict: branch %s left unmerged", ws.Branch))
		s.publishMergeWarning(ctx, task, ws.Branch)
		s.workspaces.Preserve(task.ID)
	case errors.Is(err, worktree.ErrDirtyWorktree):
		s.appendActivity(ctx, task.ID, fmt.Sprintf("uncommitted changes left in %s; branch not merged", ws.Branch))
		s.workspaces.Preserve(task.ID)
	default:
		s.logger.Warn("merge failed",
			zap.String("task_id", task.ID), zap.String("branch", ws.Branch), zap.Error(err))
		s.appendActivity(ctx, task.ID, fmt.Sprintf("merge of %s failed: %v", ws.Branch, err))
		s.workspaces.Preserve(task.ID)
	}
}

// FailToStart marks a task whose agent subprocess never launched. Distinct
// from a nonzero exit: there is no exit code and no output tail.
func (s *Service) FailToStart(ctx context.Context, taskID string, cause error) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	kind := string(apierr.KindSubprocessFailed)
	msg := fmt.Sprintf("failed to launch agent: %v", cause)
	s.appendActivity(ctx, task.ID, msg)
	if err := s.finish(ctx, task, v1.TaskStateFailed, "", msg, &kind); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	return nil
}

// Stop terminates a task on user request. Terminal tasks are a no-op so the
// endpoint is idempotent; queued tasks are removed before they run; running
// tasks get their subprocess group terminated via the cancel path.
func (s *Service) Stop(ctx context.Context, taskID string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return nil
	}

	if s.canceler != nil {
		s.canceler.CancelTask(taskID)
	}

	// For a queued task this is the only terminal write. For a running task
	// it settles the state immediately; the supervisor's late outcome then
	// hits the terminal guard and is absorbed.
	if err := s.finish(ctx, task, v1.TaskStateStopped, "", "stopped by user", nil); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	s.logger.Info("task stopped", zap.String("task_id", taskID), zap.String("user_id", task.UserID))
	return nil
}

// StopAllForUser stops every pending or running task the user owns and
// returns how many were stopped.
func (s *Service) StopAllForUser(ctx context.Context, userID string) (int, error) {
	tasks, err := s.ActiveForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	stopped := 0
	for _, task := range tasks {
		if err := s.Stop(ctx, task.ID); err != nil {
			s.logger.Warn("failed to stop task",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		stopped++
	}
	return stopped, nil
}

// HandleStalled promotes a running task whose agent went quiet and whose
// process is gone. The persisted category is "unknown": nothing about the
// failure is known beyond the silence.
func (s *Service) HandleStalled(ctx context.Context, task *models.Task) error {
	kind := string(apierr.KindUnknown)
	msg := "agent went quiet and its process is gone"
	s.appendActivity(ctx, task.ID, "task stalled: no tool activity and no live process")
	if err := s.finish(ctx, task, v1.TaskStateFailed, "", msg, &kind); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	s.markAgentExited(ctx, task.ID, nil)
	return nil
}

// finish applies a terminal transition and publishes the state change.
func (s *Service) finish(ctx context.Context, task *models.Task, state v1.TaskState, result, errMsg string, errKind *string) error {
	var resultPtr, errPtr *string
	if result != "" {
		resultPtr = &result
	}
	if errMsg != "" {
		errPtr = &errMsg
	}
	if err := s.repo.FinishTask(ctx, task.ID, state, resultPtr, errPtr, errKind); err != nil {
		return err
	}

	from := task.State
	task.State = state
	task.PID = nil
	task.Result = resultPtr
	task.Error = errPtr
	task.ErrorKind = errKind
	s.publishTaskEvent(ctx, events.TaskStateChanged, task, &from)
	s.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("state", string(state)))
	return nil
}

func (s *Service) markAgentExited(ctx context.Context, taskID string, exitCode *int) {
	state := v1.AgentStateExited
	if exitCode == nil {
		state = v1.AgentStateDead
	}
	if err := s.repo.MarkAgentExited(ctx, taskID, state, exitCode); err != nil {
		s.logger.Debug("failed to mark agent exited",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// PostActivity appends an agent-authored progress line, capped at 1 KiB.
func (s *Service) PostActivity(ctx context.Context, taskID, message string) (*models.ActivityEntry, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("activity message is empty")
	}
	if len(message) > MaxActivityBytes {
		return nil, ErrActivityTooLong
	}
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	entry, err := s.repo.AppendActivity(ctx, taskID, message)
	if err != nil {
		return nil, err
	}
	s.publishActivityEvent(ctx, taskID, entry)
	return entry, nil
}

// Activity returns the task's activity log, oldest first.
func (s *Service) Activity(ctx context.Context, taskID string, limit int) ([]*models.ActivityEntry, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListActivity(ctx, taskID, limit)
}

// ToolEvents returns the task's recorded tool invocations, newest first.
func (s *Service) ToolEvents(ctx context.Context, taskID string, limit int) ([]*models.ToolEvent, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListToolEvents(ctx, taskID, limit)
}

// FilesTouched returns the task's file index, most recently touched first.
func (s *Service) FilesTouched(ctx context.Context, taskID string) ([]*models.FileIndexEntry, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListFilesTouched(ctx, taskID)
}

// Users returns every user that has submitted a task, oldest first.
func (s *Service) Users(ctx context.Context) ([]*models.User, error) {
	return s.repo.ListUsers(ctx)
}

// appendActivity records a lifecycle line and publishes it; failures are
// logged, never surfaced, so bookkeeping cannot fail a transition.
func (s *Service) appendActivity(ctx context.Context, taskID, message string) {
	entry, err := s.repo.AppendActivity(ctx, taskID, message)
	if err != nil {
		s.logger.Warn("failed to append activity",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.publishActivityEvent(ctx, taskID, entry)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

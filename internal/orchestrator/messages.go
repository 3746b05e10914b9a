package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/apierr"
	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/dispatcher"
	"github.com/mjfuentes/amiga-sub003/internal/ratelimit"
	"github.com/mjfuentes/amiga-sub003/internal/session"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	taskservice "github.com/mjfuentes/amiga-sub003/internal/task/service"
)

// SubmitRequest is one chat message entering the system. The HTTP edge has
// already validated the input kind and parsed the priority.
type SubmitRequest struct {
	UserID    string
	Content   string
	InputKind string
	Priority  models.Priority
}

// ReplyKind distinguishes a direct answer from a task acknowledgement.
type ReplyKind string

const (
	ReplyAnswer   ReplyKind = "answer"
	ReplyAccepted ReplyKind = "accepted"
)

// MessageReply is the outcome handed back to the submitting edge.
type MessageReply struct {
	Kind   ReplyKind `json:"kind"`
	Text   string    `json:"text"`
	TaskID string    `json:"task_id,omitempty"`
}

type submitResult struct {
	reply *MessageReply
	err   error
}

// SubmitMessage runs a chat message through the gate, the user's lane and the
// classifier, and blocks until the outcome is known or ctx gives up. A denied
// request consumes nothing and never enters the lane. The handler itself runs
// on the service context, so a caller that goes away does not abandon the
// model call mid-flight.
func (s *Service) SubmitMessage(ctx context.Context, req *SubmitRequest) (*MessageReply, error) {
	if req.UserID == "" {
		return nil, apierr.New(apierr.KindUnknown, "user id is required")
	}

	if wait, ok := s.rate.Allow(req.UserID); !ok {
		return nil, apierr.RateLimited("rate limit exceeded", ratelimit.RetryAfterMillis(wait))
	}

	results := make(chan submitResult, 1)
	s.queue.Enqueue(req.UserID, lane(req.Priority), func(qctx context.Context) {
		reply, err := s.handleMessage(qctx, req)
		results <- submitResult{reply: reply, err: err}
	})

	select {
	case res := <-results:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lane maps the scheduling tier onto the user queue's two lanes. Urgent and
// high jump the user's FIFO; normal and low keep arrival order.
func lane(p models.Priority) int {
	if p <= models.PriorityHigh {
		return 1
	}
	return 0
}

// handleMessage is the serialized per-user path: classify, then answer or
// admit a background task. History is reread under the lane so concurrent
// submissions from one user see each other's turns.
func (s *Service) handleMessage(ctx context.Context, req *SubmitRequest) (*MessageReply, error) {
	history := s.sessions.Recent(req.UserID, 0)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifyTimeout)
	defer cancel()
	decision, err := s.dispatcher.Classify(cctx, dispatcher.Input{
		UserID:           req.UserID,
		Content:          req.Content,
		History:          history,
		CurrentWorkspace: s.currentWorkspace(req.UserID),
		ActiveTasks:      s.activeTasks(ctx, req.UserID),
		LogLines:         s.recentLogLines(ctx, req.UserID),
	})
	if err != nil {
		return nil, err
	}

	s.appendHistory(req.UserID, session.Message{
		Role:      session.RoleUser,
		Content:   req.Content,
		InputKind: req.InputKind,
	})

	if decision.Kind == dispatcher.DecisionAnswer {
		s.appendHistory(req.UserID, session.Message{
			Role:    session.RoleAssistant,
			Content: decision.Answer,
			Model:   decision.Model,
			Tokens:  sessionTokens(decision),
		})
		return &MessageReply{Kind: ReplyAnswer, Text: decision.Answer}, nil
	}

	task, err := s.startTask(ctx, req, decision)
	if err != nil {
		return nil, err
	}

	reply := decision.Reply
	if reply == "" {
		reply = fmt.Sprintf("Started background task %s: %s", task.ID, decision.Description)
	}
	s.appendHistory(req.UserID, session.Message{
		Role:    session.RoleAssistant,
		Content: reply,
		Model:   decision.Model,
		Tokens:  sessionTokens(decision),
	})
	return &MessageReply{Kind: ReplyAccepted, Text: reply, TaskID: task.ID}, nil
}

// startTask admits the task and hands it to the pool. Admission failures
// surface to the user; a pool refusal after a persisted row fails the task so
// no pending row is left owner-less.
func (s *Service) startTask(ctx context.Context, req *SubmitRequest, decision *dispatcher.Decision) (*models.Task, error) {
	task, err := s.tasks.Create(ctx, &taskservice.CreateTaskRequest{
		UserID:      req.UserID,
		Prompt:      req.Content,
		Description: decision.Description,
		Priority:    req.Priority,
		AgentKind:   s.cfg.AgentKind,
	})
	if err != nil {
		return nil, err
	}

	if err := s.submitRun(task); err != nil {
		s.logger.Error("Failed to submit task to pool",
			zap.String("task_id", task.ID), zap.Error(err))
		if failErr := s.tasks.FailToStart(context.WithoutCancel(ctx), task.ID, err); failErr != nil {
			s.logger.Error("Failed to mark unstartable task",
				zap.String("task_id", task.ID), zap.Error(failErr))
		}
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	// The freshly allocated working copy becomes the user's current workspace
	// for follow-up classification context.
	if task.Workspace != nil {
		if err := s.sessions.SetWorkspace(req.UserID, *task.Workspace); err != nil {
			s.logger.Warn("Failed to record session workspace",
				zap.String("user_id", req.UserID), zap.Error(err))
		}
	}
	return task, nil
}

// StopTask passes a user stop through to the task manager. The manager calls
// back into CancelTask for the pool handle.
func (s *Service) StopTask(ctx context.Context, taskID string) error {
	return s.tasks.Stop(ctx, taskID)
}

// StopUserTasks stops every active task the user owns.
func (s *Service) StopUserTasks(ctx context.Context, userID string) (int, error) {
	return s.tasks.StopAllForUser(ctx, userID)
}

// ClearSession erases the user's conversation history. Running tasks are not
// touched; only the chat context resets.
func (s *Service) ClearSession(ctx context.Context, userID string) error {
	if err := s.sessions.Clear(userID); err != nil {
		return err
	}
	if s.eventBus != nil {
		e := bus.NewEvent(events.SessionCleared, "orchestrator", map[string]interface{}{
			"user_id": userID,
		})
		if err := s.eventBus.Publish(ctx, events.SessionCleared+"."+userID, e); err != nil {
			s.logger.Warn("Failed to publish session cleared",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	s.logger.Info("Session cleared", zap.String("user_id", userID))
	return nil
}

// SessionHistory returns the user's current conversation window, oldest
// first. Unknown users have an empty window.
func (s *Service) SessionHistory(ctx context.Context, userID string) []session.Message {
	return s.sessions.Recent(userID, 0)
}

// appendHistory records a turn; history failure never fails the message.
func (s *Service) appendHistory(userID string, msg session.Message) {
	if err := s.sessions.Append(userID, msg); err != nil {
		s.logger.Warn("Failed to append session history",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) currentWorkspace(userID string) string {
	sess, ok := s.sessions.Get(userID)
	if !ok {
		return ""
	}
	return sess.CurrentWorkspace
}

func (s *Service) activeTasks(ctx context.Context, userID string) []*models.Task {
	tasks, err := s.tasks.ActiveForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to list active tasks for classifier context",
			zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return tasks
}

// recentLogLines pulls the newest activity lines of the user's most recent
// active task as log context for the classifier. No active task, no context.
func (s *Service) recentLogLines(ctx context.Context, userID string) []string {
	tasks := s.activeTasks(ctx, userID)
	if len(tasks) == 0 {
		return nil
	}
	entries, err := s.tasks.Activity(ctx, tasks[0].ID, logContextLines)
	if err != nil {
		return nil
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.Message)
	}
	return lines
}

func sessionTokens(d *dispatcher.Decision) *session.TokenUsage {
	if d.Tokens.IsZero() {
		return nil
	}
	return &session.TokenUsage{
		Input:       d.Tokens.Input,
		Output:      d.Tokens.Output,
		CacheCreate: d.Tokens.CacheCreate,
		CacheRead:   d.Tokens.CacheRead,
	}
}

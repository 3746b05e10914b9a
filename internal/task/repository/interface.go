package repository

import (
	"context"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// Repository defines the interface for durable storage operations
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTaskBySession(ctx context.Context, sessionUUID string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error)
	CountActiveTasksByUser(ctx context.Context, userID string) (int, error)
	CountTasksByState(ctx context.Context) (map[v1.TaskState]int, error)
	MaxSubmitSeq(ctx context.Context) (int64, error)

	// State transitions. MarkTaskRunning records the live subprocess;
	// FinishTask clears the pid in the same write as the terminal state.
	MarkTaskRunning(ctx context.Context, id string, pid int, branch, workspace string) error
	FinishTask(ctx context.Context, id string, state v1.TaskState, result, errMsg, errKind *string) error

	// Tool event operations. RecordStandaloneToolEnd stores a post hook that
	// matched no start; both timestamps carry the post-hook time.
	RecordToolStart(ctx context.Context, event *models.ToolEvent) (int64, error)
	CorrelateToolEnd(ctx context.Context, sessionUUID, toolName string, completedAt time.Time, window time.Duration, end models.ToolEventEnd) (*models.ToolEvent, error)
	RecordStandaloneToolEnd(ctx context.Context, event *models.ToolEvent) (int64, error)
	PromoteOrphanedToolEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	ListToolEvents(ctx context.Context, taskID string, limit int) ([]*models.ToolEvent, error)
	LastToolEventAt(ctx context.Context, taskID string) (*time.Time, error)

	// Activity log operations
	AppendActivity(ctx context.Context, taskID, message string) (*models.ActivityEntry, error)
	ListActivity(ctx context.Context, taskID string, limit int) ([]*models.ActivityEntry, error)

	// Agent status operations
	UpsertAgentStatus(ctx context.Context, status *models.AgentStatusRecord) error
	GetAgentStatus(ctx context.Context, taskID string) (*models.AgentStatusRecord, error)
	ListAgentStatuses(ctx context.Context, states []v1.AgentState) ([]*models.AgentStatusRecord, error)
	TouchAgentEvent(ctx context.Context, taskID string, at time.Time) error
	MarkAgentExited(ctx context.Context, taskID string, state v1.AgentState, exitCode *int) error

	// File index operations
	RecordFileTouch(ctx context.Context, taskID, path, toolName string, at time.Time) error
	ListFilesTouched(ctx context.Context, taskID string) ([]*models.FileIndexEntry, error)

	// User operations
	EnsureUser(ctx context.Context, id string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)

	// Close closes the repository (for database connections)
	Close() error
}

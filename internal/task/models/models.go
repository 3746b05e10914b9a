package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// Priority is the scheduling tier for a task. Lower values schedule first;
// ties break FIFO by submission order.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// String returns the API name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// ToAPI converts the priority to its API representation.
func (p Priority) ToAPI() v1.TaskPriority {
	return v1.TaskPriority(p.String())
}

// ParsePriority maps an API priority to the internal tier. Empty input means
// PriorityNormal; unrecognized values are rejected.
func ParsePriority(p v1.TaskPriority) (Priority, bool) {
	switch p {
	case v1.TaskPriorityUrgent:
		return PriorityUrgent, true
	case v1.TaskPriorityHigh:
		return PriorityHigh, true
	case v1.TaskPriorityNormal, "":
		return PriorityNormal, true
	case v1.TaskPriorityLow:
		return PriorityLow, true
	}
	return PriorityNormal, false
}

// Task represents a background agent task in the database
type Task struct {
	ID          string       `json:"id" db:"id"`
	UserID      string       `json:"user_id" db:"user_id"`
	SessionUUID string       `json:"session_uuid" db:"session_uuid"`
	Prompt      string       `json:"prompt" db:"prompt"`
	Description string       `json:"description" db:"description"`
	State       v1.TaskState `json:"state" db:"state"`
	Priority    Priority     `json:"priority" db:"priority"`
	SubmitSeq   int64        `json:"submit_seq" db:"submit_seq"`
	AgentKind   string       `json:"agent_kind" db:"agent_kind"`
	Branch      *string      `json:"branch,omitempty" db:"branch"`
	Workspace   *string      `json:"workspace,omitempty" db:"workspace"`
	PID         *int         `json:"pid,omitempty" db:"pid"`
	Result      *string      `json:"result,omitempty" db:"result"`
	Error       *string      `json:"error,omitempty" db:"error"`
	ErrorKind   *string      `json:"error_kind,omitempty" db:"error_kind"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" db:"completed_at"`

	Metadata map[string]interface{} `json:"metadata,omitempty" db:"-"`
}

// NewTask builds a pending task. The short ID is the first six characters of
// the session UUID, which identifies the task in branches, logs and the API.
func NewTask(userID, prompt, description string, priority Priority, agentKind string) *Task {
	sessionUUID := uuid.New().String()
	now := time.Now().UTC()
	return &Task{
		ID:          sessionUUID[:6],
		UserID:      userID,
		SessionUUID: sessionUUID,
		Prompt:      prompt,
		Description: description,
		State:       v1.TaskStatePending,
		Priority:    priority,
		AgentKind:   agentKind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanTransition reports whether the state machine permits from -> to.
// Terminal states permit nothing; the service layer handles idempotent stops
// before consulting this table.
func CanTransition(from, to v1.TaskState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case v1.TaskStatePending:
		switch to {
		case v1.TaskStateRunning, v1.TaskStateFailed, v1.TaskStateStopped:
			return true
		}
	case v1.TaskStateRunning:
		switch to {
		case v1.TaskStateCompleted, v1.TaskStateFailed, v1.TaskStateStopped:
			return true
		}
	}
	return false
}

// ToAPI converts internal Task to API type
func (t *Task) ToAPI() *v1.Task {
	return &v1.Task{
		ID:          t.ID,
		UserID:      t.UserID,
		SessionUUID: t.SessionUUID,
		Description: t.Description,
		State:       t.State,
		Priority:    t.Priority.ToAPI(),
		AgentKind:   t.AgentKind,
		Branch:      t.Branch,
		Workspace:   t.Workspace,
		PID:         t.PID,
		Result:      t.Result,
		Error:       t.Error,
		ErrorKind:   t.ErrorKind,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Metadata:    t.Metadata,
	}
}

// ToolPhase marks how far a tool invocation has progressed
type ToolPhase string

const (
	// ToolPhaseStarted - pre hook seen, awaiting the matching post hook
	ToolPhaseStarted ToolPhase = "started"
	// ToolPhaseCompleted - post hook correlated, or orphan promoted
	ToolPhaseCompleted ToolPhase = "completed"
)

// ErrorCategory classifies a failed tool invocation.
type ErrorCategory string

const (
	ErrorCategoryFileNotFound     ErrorCategory = "file_not_found"
	ErrorCategoryPermissionDenied ErrorCategory = "permission_denied"
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryCommandFailed    ErrorCategory = "command_failed"
	ErrorCategorySyntaxError      ErrorCategory = "syntax_error"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// TokenUsage carries the four token counters of one model call.
type TokenUsage struct {
	Input       int64 `json:"input,omitempty"`
	Output      int64 `json:"output,omitempty"`
	CacheCreate int64 `json:"cacheCreate,omitempty"`
	CacheRead   int64 `json:"cacheRead,omitempty"`
}

// IsZero reports whether all four counters are zero.
func (u TokenUsage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.CacheCreate == 0 && u.CacheRead == 0
}

// ToolEvent represents one tool invocation recorded from the hook stream.
// The pre hook creates the record; the correlated post hook (or the orphan
// sweep) fills the completion fields.
type ToolEvent struct {
	ID             int64         `json:"id" db:"id"`
	TaskID         string        `json:"task_id" db:"task_id"`
	SessionUUID    string        `json:"session_uuid" db:"session_uuid"`
	ToolName       string        `json:"tool_name" db:"tool_name"`
	FilePath       *string       `json:"file_path,omitempty" db:"file_path"`
	Detail         *string       `json:"detail,omitempty" db:"detail"`
	Phase          ToolPhase     `json:"phase" db:"phase"`
	Orphaned       bool          `json:"orphaned" db:"orphaned"`
	OutputPreview  *string       `json:"output_preview,omitempty" db:"output_preview"`
	OutputLength   *int          `json:"output_length,omitempty" db:"output_length"`
	HasError       bool          `json:"has_error" db:"has_error"`
	ErrorCategory  ErrorCategory `json:"error_category,omitempty" db:"error_category"`
	DurationMillis *float64      `json:"duration_millis,omitempty" db:"duration_millis"`
	StartedAt      time.Time     `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`

	Parameters map[string]interface{} `json:"parameters,omitempty" db:"-"`
	TokenUsage *TokenUsage            `json:"token_usage,omitempty" db:"-"`
}

// ToolEventEnd is the post-hook payload applied when a start is correlated.
type ToolEventEnd struct {
	OutputPreview  *string
	OutputLength   *int
	HasError       bool
	ErrorCategory  ErrorCategory
	DurationMillis *float64
	TokenUsage     *TokenUsage
}

// ToAPI converts internal ToolEvent to API type
func (e *ToolEvent) ToAPI() *v1.ToolEvent {
	var usage *v1.TokenUsage
	if e.TokenUsage != nil {
		usage = &v1.TokenUsage{
			Input:       e.TokenUsage.Input,
			Output:      e.TokenUsage.Output,
			CacheCreate: e.TokenUsage.CacheCreate,
			CacheRead:   e.TokenUsage.CacheRead,
		}
	}
	return &v1.ToolEvent{
		ID:             e.ID,
		TaskID:         e.TaskID,
		SessionUUID:    e.SessionUUID,
		ToolName:       e.ToolName,
		FilePath:       e.FilePath,
		Detail:         e.Detail,
		Phase:          string(e.Phase),
		Orphaned:       e.Orphaned,
		Parameters:     e.Parameters,
		OutputPreview:  e.OutputPreview,
		OutputLength:   e.OutputLength,
		HasError:       e.HasError,
		ErrorCategory:  string(e.ErrorCategory),
		DurationMillis: e.DurationMillis,
		TokenUsage:     usage,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
	}
}

// ActivityEntry is one line of a task's activity log
type ActivityEntry struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ToAPI converts internal ActivityEntry to API type
func (a *ActivityEntry) ToAPI() *v1.ActivityEntry {
	return &v1.ActivityEntry{
		ID:        a.ID,
		TaskID:    a.TaskID,
		Message:   a.Message,
		CreatedAt: a.CreatedAt,
	}
}

// AgentStatusRecord is the supervision row for one agent subprocess
type AgentStatusRecord struct {
	TaskID      string        `json:"task_id" db:"task_id"`
	SessionUUID string        `json:"session_uuid" db:"session_uuid"`
	AgentKind   string        `json:"agent_kind" db:"agent_kind"`
	PID         int           `json:"pid" db:"pid"`
	State       v1.AgentState `json:"state" db:"state"`
	StartedAt   time.Time     `json:"started_at" db:"started_at"`
	LastEventAt *time.Time    `json:"last_event_at,omitempty" db:"last_event_at"`
	ExitCode    *int          `json:"exit_code,omitempty" db:"exit_code"`
}

// ToAPI converts internal AgentStatusRecord to API type
func (r *AgentStatusRecord) ToAPI() *v1.AgentStatus {
	return &v1.AgentStatus{
		TaskID:      r.TaskID,
		SessionUUID: r.SessionUUID,
		AgentKind:   r.AgentKind,
		PID:         r.PID,
		State:       r.State,
		StartedAt:   r.StartedAt,
		LastEventAt: r.LastEventAt,
		ExitCode:    r.ExitCode,
	}
}

// User represents a chat user
type User struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Admin      bool      `json:"admin" db:"admin"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// ToAPI converts internal User to API type
func (u *User) ToAPI() *v1.User {
	return &v1.User{
		ID:         u.ID,
		Name:       u.Name,
		Admin:      u.Admin,
		CreatedAt:  u.CreatedAt,
		LastSeenAt: u.LastSeenAt,
	}
}

// FileIndexEntry tracks one file a task's agent touched
type FileIndexEntry struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Path      string    `json:"path" db:"path"`
	ToolName  string    `json:"tool_name" db:"tool_name"`
	Touches   int       `json:"touches" db:"touches"`
	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
}

func (f *FileIndexEntry) ToAPI() *v1.TouchedFile {
	return &v1.TouchedFile{
		TaskID:    f.TaskID,
		Path:      f.Path,
		ToolName:  f.ToolName,
		Touches:   f.Touches,
		FirstSeen: f.FirstSeen,
		LastSeen:  f.LastSeen,
	}
}

// NormalizeFilePath trims whitespace and collapses empty values to "".
func NormalizeFilePath(p string) string {
	return strings.TrimSpace(p)
}

// ListTasksOptions filters task listings. Zero values mean no filter.
type ListTasksOptions struct {
	UserID string
	States []v1.TaskState
	Limit  int
}

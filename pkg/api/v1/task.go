package v1

import "time"

// TaskState represents the lifecycle state of a background task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateStopped   TaskState = "stopped"
)

// Terminal returns true when no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateStopped:
		return true
	}
	return false
}

// TaskPriority is the scheduling tier for a task. Lower values schedule first.
type TaskPriority string

const (
	TaskPriorityUrgent TaskPriority = "urgent"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityNormal TaskPriority = "normal"
	TaskPriorityLow    TaskPriority = "low"
)

// Task represents a background agent task
type Task struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	SessionUUID string                 `json:"session_uuid"`
	Description string                 `json:"description"`
	State       TaskState              `json:"state"`
	Priority    TaskPriority           `json:"priority"`
	AgentKind   string                 `json:"agent_kind"`
	Branch      *string                `json:"branch,omitempty"`
	Workspace   *string                `json:"workspace,omitempty"`
	PID         *int                   `json:"pid,omitempty"`
	Result      *string                `json:"result,omitempty"`
	Error       *string                `json:"error,omitempty"`
	ErrorKind   *string                `json:"error_kind,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ListTasksResponse wraps a task listing
type ListTasksResponse struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}

// StopTaskResponse confirms a stop request
type StopTaskResponse struct {
	TaskID  string    `json:"task_id"`
	State   TaskState `json:"state"`
	Stopped bool      `json:"stopped"`
}

// StopAllTasksResponse confirms a bulk stop for one user
type StopAllTasksResponse struct {
	UserID  string `json:"user_id"`
	Stopped int    `json:"stopped"`
}

// ActivityEntry is one line of the task's activity log
type ActivityEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenUsage carries the token counters reported by a model call
type TokenUsage struct {
	Input       int64 `json:"input,omitempty"`
	Output      int64 `json:"output,omitempty"`
	CacheCreate int64 `json:"cacheCreate,omitempty"`
	CacheRead   int64 `json:"cacheRead,omitempty"`
}

// ToolEvent is one recorded tool invocation from the agent's hook stream
type ToolEvent struct {
	ID             int64                  `json:"id"`
	TaskID         string                 `json:"task_id"`
	SessionUUID    string                 `json:"session_uuid"`
	ToolName       string                 `json:"tool_name"`
	FilePath       *string                `json:"file_path,omitempty"`
	Detail         *string                `json:"detail,omitempty"`
	Phase          string                 `json:"phase"`
	Orphaned       bool                   `json:"orphaned"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	OutputPreview  *string                `json:"output_preview,omitempty"`
	OutputLength   *int                   `json:"output_length,omitempty"`
	HasError       bool                   `json:"has_error"`
	ErrorCategory  string                 `json:"error_category,omitempty"`
	DurationMillis *float64               `json:"duration_millis,omitempty"`
	TokenUsage     *TokenUsage            `json:"token_usage,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ListToolEventsResponse wraps a tool event listing
type ListToolEventsResponse struct {
	Events []ToolEvent `json:"events"`
	Total  int         `json:"total"`
}

// TouchedFile is one file a task's agent has read or modified, aggregated
// across the tool events that mentioned it
type TouchedFile struct {
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	ToolName  string    `json:"tool_name"`
	Touches   int       `json:"touches"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ListFilesResponse wraps a touched-file listing
type ListFilesResponse struct {
	Files []TouchedFile `json:"files"`
	Total int           `json:"total"`
}

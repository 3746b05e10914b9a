package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// MemoryRepository provides in-memory storage operations. It mirrors the
// SQLite repository's transition guards so service tests exercise the same
// failure paths without a database file.
type MemoryRepository struct {
	tasks       map[string]*models.Task
	toolEvents  []*models.ToolEvent
	nextEventID int64
	activity    []*models.ActivityEntry
	nextActID   int64
	agents      map[string]*models.AgentStatusRecord
	files       map[string]map[string]*models.FileIndexEntry
	nextFileID  int64
	users       map[string]*models.User
	mu          sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:  make(map[string]*models.Task),
		agents: make(map[string]*models.AgentStatusRecord),
		files:  make(map[string]map[string]*models.FileIndexEntry),
		users:  make(map[string]*models.User),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	return &c
}

func cloneToolEvent(e *models.ToolEvent) *models.ToolEvent {
	c := *e
	if e.Parameters != nil {
		params := make(map[string]interface{}, len(e.Parameters))
		for k, v := range e.Parameters {
			params[k] = v
		}
		c.Parameters = params
	}
	if e.TokenUsage != nil {
		usage := *e.TokenUsage
		c.TokenUsage = &usage
	}
	return &c
}

// Task operations

// CreateTask creates a new task
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("task already exists: %s", task.ID)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return cloneTask(task), nil
}

// GetTaskBySession retrieves a task by its agent session UUID
func (r *MemoryRepository) GetTaskBySession(ctx context.Context, sessionUUID string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, task := range r.tasks {
		if task.SessionUUID == sessionUUID {
			return cloneTask(task), nil
		}
	}
	return nil, fmt.Errorf("%w: session %s", models.ErrTaskNotFound, sessionUUID)
}

// UpdateTask updates an existing task
func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

// ListTasks returns tasks matching the options, newest first
func (r *MemoryRepository) ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if opts.UserID != "" && task.UserID != opts.UserID {
			continue
		}
		if len(opts.States) > 0 && !containsState(opts.States, task.State) {
			continue
		}
		result = append(result, cloneTask(task))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].SubmitSeq > result[j].SubmitSeq
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func containsState(states []v1.TaskState, state v1.TaskState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// CountActiveTasksByUser counts a user's pending and running tasks
func (r *MemoryRepository) CountActiveTasksByUser(ctx context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, task := range r.tasks {
		if task.UserID == userID && (task.State == v1.TaskStatePending || task.State == v1.TaskStateRunning) {
			count++
		}
	}
	return count, nil
}

// CountTasksByState counts tasks grouped by lifecycle state
func (r *MemoryRepository) CountTasksByState(ctx context.Context) (map[v1.TaskState]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[v1.TaskState]int)
	for _, task := range r.tasks {
		counts[task.State]++
	}
	return counts, nil
}

// MaxSubmitSeq returns the highest submission sequence persisted
func (r *MemoryRepository) MaxSubmitSeq(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var max int64
	for _, task := range r.tasks {
		if task.SubmitSeq > max {
			max = task.SubmitSeq
		}
	}
	return max, nil
}

// MarkTaskRunning transitions pending -> running with the subprocess pid
func (r *MemoryRepository) MarkTaskRunning(ctx context.Context, id string, pid int, branch, workspace string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if task.State != v1.TaskStatePending {
		return fmt.Errorf("%w: %s cannot move from %s to %s", models.ErrInvalidTransition, id, task.State, v1.TaskStateRunning)
	}
	now := time.Now().UTC()
	task.State = v1.TaskStateRunning
	task.PID = &pid
	task.Branch = &branch
	task.Workspace = &workspace
	task.StartedAt = &now
	task.UpdatedAt = now
	return nil
}

// FinishTask transitions an active task to a terminal state, clearing the pid
func (r *MemoryRepository) FinishTask(ctx context.Context, id string, state v1.TaskState, result, errMsg, errKind *string) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", models.ErrInvalidTransition, state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if task.State != v1.TaskStatePending && task.State != v1.TaskStateRunning {
		return fmt.Errorf("%w: %s cannot move from %s to %s", models.ErrInvalidTransition, id, task.State, state)
	}
	now := time.Now().UTC()
	task.State = state
	task.Result = result
	task.Error = errMsg
	task.ErrorKind = errKind
	task.PID = nil
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

// Tool event operations

// RecordToolStart records a started tool invocation
func (r *MemoryRepository) RecordToolStart(ctx context.Context, event *models.ToolEvent) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.StartedAt.IsZero() {
		event.StartedAt = time.Now().UTC()
	}
	event.Phase = models.ToolPhaseStarted
	event.Orphaned = false
	r.nextEventID++
	event.ID = r.nextEventID
	r.toolEvents = append(r.toolEvents, cloneToolEvent(event))
	return event.ID, nil
}

// CorrelateToolEnd completes the newest matching started event inside the window
func (r *MemoryRepository) CorrelateToolEnd(ctx context.Context, sessionUUID, toolName string, completedAt time.Time, window time.Duration, end models.ToolEventEnd) (*models.ToolEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := completedAt.Add(-window)
	var match *models.ToolEvent
	for _, event := range r.toolEvents {
		if event.SessionUUID != sessionUUID || event.ToolName != toolName {
			continue
		}
		if event.Phase != models.ToolPhaseStarted || event.StartedAt.Before(cutoff) {
			continue
		}
		if match == nil || event.StartedAt.After(match.StartedAt) {
			match = event
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: session %s tool %s", models.ErrNoMatchingToolStart, sessionUUID, toolName)
	}
	match.Phase = models.ToolPhaseCompleted
	completed := completedAt
	match.CompletedAt = &completed
	match.OutputPreview = end.OutputPreview
	match.OutputLength = end.OutputLength
	match.HasError = end.HasError
	match.ErrorCategory = end.ErrorCategory
	match.DurationMillis = end.DurationMillis
	if end.TokenUsage != nil {
		usage := *end.TokenUsage
		match.TokenUsage = &usage
	}
	return cloneToolEvent(match), nil
}

// RecordStandaloneToolEnd stores an already-completed event for a post hook
// that matched no start
func (r *MemoryRepository) RecordStandaloneToolEnd(ctx context.Context, event *models.ToolEvent) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.CompletedAt == nil {
		now := time.Now().UTC()
		event.CompletedAt = &now
	}
	event.StartedAt = *event.CompletedAt
	event.Phase = models.ToolPhaseCompleted
	event.Orphaned = false
	r.nextEventID++
	event.ID = r.nextEventID
	r.toolEvents = append(r.toolEvents, cloneToolEvent(event))
	return event.ID, nil
}

// PromoteOrphanedToolEvents completes started events older than the threshold
func (r *MemoryRepository) PromoteOrphanedToolEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var promoted int64
	for _, event := range r.toolEvents {
		if event.Phase == models.ToolPhaseStarted && event.StartedAt.Before(cutoff) {
			event.Phase = models.ToolPhaseCompleted
			event.Orphaned = true
			event.HasError = true
			event.ErrorCategory = models.ErrorCategoryUnknown
			promoted++
		}
	}
	return promoted, nil
}

// ListToolEvents returns a task's tool events, newest first
func (r *MemoryRepository) ListToolEvents(ctx context.Context, taskID string, limit int) ([]*models.ToolEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.ToolEvent
	for _, event := range r.toolEvents {
		if event.TaskID == taskID {
			result = append(result, cloneToolEvent(event))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// LastToolEventAt returns the most recent tool activity time for a task
func (r *MemoryRepository) LastToolEventAt(ctx context.Context, taskID string) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *time.Time
	for _, event := range r.toolEvents {
		if event.TaskID != taskID {
			continue
		}
		at := event.StartedAt
		if event.CompletedAt != nil {
			at = *event.CompletedAt
		}
		if last == nil || at.After(*last) {
			t := at
			last = &t
		}
	}
	return last, nil
}

// Activity log operations

// AppendActivity adds a progress line to a task's activity log
func (r *MemoryRepository) AppendActivity(ctx context.Context, taskID, message string) (*models.ActivityEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextActID++
	entry := &models.ActivityEntry{
		ID:        r.nextActID,
		TaskID:    taskID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	r.activity = append(r.activity, entry)
	c := *entry
	return &c, nil
}

// ListActivity returns a task's activity log, oldest first
func (r *MemoryRepository) ListActivity(ctx context.Context, taskID string, limit int) ([]*models.ActivityEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.ActivityEntry
	for _, entry := range r.activity {
		if entry.TaskID == taskID {
			c := *entry
			result = append(result, &c)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Agent status operations

// UpsertAgentStatus inserts or replaces the supervision row for a task
func (r *MemoryRepository) UpsertAgentStatus(ctx context.Context, status *models.AgentStatusRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status.StartedAt.IsZero() {
		status.StartedAt = time.Now().UTC()
	}
	c := *status
	r.agents[status.TaskID] = &c
	return nil
}

// GetAgentStatus returns the supervision row for a task
func (r *MemoryRepository) GetAgentStatus(ctx context.Context, taskID string) (*models.AgentStatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, ok := r.agents[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentStatusNotFound, taskID)
	}
	c := *status
	return &c, nil
}

// ListAgentStatuses returns supervision rows, optionally filtered by state
func (r *MemoryRepository) ListAgentStatuses(ctx context.Context, states []v1.AgentState) ([]*models.AgentStatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.AgentStatusRecord
	for _, status := range r.agents {
		if len(states) > 0 && !containsAgentState(states, status.State) {
			continue
		}
		c := *status
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func containsAgentState(states []v1.AgentState, state v1.AgentState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// TouchAgentEvent bumps last_event_at for a task's agent
func (r *MemoryRepository) TouchAgentEvent(ctx context.Context, taskID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.agents[taskID]
	if !ok {
		return nil
	}
	t := at
	status.LastEventAt = &t
	if status.State == v1.AgentStateStarting {
		status.State = v1.AgentStateRunning
	}
	return nil
}

// MarkAgentExited records subprocess termination
func (r *MemoryRepository) MarkAgentExited(ctx context.Context, taskID string, state v1.AgentState, exitCode *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.agents[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAgentStatusNotFound, taskID)
	}
	status.State = state
	status.ExitCode = exitCode
	return nil
}

// File index operations

// RecordFileTouch upserts the per-task file index row for a path
func (r *MemoryRepository) RecordFileTouch(ctx context.Context, taskID, path, toolName string, at time.Time) error {
	path = models.NormalizeFilePath(path)
	if path == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byPath, ok := r.files[taskID]
	if !ok {
		byPath = make(map[string]*models.FileIndexEntry)
		r.files[taskID] = byPath
	}
	if entry, ok := byPath[path]; ok {
		entry.Touches++
		entry.ToolName = toolName
		entry.LastSeen = at
		return nil
	}
	r.nextFileID++
	byPath[path] = &models.FileIndexEntry{
		ID:        r.nextFileID,
		TaskID:    taskID,
		Path:      path,
		ToolName:  toolName,
		Touches:   1,
		FirstSeen: at,
		LastSeen:  at,
	}
	return nil
}

// ListFilesTouched returns a task's file index ordered by most recently seen
func (r *MemoryRepository) ListFilesTouched(ctx context.Context, taskID string) ([]*models.FileIndexEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.FileIndexEntry
	for _, entry := range r.files[taskID] {
		c := *entry
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastSeen.Equal(result[j].LastSeen) {
			return result[i].LastSeen.After(result[j].LastSeen)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// User operations

// EnsureUser creates the user row on first contact and bumps last_seen_at
func (r *MemoryRepository) EnsureUser(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	user, ok := r.users[id]
	if !ok {
		user = &models.User{
			ID:        id,
			Name:      id,
			CreatedAt: now,
		}
		r.users[id] = user
	}
	user.LastSeenAt = now
	c := *user
	return &c, nil
}

// GetUser returns a user by ID
func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	c := *user
	return &c, nil
}

// ListUsers returns all known users ordered by first contact
func (r *MemoryRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.User, 0, len(r.users))
	for _, user := range r.users {
		c := *user
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

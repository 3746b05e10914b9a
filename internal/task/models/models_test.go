package models

import (
	"testing"
	"time"

	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

func TestTaskStateConstants(t *testing.T) {
	tests := []struct {
		name     string
		state    v1.TaskState
		expected string
	}{
		{"pending state", v1.TaskStatePending, "pending"},
		{"running state", v1.TaskStateRunning, "running"},
		{"completed state", v1.TaskStateCompleted, "completed"},
		{"failed state", v1.TaskStateFailed, "failed"},
		{"stopped state", v1.TaskStateStopped, "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.state) != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, string(tt.state))
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	terminal := []v1.TaskState{v1.TaskStateCompleted, v1.TaskStateFailed, v1.TaskStateStopped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	active := []v1.TaskState{v1.TaskStatePending, v1.TaskStateRunning}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    v1.TaskState
		to      v1.TaskState
		allowed bool
	}{
		{"pending to running", v1.TaskStatePending, v1.TaskStateRunning, true},
		{"pending to failed", v1.TaskStatePending, v1.TaskStateFailed, true},
		{"pending to stopped", v1.TaskStatePending, v1.TaskStateStopped, true},
		{"pending to completed", v1.TaskStatePending, v1.TaskStateCompleted, false},
		{"running to completed", v1.TaskStateRunning, v1.TaskStateCompleted, true},
		{"running to failed", v1.TaskStateRunning, v1.TaskStateFailed, true},
		{"running to stopped", v1.TaskStateRunning, v1.TaskStateStopped, true},
		{"running to pending", v1.TaskStateRunning, v1.TaskStatePending, false},
		{"completed is terminal", v1.TaskStateCompleted, v1.TaskStateRunning, false},
		{"failed is terminal", v1.TaskStateFailed, v1.TaskStateStopped, false},
		{"stopped is terminal", v1.TaskStateStopped, v1.TaskStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   v1.TaskPriority
		want Priority
		ok   bool
	}{
		{v1.TaskPriorityUrgent, PriorityUrgent, true},
		{v1.TaskPriorityHigh, PriorityHigh, true},
		{v1.TaskPriorityNormal, PriorityNormal, true},
		{v1.TaskPriorityLow, PriorityLow, true},
		{"", PriorityNormal, true},
		{"critical", PriorityNormal, false},
	}

	for _, tt := range tests {
		got, ok := ParsePriority(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParsePriority(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityUrgent < PriorityHigh && PriorityHigh < PriorityNormal && PriorityNormal < PriorityLow) {
		t.Error("expected urgent < high < normal < low")
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask("user-1", "fix the login bug", "Fix login redirect loop", PriorityHigh, "coder")

	if len(task.ID) != 6 {
		t.Errorf("expected 6-character task ID, got %q", task.ID)
	}
	if len(task.SessionUUID) != 36 {
		t.Errorf("expected UUID session, got %q", task.SessionUUID)
	}
	if task.SessionUUID[:6] != task.ID {
		t.Errorf("expected ID to be the session UUID prefix, got id=%q session=%q", task.ID, task.SessionUUID)
	}
	if task.State != v1.TaskStatePending {
		t.Errorf("expected pending state, got %s", task.State)
	}
	if task.Priority != PriorityHigh {
		t.Errorf("expected high priority, got %v", task.Priority)
	}
	if task.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", task.UserID)
	}
	if task.Prompt != "fix the login bug" {
		t.Errorf("unexpected prompt %q", task.Prompt)
	}
	if task.AgentKind != "coder" {
		t.Errorf("expected coder agent, got %s", task.AgentKind)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	// IDs are unique across tasks.
	other := NewTask("user-1", "another", "another", PriorityNormal, "coder")
	if other.SessionUUID == task.SessionUUID {
		t.Error("expected distinct session UUIDs")
	}
}

func TestTaskToAPI(t *testing.T) {
	now := time.Now().UTC()
	branch := "task/abc123"
	workspace := "/tmp/amiga/worktrees/abc123"
	pid := 4242
	result := "done"

	task := &Task{
		ID:          "abc123",
		UserID:      "user-1",
		SessionUUID: "abc123de-0000-0000-0000-000000000000",
		Prompt:      "fix it",
		Description: "Fix the thing",
		State:       v1.TaskStateRunning,
		Priority:    PriorityUrgent,
		AgentKind:   "coder",
		Branch:      &branch,
		Workspace:   &workspace,
		PID:         &pid,
		Result:      &result,
		Metadata:    map[string]interface{}{"key": "value"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	apiTask := task.ToAPI()

	if apiTask.ID != task.ID {
		t.Errorf("expected ID %s, got %s", task.ID, apiTask.ID)
	}
	if apiTask.UserID != task.UserID {
		t.Errorf("expected UserID %s, got %s", task.UserID, apiTask.UserID)
	}
	if apiTask.State != v1.TaskStateRunning {
		t.Errorf("expected running, got %s", apiTask.State)
	}
	if apiTask.Priority != v1.TaskPriorityUrgent {
		t.Errorf("expected urgent, got %s", apiTask.Priority)
	}
	if apiTask.Branch == nil || *apiTask.Branch != branch {
		t.Errorf("expected branch %s, got %v", branch, apiTask.Branch)
	}
	if apiTask.PID == nil || *apiTask.PID != pid {
		t.Errorf("expected pid %d, got %v", pid, apiTask.PID)
	}
	if apiTask.Metadata["key"] != "value" {
		t.Errorf("expected metadata key 'value', got %v", apiTask.Metadata["key"])
	}
}

func TestToolEventToAPI(t *testing.T) {
	now := time.Now().UTC()
	later := now.Add(2 * time.Second)
	path := "src/auth/login.go"

	event := &ToolEvent{
		ID:          7,
		TaskID:      "abc123",
		SessionUUID: "abc123de-0000-0000-0000-000000000000",
		ToolName:    "Edit",
		FilePath:    &path,
		Phase:       ToolPhaseCompleted,
		StartedAt:   now,
		CompletedAt: &later,
	}

	api := event.ToAPI()
	if api.ID != 7 || api.ToolName != "Edit" {
		t.Errorf("unexpected conversion: %+v", api)
	}
	if api.Phase != "completed" {
		t.Errorf("expected completed phase, got %s", api.Phase)
	}
	if api.FilePath == nil || *api.FilePath != path {
		t.Errorf("expected file path %s, got %v", path, api.FilePath)
	}
	if api.Orphaned {
		t.Error("expected orphaned false")
	}
}

func TestNormalizeFilePath(t *testing.T) {
	if got := NormalizeFilePath("  a/b.go \n"); got != "a/b.go" {
		t.Errorf("expected trimmed path, got %q", got)
	}
	if got := NormalizeFilePath("   "); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

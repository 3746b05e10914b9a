package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/common/apierr"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator"
	"github.com/mjfuentes/amiga-sub003/internal/session"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

func testTask(id, userID string, state v1.TaskState) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:          id,
		UserID:      userID,
		SessionUUID: id + "-session",
		Prompt:      "do the thing",
		Description: "a background task",
		State:       state,
		Priority:    models.PriorityNormal,
		AgentKind:   "claude-code",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

type fakeTasks struct {
	tasks  map[string]*models.Task
	events map[string][]*models.ToolEvent
	log    map[string][]*models.ActivityEntry
	files  map[string][]*models.FileIndexEntry
	posted []string
}

func newFakeTasks(tasks ...*models.Task) *fakeTasks {
	f := &fakeTasks{
		tasks:  make(map[string]*models.Task),
		events: make(map[string][]*models.ToolEvent),
		log:    make(map[string][]*models.ActivityEntry),
		files:  make(map[string][]*models.FileIndexEntry),
	}
	for _, task := range tasks {
		f.tasks[task.ID] = task
	}
	return f
}

func (f *fakeTasks) Get(ctx context.Context, id string) (*models.Task, error) {
	if task, ok := f.tasks[id]; ok {
		return task, nil
	}
	return nil, apierr.New(apierr.KindNotFound, "task not found")
}

func (f *fakeTasks) List(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error) {
	var out []*models.Task
	for _, task := range f.tasks {
		if opts.UserID != "" && task.UserID != opts.UserID {
			continue
		}
		if len(opts.States) > 0 {
			match := false
			for _, s := range opts.States {
				if task.State == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeTasks) ToolEvents(ctx context.Context, taskID string, limit int) ([]*models.ToolEvent, error) {
	if _, err := f.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return f.events[taskID], nil
}

func (f *fakeTasks) Activity(ctx context.Context, taskID string, limit int) ([]*models.ActivityEntry, error) {
	if _, err := f.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return f.log[taskID], nil
}

func (f *fakeTasks) FilesTouched(ctx context.Context, taskID string) ([]*models.FileIndexEntry, error) {
	if _, err := f.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return f.files[taskID], nil
}

func (f *fakeTasks) PostActivity(ctx context.Context, taskID, message string) (*models.ActivityEntry, error) {
	if _, err := f.Get(ctx, taskID); err != nil {
		return nil, err
	}
	entry := &models.ActivityEntry{
		ID:        int64(len(f.posted) + 1),
		TaskID:    taskID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	f.posted = append(f.posted, message)
	f.log[taskID] = append(f.log[taskID], entry)
	return entry, nil
}

type fakeStopper struct {
	tasks   *fakeTasks
	stopped []string
}

func (f *fakeStopper) StopTask(ctx context.Context, taskID string) error {
	task, ok := f.tasks.tasks[taskID]
	if !ok {
		return apierr.New(apierr.KindNotFound, "task not found")
	}
	f.stopped = append(f.stopped, taskID)
	if !task.State.Terminal() {
		task.State = v1.TaskStateStopped
	}
	return nil
}

func (f *fakeStopper) StopUserTasks(ctx context.Context, userID string) (int, error) {
	count := 0
	for _, task := range f.tasks.tasks {
		if task.UserID == userID && !task.State.Terminal() {
			task.State = v1.TaskStateStopped
			count++
		}
	}
	return count, nil
}

func TestListTasksFilters(t *testing.T) {
	tasks := newFakeTasks(
		testTask("aaa111", "alice", v1.TaskStateRunning),
		testTask("bbb222", "alice", v1.TaskStateCompleted),
		testTask("ccc333", "bob", v1.TaskStateRunning),
	)
	router := newRouter()
	RegisterTaskRoutes(router, tasks, &fakeStopper{tasks: tasks}, newTestLogger(t))

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.ListTasksResponse
	decode(t, w, &resp)
	if resp.Total != 2 {
		t.Errorf("expected 2 alice tasks, got %d", resp.Total)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks?state=running", nil)
	decode(t, w, &resp)
	if resp.Total != 2 {
		t.Errorf("expected 2 running tasks, got %d", resp.Total)
	}
	for _, task := range resp.Tasks {
		if task.State != v1.TaskStateRunning {
			t.Errorf("unexpected state %s in filtered listing", task.State)
		}
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks?state=sideways", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid state, got %d", w.Code)
	}
}

func TestGetTask(t *testing.T) {
	tasks := newFakeTasks(testTask("aaa111", "alice", v1.TaskStateRunning))
	router := newRouter()
	RegisterTaskRoutes(router, tasks, &fakeStopper{tasks: tasks}, newTestLogger(t))

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/aaa111", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var task v1.Task
	decode(t, w, &task)
	if task.ID != "aaa111" || task.UserID != "alice" {
		t.Errorf("unexpected task: %+v", task)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/zzz999", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	var errResp v1.ErrorResponse
	decode(t, w, &errResp)
	if errResp.Kind != "not_found" {
		t.Errorf("expected kind not_found, got %s", errResp.Kind)
	}
}

func TestListToolEvents(t *testing.T) {
	tasks := newFakeTasks(testTask("aaa111", "alice", v1.TaskStateRunning))
	path := "/srv/repo/main.go"
	tasks.events["aaa111"] = []*models.ToolEvent{
		{ID: 1, TaskID: "aaa111", ToolName: "Edit", FilePath: &path, Phase: models.ToolPhaseCompleted},
	}
	router := newRouter()
	RegisterTaskRoutes(router, tasks, &fakeStopper{tasks: tasks}, newTestLogger(t))

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/aaa111/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.ListToolEventsResponse
	decode(t, w, &resp)
	if resp.Total != 1 || resp.Events[0].ToolName != "Edit" {
		t.Errorf("unexpected events: %+v", resp)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/zzz999/events", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListFilesTouched(t *testing.T) {
	tasks := newFakeTasks(testTask("aaa111", "alice", v1.TaskStateRunning))
	now := time.Now().UTC()
	tasks.files["aaa111"] = []*models.FileIndexEntry{
		{ID: 2, TaskID: "aaa111", Path: "/srv/repo/main.go", ToolName: "Edit", Touches: 3, FirstSeen: now, LastSeen: now.Add(time.Minute)},
		{ID: 1, TaskID: "aaa111", Path: "/srv/repo/util.go", ToolName: "Read", Touches: 1, FirstSeen: now, LastSeen: now},
	}
	router := newRouter()
	RegisterTaskRoutes(router, tasks, &fakeStopper{tasks: tasks}, newTestLogger(t))

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/aaa111/files", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.ListFilesResponse
	decode(t, w, &resp)
	if resp.Total != 2 {
		t.Fatalf("expected 2 files, got %d", resp.Total)
	}
	if resp.Files[0].Path != "/srv/repo/main.go" || resp.Files[0].Touches != 3 {
		t.Errorf("unexpected first file: %+v", resp.Files[0])
	}
	if resp.Files[1].ToolName != "Read" {
		t.Errorf("unexpected second file: %+v", resp.Files[1])
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/zzz999/files", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStopTask(t *testing.T) {
	tasks := newFakeTasks(testTask("aaa111", "alice", v1.TaskStateRunning))
	stopper := &fakeStopper{tasks: tasks}
	router := newRouter()
	RegisterTaskRoutes(router, tasks, stopper, newTestLogger(t))

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/aaa111/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.StopTaskResponse
	decode(t, w, &resp)
	if !resp.Stopped || resp.State != v1.TaskStateStopped {
		t.Errorf("unexpected stop response: %+v", resp)
	}

	// A second stop confirms the terminal state without error.
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/aaa111/stop", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected idempotent stop to return 200, got %d", w.Code)
	}
}

func TestStopTaskAlreadyCompleted(t *testing.T) {
	tasks := newFakeTasks(testTask("aaa111", "alice", v1.TaskStateCompleted))
	router := newRouter()
	RegisterTaskRoutes(router, tasks, &fakeStopper{tasks: tasks}, newTestLogger(t))

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/aaa111/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.StopTaskResponse
	decode(t, w, &resp)
	if resp.Stopped || resp.State != v1.TaskStateCompleted {
		t.Errorf("completed task should report its state unchanged: %+v", resp)
	}
}

func TestStopUserTasks(t *testing.T) {
	tasks := newFakeTasks(
		testTask("aaa111", "alice", v1.TaskStateRunning),
		testTask("bbb222", "alice", v1.TaskStatePending),
		testTask("ccc333", "alice", v1.TaskStateCompleted),
		testTask("ddd444", "bob", v1.TaskStateRunning),
	)
	router := newRouter()
	RegisterTaskRoutes(router, tasks, &fakeStopper{tasks: tasks}, newTestLogger(t))

	w := doJSON(t, router, http.MethodPost, "/api/v1/users/alice/tasks/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.StopAllTasksResponse
	decode(t, w, &resp)
	if resp.UserID != "alice" || resp.Stopped != 2 {
		t.Errorf("expected 2 stopped for alice, got %+v", resp)
	}
	if tasks.tasks["ddd444"].State != v1.TaskStateRunning {
		t.Error("bob's task must not be touched")
	}
}

func TestPostActivity(t *testing.T) {
	tasks := newFakeTasks(testTask("aaa111", "alice", v1.TaskStateRunning))
	router := newRouter()
	RegisterInternalRoutes(router, tasks, newTestLogger(t))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/v1/tasks/aaa111/activity", strings.NewReader(body))
		req.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := post("analyzing the failing test")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entry v1.ActivityEntry
	decode(t, w, &entry)
	if entry.TaskID != "aaa111" || entry.Message != "analyzing the failing test" {
		t.Errorf("unexpected entry: %+v", entry)
	}

	if w := post("   "); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty message, got %d", w.Code)
	}
	if w := post(strings.Repeat("x", 1025)); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized message, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/tasks/zzz999/activity", strings.NewReader("hi"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", w.Code)
	}
}

type fakeSessions struct {
	cleared []string
	history map[string][]session.Message
	err     error
}

func (f *fakeSessions) ClearSession(ctx context.Context, userID string) error {
	f.cleared = append(f.cleared, userID)
	return f.err
}

func (f *fakeSessions) SessionHistory(ctx context.Context, userID string) []session.Message {
	return f.history[userID]
}

func TestGetSession(t *testing.T) {
	sessions := &fakeSessions{history: map[string][]session.Message{
		"alice": {
			{Role: session.RoleUser, Content: "what broke?"},
			{Role: session.RoleAssistant, Content: "the flaky watcher test"},
		},
	}}
	router := newRouter()
	RegisterSessionRoutes(router, sessions, newTestLogger(t))

	w := doJSON(t, router, http.MethodGet, "/api/v1/users/alice/session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.SessionResponse
	decode(t, w, &resp)
	if resp.UserID != "alice" || len(resp.Messages) != 2 {
		t.Fatalf("unexpected session: %+v", resp)
	}
	if resp.Messages[0].Role != session.RoleUser || resp.Messages[1].Content != "the flaky watcher test" {
		t.Errorf("unexpected messages: %+v", resp.Messages)
	}

	// Unknown users get an empty window, not an error.
	w = doJSON(t, router, http.MethodGet, "/api/v1/users/ghost/session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown user, got %d", w.Code)
	}
	decode(t, w, &resp)
	if len(resp.Messages) != 0 {
		t.Errorf("expected empty window, got %+v", resp.Messages)
	}
}

type fakeUsers struct {
	users []*models.User
	err   error
}

func (f *fakeUsers) Users(ctx context.Context) ([]*models.User, error) {
	return f.users, f.err
}

func TestListUsers(t *testing.T) {
	now := time.Now().UTC()
	users := &fakeUsers{users: []*models.User{
		{ID: "alice", Admin: true, CreatedAt: now, LastSeenAt: now},
		{ID: "bob", CreatedAt: now, LastSeenAt: now},
	}}
	router := newRouter()
	RegisterUserRoutes(router, users, newTestLogger(t))

	w := doJSON(t, router, http.MethodGet, "/api/v1/users", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.ListUsersResponse
	decode(t, w, &resp)
	if resp.Total != 2 || len(resp.Users) != 2 {
		t.Fatalf("unexpected listing: %+v", resp)
	}
	if resp.Users[0].ID != "alice" || !resp.Users[0].Admin {
		t.Errorf("unexpected first user: %+v", resp.Users[0])
	}
	if resp.Users[1].ID != "bob" || resp.Users[1].Admin {
		t.Errorf("unexpected second user: %+v", resp.Users[1])
	}
}

func TestClearSession(t *testing.T) {
	clearer := &fakeSessions{}
	router := newRouter()
	RegisterSessionRoutes(router, clearer, newTestLogger(t))

	w := doJSON(t, router, http.MethodDelete, "/api/v1/users/alice/session", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(clearer.cleared) != 1 || clearer.cleared[0] != "alice" {
		t.Errorf("unexpected clears: %v", clearer.cleared)
	}

	// Clearing again stays idempotent at the edge.
	w = doJSON(t, router, http.MethodDelete, "/api/v1/users/alice/session", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected repeat clear to return 204, got %d", w.Code)
	}
}

type fakeStatus struct {
	status *orchestrator.Status
}

func (f *fakeStatus) GetStatus() *orchestrator.Status { return f.status }

func TestHealth(t *testing.T) {
	router := newRouter()
	RegisterHealthRoutes(router, &fakeStatus{status: &orchestrator.Status{Running: true}})

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("expected ok, got %v", body["status"])
	}

	router = newRouter()
	RegisterHealthRoutes(router, &fakeStatus{status: &orchestrator.Status{Running: false}})
	w = doJSON(t, router, http.MethodGet, "/health", nil)
	decode(t, w, &body)
	if body["status"] != "degraded" {
		t.Errorf("expected degraded when orchestrator stopped, got %v", body["status"])
	}
}

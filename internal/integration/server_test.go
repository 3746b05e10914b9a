// Package integration exercises the assembled amiga service end to end:
// real SQLite storage, real git worktrees, shell-script agents and a
// scripted routing model behind the public HTTP and WebSocket surfaces.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/cost"
	"github.com/mjfuentes/amiga-sub003/internal/db"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	gateways "github.com/mjfuentes/amiga-sub003/internal/gateway/websocket"
	"github.com/mjfuentes/amiga-sub003/internal/hooks"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/dispatcher"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/pool"
	"github.com/mjfuentes/amiga-sub003/internal/ratelimit"
	"github.com/mjfuentes/amiga-sub003/internal/runner"
	"github.com/mjfuentes/amiga-sub003/internal/session"
	taskhandlers "github.com/mjfuentes/amiga-sub003/internal/task/handlers"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	"github.com/mjfuentes/amiga-sub003/internal/task/repository"
	taskservice "github.com/mjfuentes/amiga-sub003/internal/task/service"
	"github.com/mjfuentes/amiga-sub003/internal/worktree"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

const (
	// routingModel is what the scripted small LM reports for its replies.
	routingModel = "claude-3-5-haiku-20241022"

	// agentModel prices hook-stream tokens when the task metadata names none.
	agentModel = "claude-sonnet-4"
)

// scriptedLM is a SmallLM that replays queued replies in order and records
// the turns each call received. With nothing queued it answers with a fixed
// line so stray classifier calls cannot hang a test.
type scriptedLM struct {
	mu      sync.Mutex
	replies []*dispatcher.Reply
	calls   [][]dispatcher.Turn
}

func (f *scriptedLM) queue(reply *dispatcher.Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
}

func (f *scriptedLM) queueAnswer(text string) {
	f.queue(&dispatcher.Reply{Text: text, Model: routingModel})
}

func (f *scriptedLM) queueTask(description, reply string) {
	f.queue(&dispatcher.Reply{
		Text:  fmt.Sprintf("BACKGROUND_TASK|%s|%s", description, reply),
		Model: routingModel,
	})
}

func (f *scriptedLM) Complete(_ context.Context, _ string, turns []dispatcher.Turn) (*dispatcher.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, turns)
	if len(f.replies) == 0 {
		return &dispatcher.Reply{Text: "Nothing queued for that.", Model: routingModel}, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

// lastCall returns the turns of the most recent Complete call.
func (f *scriptedLM) lastCall() []dispatcher.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// serverOptions tunes the stack for one test. Zero values give two workers,
// the default rate limits, no budget caps and a stall fence far beyond any
// test's runtime.
type serverOptions struct {
	workers         int
	agentScript     string        // shell body run as the coding agent; default echoes and exits 0
	agentTimeout    time.Duration // wall-clock cap per agent run
	userPerMinute   int
	sweepInterval   time.Duration
	stallAfter      time.Duration
	dailyLimitUSD   float64
	taskEstimateUSD float64
	spentTodayUSD   float64 // pre-booked spend in the cost ledger
}

// testServer is the full service stack behind one httptest server.
type testServer struct {
	Server    *httptest.Server
	Repo      repository.Repository
	Tasks     *taskservice.Service
	Orch      *orchestrator.Service
	Ingestor  *hooks.Ingestor
	Gateway   *gateways.Gateway
	EventBus  bus.EventBus
	Ledger    *cost.Ledger
	Sessions  *session.Store
	Worktrees *worktree.Manager
	LM        *scriptedLM
	RepoDir   string // canonical repository task branches merge back into
	DataDir   string
	Logger    *logger.Logger
	cancel    context.CancelFunc
}

// newTestServer wires the production components the way cmd/amiga does, with
// a temp data dir, a scripted routing model and a shell script standing in
// for the agent binary.
func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	eventBus := bus.NewMemoryEventBus(log)

	dataDir := t.TempDir()
	dbPool, err := db.Open(filepath.Join(dataDir, "amiga.db"))
	require.NoError(t, err)
	repo, repoCleanup, err := repository.Provide(dbPool.Writer(), dbPool.Reader())
	require.NoError(t, err)
	t.Cleanup(func() {
		if repoCleanup != nil {
			if err := repoCleanup(); err != nil {
				t.Errorf("failed to close repository: %v", err)
			}
		}
		if err := dbPool.Close(); err != nil {
			t.Errorf("failed to close db pool: %v", err)
		}
	})

	sessions, err := session.NewStore(filepath.Join(dataDir, "sessions.json"), log)
	require.NoError(t, err)

	costFile := filepath.Join(dataDir, "cost.json")
	if opts.spentTodayUSD > 0 {
		seedLedgerFile(t, costFile, opts.spentTodayUSD)
	}
	ledger, err := cost.NewLedger(costFile, nil, cost.Limits{DailyUSD: opts.dailyLimitUSD}, log)
	require.NoError(t, err)

	repoDir := setupCanonicalRepo(t)
	worktrees, err := worktree.NewManager(worktree.Config{
		Root:       filepath.Join(dataDir, "workspaces"),
		RepoPath:   repoDir,
		BaseBranch: "main",
	}, log)
	require.NoError(t, err)

	script := opts.agentScript
	if script == "" {
		script = "echo \"agent done\"\n"
	}
	sessionsDir := filepath.Join(dataDir, "hook-sessions")
	agentRunner, err := runner.New(runner.Config{
		AgentBinary: writeAgentScript(t, script),
		LogsDir:     filepath.Join(dataDir, "logs"),
		SessionsDir: sessionsDir,
		Timeout:     opts.agentTimeout,
	}, log)
	require.NoError(t, err)

	workers := opts.workers
	if workers == 0 {
		workers = 2
	}
	workerPool := pool.New(pool.Config{Workers: workers}, log)
	gate := ratelimit.NewGate(ratelimit.Config{UserPerMinute: opts.userPerMinute})

	lm := &scriptedLM{}
	dsp := dispatcher.New(lm, ledger, log)

	tasks := taskservice.NewService(repo, worktrees, ledger, eventBus, taskservice.Config{
		RepoPath:        repoDir,
		TaskEstimateUSD: opts.taskEstimateUSD,
	}, log)

	orch := orchestrator.NewService(orchestrator.Config{
		AgentAPIKey:   "test-key",
		SweepInterval: opts.sweepInterval,
		StallAfter:    opts.stallAfter,
	}, tasks, sessions, dsp, agentRunner, gate, workerPool, repo, eventBus, log)

	ingestor, err := hooks.New(hooks.Config{
		Root:     sessionsDir,
		Model:    agentModel,
		Debounce: 10 * time.Millisecond,
	}, repo, ledger, eventBus, log)
	require.NoError(t, err)

	// Streams must be watched before any agent can write to them.
	require.NoError(t, ingestor.Start(ctx))
	require.NoError(t, orch.Start(ctx))

	gateway := gateways.NewGateway(log)
	gateway.Start(ctx, eventBus)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gateway.SetupRoutes(router)
	taskhandlers.RegisterMessageRoutes(router, orch, log)
	taskhandlers.RegisterTaskRoutes(router, tasks, orch, log)
	taskhandlers.RegisterSessionRoutes(router, orch, log)
	taskhandlers.RegisterUserRoutes(router, tasks, log)
	taskhandlers.RegisterCostRoutes(router, ledger, "", log)
	taskhandlers.RegisterInternalRoutes(router, tasks, log)
	taskhandlers.RegisterHealthRoutes(router, orch)

	return &testServer{
		Server:    httptest.NewServer(router),
		Repo:      repo,
		Tasks:     tasks,
		Orch:      orch,
		Ingestor:  ingestor,
		Gateway:   gateway,
		EventBus:  eventBus,
		Ledger:    ledger,
		Sessions:  sessions,
		Worktrees: worktrees,
		LM:        lm,
		RepoDir:   repoDir,
		DataDir:   dataDir,
		Logger:    log,
		cancel:    cancel,
	}
}

// Close stops the services in reverse start order. Tests that leave an agent
// running must stop its task first: the pool drains queued work on shutdown
// and would otherwise wait out the run.
func (ts *testServer) Close() {
	ts.Server.Close()
	if err := ts.Orch.Stop(); err != nil {
		ts.Logger.Warn("failed to stop orchestrator", zap.Error(err))
	}
	ts.Ingestor.Stop()
	ts.Gateway.Stop()
	ts.cancel()
	ts.Ledger.Stop()
	ts.EventBus.Close()
}

// gitCmd runs a git command in dir and fails the test on error.
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	fullArgs := append([]string{"-C", dir}, args...)
	cmd := exec.Command("git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\nOutput: %s", args, err, out)
	}
	return string(out)
}

// setupCanonicalRepo creates the repository agents fork from: one commit on
// main.
func setupCanonicalRepo(t *testing.T) string {
	t.Helper()
	repoDir := t.TempDir()
	gitCmd(t, repoDir, "init", "--initial-branch=main")
	gitCmd(t, repoDir, "config", "user.email", "amiga@test.com")
	gitCmd(t, repoDir, "config", "user.name", "Amiga Test")
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("# Canonical\n"), 0o644))
	gitCmd(t, repoDir, "add", ".")
	gitCmd(t, repoDir, "commit", "-m", "Initial commit")
	return repoDir
}

// writeAgentScript materializes a shell script the runner launches as the
// coding agent. The prompt arrives as $1; the environment carries SESSION_ID,
// AMIGA_TASK_ID and AMIGA_SESSIONS_DIR, and the working directory is the
// task's git worktree.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// gatedAgentScript appends its task ID to a shared order log, then waits for
// a release file to appear in its working copy. Scheduling tests use it to
// hold a worker busy and observe dequeue order.
const gatedAgentScript = `echo "$AMIGA_TASK_ID" >> "$AMIGA_SESSIONS_DIR/order.log"
until [ -f release ]; do sleep 0.05; done
echo "released"
`

// releaseAgent lets a task running gatedAgentScript finish by dropping the
// release file into its working copy.
func (ts *testServer) releaseAgent(t *testing.T, taskID string) {
	t.Helper()
	var task v1.Task
	ts.getJSON(t, "/api/v1/tasks/"+taskID, &task)
	require.NotNil(t, task.Workspace, "task %s has no working copy", taskID)
	require.NoError(t, os.WriteFile(filepath.Join(*task.Workspace, "release"), nil, 0o644))
}

// startOrder reads the order log gatedAgentScript appends to, one task ID per
// line.
func (ts *testServer) startOrder(t *testing.T) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(ts.DataDir, "hook-sessions", "order.log"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(raw))
}

// seedLedgerFile writes a cost ledger document with spentUSD already booked
// today, so budget tests start from a known spend without replaying
// increments.
func seedLedgerFile(t *testing.T, path string, spentUSD float64) {
	t.Helper()
	now := time.Now().UTC()
	usage := cost.Usage{Input: 500_000, Output: 150_000, CostUSD: spentUSD}
	doc := struct {
		Daily        map[string]map[string]cost.Usage `json:"daily"`
		Monthly      map[string]map[string]cost.Usage `json:"monthly"`
		TotalCostUSD float64                          `json:"totalCostUSD"`
		LastUpdated  time.Time                        `json:"lastUpdated"`
	}{
		Daily:        map[string]map[string]cost.Usage{now.Format("2006-01-02"): {routingModel: usage}},
		Monthly:      map[string]map[string]cost.Usage{now.Format("2006-01"): {routingModel: usage}},
		TotalCostUSD: spentUSD,
		LastUpdated:  now,
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

// postJSON posts payload to path and returns the status code and raw body.
// A nil payload sends an empty body.
func (ts *testServer) postJSON(t *testing.T, path string, payload interface{}) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	resp, err := http.Post(ts.Server.URL+path, "application/json", body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// getJSON fetches path, requires a 200 and decodes the body into out.
func (ts *testServer) getJSON(t *testing.T, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(ts.Server.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// submitMessage sends one chat message and returns the status code and body.
func (ts *testServer) submitMessage(t *testing.T, userID, content string, priority v1.TaskPriority) (int, []byte) {
	t.Helper()
	return ts.postJSON(t, "/api/v1/messages", v1.SubmitMessageRequest{
		UserID:   userID,
		Content:  content,
		Priority: priority,
	})
}

// submitTask queues a sentinel reply, submits content and requires the 202
// acknowledgement, returning the created task's ID.
func (ts *testServer) submitTask(t *testing.T, userID, content string, priority v1.TaskPriority) string {
	t.Helper()
	ts.LM.queueTask(content, "Working on it.")
	status, body := ts.submitMessage(t, userID, content, priority)
	require.Equal(t, http.StatusAccepted, status, "body: %s", body)
	var msg v1.MessageResponse
	require.NoError(t, json.Unmarshal(body, &msg))
	require.Equal(t, v1.MessageTypeAccepted, msg.Type)
	require.NotEmpty(t, msg.TaskID)
	return msg.TaskID
}

// waitForTaskState polls the store until the task reaches state or the
// deadline passes.
func (ts *testServer) waitForTaskState(t *testing.T, taskID string, state v1.TaskState, timeout time.Duration) *models.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := ts.Repo.GetTask(context.Background(), taskID)
		if err == nil && task.State == state {
			return task
		}
		time.Sleep(25 * time.Millisecond)
	}
	task, err := ts.Repo.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	t.Fatalf("task %s did not reach %s within %s (state %s)", taskID, state, timeout, task.State)
	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Package runner spawns and supervises coding-agent subprocesses. Each
// invocation runs in the task's working copy with a pruned environment, its
// own process group, a hard wall-clock cap, and stdout/stderr captured to a
// per-task log file.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
)

// Default supervision bounds, overridable via Config.
const (
	DefaultTimeout   = 300 * time.Second
	DefaultKillGrace = 5 * time.Second

	// resultTailLines bounds how much trailing stdout becomes the task result.
	resultTailLines = 100
)

// ErrMissingWorkspace is returned when the invocation's working copy does not
// exist on disk.
var ErrMissingWorkspace = errors.New("workspace directory does not exist")

// Config holds the runner's binary location and supervision bounds.
type Config struct {
	AgentBinary string        // coding-agent executable, resolved via PATH when relative
	LogsDir     string        // per-task log files land here
	SessionsDir string        // hook stream root, exported so hook executables can append
	ControlURL  string        // base URL of the internal control API, exported for activity posts
	Timeout     time.Duration // hard wall-clock cap (default 300s)
	KillGrace   time.Duration // SIGTERM-to-SIGKILL grace (default 5s)
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
}

// Invocation describes one agent run.
type Invocation struct {
	TaskID      string
	SessionUUID string
	AgentKind   string
	Prompt      string
	Workspace   string
	APIKey      string
	Timeout     time.Duration // overrides Config.Timeout when positive
}

// Result is the outcome of a finished agent subprocess.
type Result struct {
	ExitCode int
	Output   string // trailing stdout, the task result on exit 0
	TimedOut bool
	Canceled bool
	Duration time.Duration
}

// Runner launches agent subprocesses. Safe for concurrent use; each Run call
// supervises exactly one child.
type Runner struct {
	cfg    Config
	logger *logger.Logger
}

// New creates a runner. LogsDir is created on first use.
func New(cfg Config, log *logger.Logger) (*Runner, error) {
	if cfg.AgentBinary == "" {
		return nil, fmt.Errorf("agent binary is required")
	}
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "agent-runner")),
	}, nil
}

// Run spawns the agent for inv and blocks until it exits, the wall-clock cap
// fires, or ctx is cancelled (the explicit-stop path). onStart is called with
// the child pid once the process is live, before any waiting. The returned
// Result is valid whenever err is nil, including non-zero exits.
func (r *Runner) Run(ctx context.Context, inv Invocation, onStart func(pid int)) (*Result, error) {
	if inv.TaskID == "" || inv.SessionUUID == "" {
		return nil, fmt.Errorf("task id and session uuid are required")
	}
	if info, err := os.Stat(inv.Workspace); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrMissingWorkspace, inv.Workspace)
	}

	log := r.logger.WithFields(zap.String("task_id", inv.TaskID))

	logFile, err := r.openLogFile(inv.TaskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = logFile.Close() }()

	// The prompt travels as the single argument; everything else the agent
	// needs arrives through the environment.
	//
	// Not CommandContext: cancellation must escalate TERM then KILL against
	// the whole group, which the context's lone SIGKILL cannot do.
	cmd := exec.Command(r.cfg.AgentBinary, inv.Prompt)
	cmd.Dir = inv.Workspace
	cmd.Env = prunedEnv(r.cfg, inv)
	cmd.SysProcAttr = buildSysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	pid := cmd.Process.Pid
	log.Info("agent process started",
		zap.Int("pid", pid),
		zap.String("workspace", inv.Workspace),
		zap.String("agent_kind", inv.AgentKind))
	if onStart != nil {
		onStart(pid)
	}

	tail := newTailBuffer(resultTailLines)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		r.pumpOutput("stdout", bufio.NewScanner(stdout), logFile, tail)
	}()
	go func() {
		defer pumps.Done()
		r.pumpOutput("stderr", bufio.NewScanner(stderr), logFile, nil)
	}()

	waitDone := make(chan error, 1)
	go func() {
		pumps.Wait()
		waitDone <- cmd.Wait()
	}()

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &Result{}
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		log.Warn("agent hit wall-clock cap, terminating group",
			zap.Int("pid", pid), zap.Duration("timeout", timeout))
		result.TimedOut = true
		r.terminate(log, pid)
		waitErr = <-waitDone
	case <-ctx.Done():
		log.Info("agent stop requested, terminating group", zap.Int("pid", pid))
		result.Canceled = true
		r.terminate(log, pid)
		waitErr = <-waitDone
	}

	result.Duration = time.Since(started)
	result.Output = tail.String()
	result.ExitCode = exitCode(cmd, waitErr)

	log.Info("agent process exited",
		zap.Int("pid", pid),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("canceled", result.Canceled),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// terminate asks the process group to exit, then forces it after the grace.
func (r *Runner) terminate(log *logger.Logger, pid int) {
	if err := gracefulStop(pid); err != nil {
		log.Debug("graceful stop delivery failed", zap.Int("pid", pid), zap.Error(err))
	}
	deadline := time.Now().Add(r.cfg.KillGrace)
	for time.Now().Before(deadline) {
		if !PidAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Warn("agent ignored termination signal, killing group", zap.Int("pid", pid))
	forceKill(pid)
}

// pumpOutput copies scanner lines into the task log, and into tail when the
// stream feeds the task result.
func (r *Runner) pumpOutput(stream string, scanner *bufio.Scanner, logFile io.Writer, tail *tailBuffer) {
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(logFile, "%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339), stream, line)
		if tail != nil {
			tail.Add(line)
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Debug("output pump ended with error",
			zap.String("stream", stream), zap.Error(err))
	}
}

func (r *Runner) openLogFile(taskID string) (*os.File, error) {
	if err := os.MkdirAll(r.cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	path := filepath.Join(r.cfg.LogsDir, taskID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open task log: %w", err)
	}
	return f, nil
}

// prunedEnv builds the minimal agent environment: the model API key, the
// agent contract variables, the hook/control locations, and just enough of
// the host environment (PATH, HOME) for the binary and git to function.
func prunedEnv(cfg Config, inv Invocation) []string {
	env := []string{
		"SESSION_ID=" + inv.SessionUUID,
		"AGENT_KIND=" + inv.AgentKind,
		"AMIGA_TASK_ID=" + inv.TaskID,
	}
	if inv.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+inv.APIKey)
	}
	if cfg.SessionsDir != "" {
		env = append(env, "AMIGA_SESSIONS_DIR="+cfg.SessionsDir)
	}
	if cfg.ControlURL != "" {
		env = append(env, "AMIGA_CONTROL_URL="+cfg.ControlURL)
	}
	for _, key := range []string{"PATH", "HOME"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

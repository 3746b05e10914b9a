package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/hooks"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// Tool rotation for emitted events, matching the names a real agent reports.
var toolCycle = []struct {
	tool string
	path string
}{
	{"Read", "notes.md"},
	{"Edit", "main.go"},
	{"Bash", ""},
	{"Grep", ""},
}

// eventTokenUsage is the fixed usage attached to every post record, so cost
// assertions in tests can multiply instead of guessing.
func eventTokenUsage() *models.TokenUsage {
	return &models.TokenUsage{Input: 120, Output: 40}
}

// eventEmitter delivers tool events either through the installed hook
// executables or, when none are found, by appending the records directly in
// the same format the hooks would have written.
type eventEmitter struct {
	env     envConfig
	preCmd  []string
	postCmd []string
}

func newEventEmitter(env envConfig) *eventEmitter {
	e := &eventEmitter{env: env}
	if env.HookBin != "" {
		e.preCmd = []string{env.HookBin, "pre-tool-use"}
		e.postCmd = []string{env.HookBin, "post-tool-use"}
		return e
	}
	if pre, err := exec.LookPath("pre-tool-use"); err == nil {
		if post, err := exec.LookPath("post-tool-use"); err == nil {
			e.preCmd = []string{pre}
			e.postCmd = []string{post}
		}
	}
	return e
}

// emitPair sends one pre record and its matching post record.
func (e *eventEmitter) emitPair(i int) error {
	if e.env.SessionID == "" {
		return errors.New("SESSION_ID is not set")
	}
	step := toolCycle[(i-1)%len(toolCycle)]

	params := map[string]interface{}{}
	if step.path != "" {
		abs, _ := filepath.Abs(step.path)
		params["file_path"] = abs
	} else if step.tool == "Bash" {
		params["command"] = "ls -la"
	} else {
		params["pattern"] = "TODO"
	}

	pre := hooks.Record{
		Timestamp:   time.Now().UTC(),
		Tool:        step.tool,
		SessionUUID: e.env.SessionID,
		Parameters:  params,
	}
	if err := e.deliver(e.preCmd, "pre.jsonl", &pre); err != nil {
		return err
	}

	output := fmt.Sprintf("mock output for step %d", i)
	length := len(output)
	duration := 8.0
	post := hooks.Record{
		Timestamp:      time.Now().UTC(),
		Tool:           step.tool,
		SessionUUID:    e.env.SessionID,
		Output:         output,
		OutputLength:   &length,
		DurationMillis: &duration,
		TokenUsage:     eventTokenUsage(),
	}
	return e.deliver(e.postCmd, "post.jsonl", &post)
}

// deliver runs the hook command with the record on stdin, or appends the
// record itself when no hook executable is available.
func (e *eventEmitter) deliver(command []string, stream string, rec *hooks.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if len(command) > 0 {
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			// Hook failures must never fail the tool call.
			fmt.Fprintf(os.Stderr, "mock-agent: hook %s failed: %v\n", command[0], err)
		}
		return nil
	}

	if e.env.SessionsDir == "" {
		return errors.New("no hook executable and AMIGA_SESSIONS_DIR is not set")
	}
	path := filepath.Join(e.env.SessionsDir, e.env.SessionID, stream)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(payload, '\n'))
	return err
}

// Package main implements the reference tool-use hook executable. The agent
// invokes it around every tool call (installed or symlinked as `pre-tool-use`
// and `post-tool-use`), passing one JSON document on stdin; the hook validates
// it and appends a single JSON line to the session's stream under
// $AMIGA_SESSIONS_DIR/<sessionUuid>/{pre,post}.jsonl.
//
// A non-zero exit reports a misconfigured or malformed invocation to the
// agent's log. It never blocks or fails the tool call itself.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mjfuentes/amiga-sub003/internal/hooks"
)

const (
	// maxStdinBytes bounds how much of the hook payload is read. Outputs are
	// truncated far below this; the bound only guards against a runaway agent.
	maxStdinBytes = 1 << 20

	// maxOutputBytes is the stored output preview cap. The full length is
	// preserved in outputLength before truncation.
	maxOutputBytes = 4096
)

func main() {
	if err := run(os.Args, os.Stdin, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "amiga-hook: %v\n", err)
		os.Exit(1)
	}
}

// run performs one hook append. args and getenv are injected for tests.
func run(args []string, stdin io.Reader, getenv func(string) string) error {
	phase, err := resolvePhase(args)
	if err != nil {
		return err
	}

	root := getenv("AMIGA_SESSIONS_DIR")
	if root == "" {
		return errors.New("AMIGA_SESSIONS_DIR is not set")
	}

	data, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}

	rec, err := hooks.ParseRecord(data)
	if err != nil {
		return err
	}
	if rec.SessionUUID == "" {
		rec.SessionUUID = getenv("SESSION_ID")
	}
	if err := uuid.Validate(rec.SessionUUID); err != nil {
		return fmt.Errorf("invalid session uuid %q: %w", rec.SessionUUID, err)
	}

	if phase == postFile {
		truncateOutput(rec)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return appendLine(filepath.Join(root, rec.SessionUUID, phase), line)
}

const (
	preFile  = "pre.jsonl"
	postFile = "post.jsonl"
)

// resolvePhase maps the invocation to a stream file. The explicit argument
// wins; otherwise the executable name decides, which is how the binary works
// when installed under the two hook names directly.
func resolvePhase(args []string) (string, error) {
	name := ""
	if len(args) > 1 {
		name = args[1]
	} else if len(args) > 0 {
		name = filepath.Base(args[0])
	}
	switch strings.TrimSuffix(name, filepath.Ext(name)) {
	case "pre-tool-use", "pre":
		return preFile, nil
	case "post-tool-use", "post":
		return postFile, nil
	}
	return "", fmt.Errorf("cannot determine hook phase from %q (want pre-tool-use or post-tool-use)", name)
}

// truncateOutput caps the stored output preview while keeping the true length
// in outputLength for the dashboard.
func truncateOutput(rec *hooks.Record) {
	if rec.OutputLength == nil {
		n := len(rec.Output)
		rec.OutputLength = &n
	}
	if len(rec.Output) > maxOutputBytes {
		rec.Output = rec.Output[:maxOutputBytes]
	}
}

// appendLine writes the record plus newline in one O_APPEND write, so
// concurrent hook invocations for the same session interleave whole lines.
func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

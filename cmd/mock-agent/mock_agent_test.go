package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/hooks"
)

func TestParseScript(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   Script
	}{
		{
			name:   "plain prompt keeps defaults",
			prompt: "fix the login bug",
			want:   Script{Description: "fix the login bug", Events: 2, Sleep: 10 * time.Millisecond},
		},
		{
			name:   "event count and sleep",
			prompt: "mock:events=5 mock:sleep=50ms refactor parser",
			want:   Script{Description: "refactor parser", Events: 5, Sleep: 50 * time.Millisecond},
		},
		{
			name:   "failure with hang",
			prompt: "mock:fail mock:hang=2s broken thing",
			want:   Script{Description: "broken thing", Events: 2, Sleep: 10 * time.Millisecond, Hang: 2 * time.Second, Fail: true},
		},
		{
			name:   "commit directive",
			prompt: "add feature mock:commit",
			want:   Script{Description: "add feature", Events: 2, Sleep: 10 * time.Millisecond, Commit: true},
		},
		{
			name:   "malformed values fall back",
			prompt: "mock:events=lots mock:sleep=soon do work",
			want:   Script{Description: "do work", Events: 2, Sleep: 10 * time.Millisecond},
		},
		{
			name:   "zero events allowed",
			prompt: "mock:events=0 quiet run",
			want:   Script{Description: "quiet run", Events: 0, Sleep: 10 * time.Millisecond},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseScript(tt.prompt)
			if got != tt.want {
				t.Errorf("parseScript(%q) = %+v, want %+v", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestEmitPairDirectAppend(t *testing.T) {
	root := t.TempDir()
	session := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	e := &eventEmitter{env: envConfig{SessionID: session, SessionsDir: root}}

	for i := 1; i <= 3; i++ {
		if err := e.emitPair(i); err != nil {
			t.Fatalf("emitPair(%d) failed: %v", i, err)
		}
	}

	for _, stream := range []string{"pre.jsonl", "post.jsonl"} {
		data, err := os.ReadFile(filepath.Join(root, session, stream))
		if err != nil {
			t.Fatalf("failed to read %s: %v", stream, err)
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) != 3 {
			t.Fatalf("expected 3 lines in %s, got %d", stream, len(lines))
		}
		for _, line := range lines {
			rec, err := hooks.ParseRecord([]byte(line))
			if err != nil {
				t.Fatalf("%s line does not parse: %v", stream, err)
			}
			if rec.SessionUUID != session {
				t.Errorf("record carries session %q", rec.SessionUUID)
			}
			if stream == "post.jsonl" {
				if rec.TokenUsage == nil || rec.TokenUsage.Input != 120 {
					t.Errorf("expected fixed token usage on post record, got %+v", rec.TokenUsage)
				}
			}
		}
	}
}

func TestEmitPairRotatesTools(t *testing.T) {
	root := t.TempDir()
	session := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	e := &eventEmitter{env: envConfig{SessionID: session, SessionsDir: root}}

	for i := 1; i <= len(toolCycle); i++ {
		if err := e.emitPair(i); err != nil {
			t.Fatalf("emitPair(%d) failed: %v", i, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, session, "pre.jsonl"))
	if err != nil {
		t.Fatalf("failed to read pre stream: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i, line := range lines {
		rec, err := hooks.ParseRecord([]byte(line))
		if err != nil {
			t.Fatalf("line %d does not parse: %v", i, err)
		}
		if rec.Tool != toolCycle[i].tool {
			t.Errorf("event %d used tool %q, want %q", i, rec.Tool, toolCycle[i].tool)
		}
	}
}

func TestEmitPairRequiresSession(t *testing.T) {
	e := &eventEmitter{env: envConfig{SessionsDir: t.TempDir()}}
	if err := e.emitPair(1); err == nil {
		t.Error("expected error without SESSION_ID")
	}
}

func TestPostActivity(t *testing.T) {
	var gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := envConfig{ControlURL: server.URL + "/internal/v1", TaskID: "abc123"}
	postActivity(env, "mock agent: starting")

	if gotPath != "/internal/v1/tasks/abc123/activity" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotBody != "mock agent: starting" {
		t.Errorf("unexpected body %q", gotBody)
	}
}

func TestPostActivityDisabledWithoutTarget(t *testing.T) {
	// Must not panic or hang when the control endpoint is not configured.
	postActivity(envConfig{}, "ignored")
}

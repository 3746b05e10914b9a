package hooks

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// startTailer tails a file in a temp dir and returns the emitted lines on a
// channel.
func startTailer(t *testing.T, content string, fromStart bool) (*tailer, string, chan string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pre.jsonl")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to seed file: %v", err)
		}
	}
	lines := make(chan string, 32)
	tl := newTailer(path, 2*time.Millisecond, fromStart, func(line []byte) {
		lines <- string(line)
	}, newTestLogger(t))
	return tl, path, lines
}

func nextLine(t *testing.T, lines chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func expectQuiet(t *testing.T, lines chan string) {
	t.Helper()
	select {
	case line := <-lines:
		t.Fatalf("unexpected line %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTailerEmitsAppendedLines(t *testing.T) {
	tl, path, lines := startTailer(t, "", true)
	defer tl.close()

	appendFile(t, path, []byte("alpha\nbeta\n"))
	tl.notify()

	if got := nextLine(t, lines); got != "alpha" {
		t.Errorf("got %q, want alpha", got)
	}
	if got := nextLine(t, lines); got != "beta" {
		t.Errorf("got %q, want beta", got)
	}

	appendFile(t, path, []byte("gamma\n"))
	tl.notify()
	if got := nextLine(t, lines); got != "gamma" {
		t.Errorf("got %q, want gamma", got)
	}
}

func TestTailerHoldsPartialLine(t *testing.T) {
	tl, path, lines := startTailer(t, "", true)
	defer tl.close()

	// No newline yet: the fragment stays buffered.
	appendFile(t, path, []byte(`{"tool":"Ba`))
	tl.notify()
	expectQuiet(t, lines)

	// The writer finishes the line and starts the next one.
	appendFile(t, path, []byte("sh\"}\nnext\n"))
	tl.notify()
	if got := nextLine(t, lines); got != `{"tool":"Bash"}` {
		t.Errorf("got %q, want the joined line", got)
	}
	if got := nextLine(t, lines); got != "next" {
		t.Errorf("got %q, want next", got)
	}
}

func TestTailerSkipsExistingContent(t *testing.T) {
	tl, path, lines := startTailer(t, "history\n", false)
	defer tl.close()

	appendFile(t, path, []byte("fresh\n"))
	tl.notify()

	if got := nextLine(t, lines); got != "fresh" {
		t.Errorf("got %q, want fresh (history must be skipped)", got)
	}
	expectQuiet(t, lines)
}

func TestTailerReadsBacklogFromStart(t *testing.T) {
	// fromStart replays content that predates the tailer; new session
	// directories are attached this way.
	tl, _, lines := startTailer(t, "one\ntwo\n", true)
	defer tl.close()

	if got := nextLine(t, lines); got != "one" {
		t.Errorf("got %q, want one", got)
	}
	if got := nextLine(t, lines); got != "two" {
		t.Errorf("got %q, want two", got)
	}
}

func TestTailerTruncationRestartsStream(t *testing.T) {
	tl, path, lines := startTailer(t, "a-long-first-line\n", true)
	defer tl.close()
	if got := nextLine(t, lines); got != "a-long-first-line" {
		t.Errorf("got %q, want the first line", got)
	}

	// The file shrank: offset resets and the stream is reread.
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}
	tl.notify()
	if got := nextLine(t, lines); got != "x" {
		t.Errorf("got %q, want x", got)
	}
}

func TestTailerCloseDrainsPendingWrites(t *testing.T) {
	tl, path, lines := startTailer(t, "", true)

	// Written but never notified: the final read on close still delivers it.
	appendFile(t, path, []byte("last-words\n"))
	tl.close()

	if got := nextLine(t, lines); got != "last-words" {
		t.Errorf("got %q, want last-words", got)
	}
}

func TestTailerBlankLinesSkipped(t *testing.T) {
	tl, path, lines := startTailer(t, "", true)
	defer tl.close()

	appendFile(t, path, []byte("\n   \nreal\n"))
	tl.notify()
	if got := nextLine(t, lines); got != "real" {
		t.Errorf("got %q, want real", got)
	}
	expectQuiet(t, lines)
}

package runner

import (
	"strings"
	"sync"
)

// tailBuffer keeps the last size lines written to it. The agent's trailing
// stdout becomes the task result, so only the tail is retained.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
	head  int
	count int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
}

// String joins the retained lines oldest first, trimmed of trailing space.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.head+i)%b.size]
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

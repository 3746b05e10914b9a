package hooks

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
)

// tailer reads appended lines from one JSONL file. It keeps a byte offset so
// each wake only reads new data, and holds any partial trailing line in a
// buffer until the writer finishes it.
//
// Filesystem events arm a debounce timer; while the timer is armed further
// events are absorbed, so a chatty writer costs one read per debounce window
// instead of one per write. The signal channel has capacity one with a
// non-blocking send: a wake that arrives mid-read is remembered, never
// stacked.
type tailer struct {
	path     string
	debounce time.Duration
	emit     func(line []byte)
	logger   *logger.Logger

	// offset and partial are touched only by the run goroutine.
	offset  int64
	partial []byte

	mu    sync.Mutex
	timer *time.Timer

	signals chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// newTailer starts tailing path. With fromStart the first read begins at
// byte zero; otherwise the tailer skips whatever the file already holds,
// which is what a service restart wants.
func newTailer(path string, debounce time.Duration, fromStart bool, emit func(line []byte), log *logger.Logger) *tailer {
	t := &tailer{
		path:     path,
		debounce: debounce,
		emit:     emit,
		logger:   log,
		signals:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !fromStart {
		if info, err := os.Stat(path); err == nil {
			t.offset = info.Size()
		}
	}
	go t.run()
	return t
}

// notify schedules a read. Safe to call from any goroutine.
func (t *tailer) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()
		select {
		case t.signals <- struct{}{}:
		default:
		}
	})
}

// close stops the tailer after one final read, so lines written just before
// shutdown are not lost.
func (t *tailer) close() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	close(t.stop)
	<-t.done
}

func (t *tailer) run() {
	defer close(t.done)
	t.readNew()
	for {
		select {
		case <-t.signals:
			t.readNew()
		case <-t.stop:
			t.readNew()
			return
		}
	}
}

// readNew consumes everything appended since the last read and emits the
// complete lines. A shrunken file means truncation or replacement, so the
// offset resets and the stream starts over.
func (t *tailer) readNew() {
	f, err := os.Open(t.path)
	if err != nil {
		// Not created yet; the next write event retries.
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		t.logger.Warn("Hook stream truncated, rereading",
			zap.String("path", t.path),
			zap.Int64("offset", t.offset),
			zap.Int64("size", info.Size()))
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		t.logger.Error("Hook stream seek failed", zap.String("path", t.path), zap.Error(err))
		return
	}
	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		t.logger.Error("Hook stream read failed", zap.String("path", t.path), zap.Error(err))
		return
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:idx])
		buf = buf[idx+1:]
		if len(line) > 0 {
			t.emit(line)
		}
	}
	t.partial = append(t.partial[:0], buf...)
}

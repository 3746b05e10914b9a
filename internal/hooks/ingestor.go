package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/cost"
	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

const (
	preFile  = "pre.jsonl"
	postFile = "post.jsonl"
)

// Store is the slice of the repository the ingestor writes through.
type Store interface {
	GetTaskBySession(ctx context.Context, sessionUUID string) (*models.Task, error)
	RecordToolStart(ctx context.Context, event *models.ToolEvent) (int64, error)
	CorrelateToolEnd(ctx context.Context, sessionUUID, toolName string, completedAt time.Time, window time.Duration, end models.ToolEventEnd) (*models.ToolEvent, error)
	RecordStandaloneToolEnd(ctx context.Context, event *models.ToolEvent) (int64, error)
	PromoteOrphanedToolEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	RecordFileTouch(ctx context.Context, taskID, path, toolName string, at time.Time) error
	TouchAgentEvent(ctx context.Context, taskID string, at time.Time) error
	AppendActivity(ctx context.Context, taskID, message string) (*models.ActivityEntry, error)
}

// TokenRecorder credits token usage observed on post hooks.
type TokenRecorder interface {
	Record(inc cost.Increment)
}

// Config tunes the ingestor. Zero durations select the defaults.
type Config struct {
	Root            string        // sessions root the hook scripts append under
	Model           string        // prices post-hook tokens when the task metadata names none
	Debounce        time.Duration // per-file read throttle (500ms)
	CorrelateWindow time.Duration // post-to-pre matching window (60s)
	OrphanAfter     time.Duration // unmatched pre grace before promotion (10m)
	SweepInterval   time.Duration // orphan sweep cadence (1m)
	DedupeWindow    time.Duration // live-stream duplicate collapse window (500ms)
}

func (c *Config) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.CorrelateWindow <= 0 {
		c.CorrelateWindow = 60 * time.Second
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 500 * time.Millisecond
	}
}

type taskRef struct {
	id    string
	user  string
	model string
}

type publishMark struct {
	fingerprint string
	at          time.Time
}

// Ingestor watches the sessions root, tails each session's pre and post
// streams, and feeds the durable store, the file index, the activity log,
// the cost ledger and the event bus.
//
// Session directories already present at start are attached with their
// streams positioned at end of file, so a restart does not re-ingest
// history. Directories that appear afterwards are read from byte zero.
type Ingestor struct {
	cfg    Config
	root   string
	store  Store
	ledger TokenRecorder
	bus    bus.EventBus
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	tailers map[string]*tailer
	tasks   map[string]taskRef
	lastPub map[string]publishMark

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an ingestor. The ledger and event bus may be nil, which
// disables cost crediting and live publishing respectively (tests use this).
func New(cfg Config, store Store, ledger TokenRecorder, eventBus bus.EventBus, log *logger.Logger) (*Ingestor, error) {
	if cfg.Root == "" {
		return nil, errors.New("hooks: sessions root is required")
	}
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Ingestor{
		cfg:     cfg,
		root:    filepath.Clean(cfg.Root),
		store:   store,
		ledger:  ledger,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "hook-ingestor")),
		tailers: make(map[string]*tailer),
		tasks:   make(map[string]taskRef),
		lastPub: make(map[string]publishMark),
	}, nil
}

// Start begins watching the sessions root. The context bounds all store
// writes; Stop tears everything down.
func (i *Ingestor) Start(ctx context.Context) error {
	if err := os.MkdirAll(i.root, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(i.root); err != nil {
		_ = watcher.Close()
		return err
	}
	i.watcher = watcher
	i.ctx, i.cancel = context.WithCancel(ctx)

	// Attach sessions that already exist, positioned at end of stream.
	entries, err := os.ReadDir(i.root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				i.attachSession(filepath.Join(i.root, entry.Name()), false)
			}
		}
	}

	i.wg.Add(2)
	go i.watchLoop()
	go i.sweepLoop()

	i.logger.Info("Hook ingestor started", zap.String("root", i.root))
	return nil
}

// Stop drains the tailers and shuts the ingestor down. Safe to call more
// than once.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		if i.watcher != nil {
			_ = i.watcher.Close()
		}

		i.mu.Lock()
		tailers := make([]*tailer, 0, len(i.tailers))
		for _, t := range i.tailers {
			tailers = append(tailers, t)
		}
		i.mu.Unlock()

		// Final reads run before the context dies so the last lines still
		// reach the store. Draining is bounded-parallel so shutdown waits on
		// the slowest stream, not the sum of all of them.
		var g errgroup.Group
		g.SetLimit(4)
		for _, t := range tailers {
			t := t
			g.Go(func() error {
				t.close()
				return nil
			})
		}
		_ = g.Wait()

		if i.cancel != nil {
			i.cancel()
		}
		i.wg.Wait()
		i.logger.Info("Hook ingestor stopped")
	})
}

func (i *Ingestor) watchLoop() {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			return
		case event, ok := <-i.watcher.Events:
			if !ok {
				return
			}
			i.handleFSEvent(event)
		case err, ok := <-i.watcher.Errors:
			if !ok {
				return
			}
			i.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

func (i *Ingestor) sweepLoop() {
	defer i.wg.Done()
	ticker := time.NewTicker(i.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			promoted, err := i.store.PromoteOrphanedToolEvents(i.ctx, i.cfg.OrphanAfter)
			if err != nil {
				i.logger.Error("Orphan sweep failed", zap.Error(err))
				continue
			}
			if promoted > 0 {
				i.logger.Info("Promoted orphaned tool events", zap.Int64("count", promoted))
			}
		}
	}
}

func (i *Ingestor) handleFSEvent(event fsnotify.Event) {
	// Chmod-only events carry no new data.
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	name := filepath.Clean(event.Name)

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() && filepath.Dir(name) == i.root {
			// New session directory: read its streams from byte zero.
			i.attachSession(name, true)
			return
		}
	}

	if i.isStreamFile(name) {
		i.ensureTailer(name, true).notify()
	}
}

func (i *Ingestor) isStreamFile(name string) bool {
	base := filepath.Base(name)
	if base != preFile && base != postFile {
		return false
	}
	return filepath.Dir(filepath.Dir(name)) == i.root
}

// attachSession watches one session directory and sets up both stream
// tailers. The files usually do not exist yet; the tailers cope.
func (i *Ingestor) attachSession(dir string, fromStart bool) {
	if err := i.watcher.Add(dir); err != nil {
		i.logger.Error("Failed to watch session directory",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	i.ensureTailer(filepath.Join(dir, preFile), fromStart)
	i.ensureTailer(filepath.Join(dir, postFile), fromStart)
	i.logger.Debug("Attached session", zap.String("dir", dir))
}

func (i *Ingestor) ensureTailer(path string, fromStart bool) *tailer {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.tailers[path]; ok {
		return t
	}

	session := filepath.Base(filepath.Dir(path))
	var emit func(line []byte)
	if filepath.Base(path) == preFile {
		emit = func(line []byte) { i.handlePre(session, line) }
	} else {
		emit = func(line []byte) { i.handlePost(session, line) }
	}

	t := newTailer(path, i.cfg.Debounce, fromStart, emit, i.logger)
	i.tailers[path] = t
	return t
}

// taskFor resolves a session UUID to its task, caching the result. The model
// used to price the session's tokens comes from the task metadata when the
// dispatcher recorded one, otherwise from config.
func (i *Ingestor) taskFor(sessionUUID string) (taskRef, bool) {
	i.mu.Lock()
	ref, ok := i.tasks[sessionUUID]
	i.mu.Unlock()
	if ok {
		return ref, true
	}

	task, err := i.store.GetTaskBySession(i.ctx, sessionUUID)
	if err != nil {
		i.logger.Warn("Hook record for unknown session",
			zap.String("session_uuid", sessionUUID), zap.Error(err))
		return taskRef{}, false
	}
	ref = taskRef{id: task.ID, user: task.UserID, model: i.cfg.Model}
	if m, ok := task.Metadata["model"].(string); ok && m != "" {
		ref.model = m
	}

	i.mu.Lock()
	i.tasks[sessionUUID] = ref
	i.mu.Unlock()
	return ref, true
}

func (i *Ingestor) handlePre(session string, line []byte) {
	rec, err := ParseRecord(line)
	if err != nil {
		i.logger.Warn("Skipping bad pre record",
			zap.String("session_uuid", session), zap.Error(err))
		return
	}
	if rec.SessionUUID == "" {
		rec.SessionUUID = session
	}
	ref, ok := i.taskFor(rec.SessionUUID)
	if !ok {
		return
	}

	paths := ExtractPaths(rec.Tool, rec.Parameters)
	event := &models.ToolEvent{
		TaskID:      ref.id,
		SessionUUID: rec.SessionUUID,
		ToolName:    rec.Tool,
		StartedAt:   rec.Timestamp,
		Parameters:  rec.Parameters,
	}
	if detail := rec.Detail(); detail != "" {
		d := detail
		event.Detail = &d
	}
	if len(paths) > 0 {
		p := paths[0]
		event.FilePath = &p
	}

	if _, err := i.store.RecordToolStart(i.ctx, event); err != nil {
		i.logger.Error("Failed to record tool start",
			zap.String("task_id", ref.id), zap.String("tool", rec.Tool), zap.Error(err))
		return
	}

	i.touchFiles(ref.id, rec.Tool, paths, rec.Timestamp)
	if err := i.store.TouchAgentEvent(i.ctx, ref.id, rec.Timestamp); err != nil {
		i.logger.Debug("Failed to touch agent status", zap.String("task_id", ref.id), zap.Error(err))
	}
	if _, err := i.store.AppendActivity(i.ctx, ref.id, activityLine(rec, paths)); err != nil {
		i.logger.Error("Failed to append activity", zap.String("task_id", ref.id), zap.Error(err))
	}

	if i.shouldPublish(rec) {
		i.publishEvent(ref, event)
	}
}

func (i *Ingestor) handlePost(session string, line []byte) {
	rec, err := ParseRecord(line)
	if err != nil {
		i.logger.Warn("Skipping bad post record",
			zap.String("session_uuid", session), zap.Error(err))
		return
	}
	if rec.SessionUUID == "" {
		rec.SessionUUID = session
	}
	ref, ok := i.taskFor(rec.SessionUUID)
	if !ok {
		return
	}

	end := models.ToolEventEnd{
		HasError:       rec.HasError,
		DurationMillis: rec.DurationMillis,
		TokenUsage:     rec.TokenUsage,
	}
	if rec.Output != "" {
		out := rec.Output
		end.OutputPreview = &out
	}
	if rec.OutputLength != nil {
		end.OutputLength = rec.OutputLength
	} else if rec.Output != "" {
		n := len(rec.Output)
		end.OutputLength = &n
	}
	if rec.HasError {
		end.ErrorCategory = ClassifyError(rec.Output)
	}

	event, err := i.store.CorrelateToolEnd(i.ctx, rec.SessionUUID, rec.Tool, rec.Timestamp, i.cfg.CorrelateWindow, end)
	if errors.Is(err, models.ErrNoMatchingToolStart) {
		ts := rec.Timestamp
		event = &models.ToolEvent{
			TaskID:         ref.id,
			SessionUUID:    rec.SessionUUID,
			ToolName:       rec.Tool,
			CompletedAt:    &ts,
			OutputPreview:  end.OutputPreview,
			OutputLength:   end.OutputLength,
			HasError:       end.HasError,
			ErrorCategory:  end.ErrorCategory,
			DurationMillis: end.DurationMillis,
			TokenUsage:     end.TokenUsage,
		}
		if _, serr := i.store.RecordStandaloneToolEnd(i.ctx, event); serr != nil {
			i.logger.Error("Failed to record standalone tool end",
				zap.String("task_id", ref.id), zap.String("tool", rec.Tool), zap.Error(serr))
			return
		}
	} else if err != nil {
		i.logger.Error("Failed to correlate tool end",
			zap.String("task_id", ref.id), zap.String("tool", rec.Tool), zap.Error(err))
		return
	}

	i.touchFiles(ref.id, rec.Tool, ExtractOutputPaths(rec.Output), rec.Timestamp)
	if err := i.store.TouchAgentEvent(i.ctx, ref.id, rec.Timestamp); err != nil {
		i.logger.Debug("Failed to touch agent status", zap.String("task_id", ref.id), zap.Error(err))
	}

	if i.ledger != nil && rec.TokenUsage != nil && !rec.TokenUsage.IsZero() {
		i.ledger.Record(cost.Increment{
			At:    rec.Timestamp,
			Model: ref.model,
			Tokens: cost.TokenDelta{
				Input:       rec.TokenUsage.Input,
				Output:      rec.TokenUsage.Output,
				CacheCreate: rec.TokenUsage.CacheCreate,
				CacheRead:   rec.TokenUsage.CacheRead,
			},
		})
	}

	i.publishEvent(ref, event)
}

// touchFiles updates the per-task file index. Glob patterns are part of the
// event's path set but are not files, so they stay out of the index.
func (i *Ingestor) touchFiles(taskID, tool string, paths []string, at time.Time) {
	for _, p := range paths {
		if strings.HasPrefix(p, "glob:") {
			continue
		}
		if err := i.store.RecordFileTouch(i.ctx, taskID, p, tool, at); err != nil {
			i.logger.Error("Failed to record file touch",
				zap.String("task_id", taskID), zap.String("path", p), zap.Error(err))
		}
	}
}

// shouldPublish applies the live-stream collapse: consecutive identical
// (tool, parameters) records within the dedupe window are published once.
// Every record is stored regardless.
func (i *Ingestor) shouldPublish(rec *Record) bool {
	if i.bus == nil {
		return false
	}
	fp := rec.Fingerprint()

	i.mu.Lock()
	defer i.mu.Unlock()
	mark, ok := i.lastPub[rec.SessionUUID]
	dup := ok && mark.fingerprint == fp &&
		!rec.Timestamp.Before(mark.at) &&
		rec.Timestamp.Sub(mark.at) < i.cfg.DedupeWindow
	i.lastPub[rec.SessionUUID] = publishMark{fingerprint: fp, at: rec.Timestamp}
	return !dup
}

func (i *Ingestor) publishEvent(ref taskRef, event *models.ToolEvent) {
	if i.bus == nil {
		return
	}
	e := bus.NewEvent(events.ToolEventRecorded, "hook-ingestor", map[string]interface{}{
		"task_id":    ref.id,
		"user_id":    ref.user,
		"tool_event": event.ToAPI(),
	})
	if err := i.bus.Publish(i.ctx, events.BuildToolEventSubject(ref.id), e); err != nil {
		i.logger.Error("Failed to publish tool event",
			zap.String("task_id", ref.id), zap.Error(err))
	}
}

// activityLine renders the one-line activity entry for a tool invocation.
func activityLine(rec *Record, paths []string) string {
	detail := rec.Detail()
	if detail == "" && len(paths) > 0 {
		detail = strings.TrimPrefix(paths[0], "glob:")
	}
	if detail == "" {
		return rec.Tool
	}
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	return rec.Tool + ": " + detail
}

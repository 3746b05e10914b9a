// Package orchestrator coordinates the message path end to end: per-user
// serialization, rate limiting, classification, task admission, and the
// worker pool that runs agent subprocesses. It owns the pool handles, so it
// is also the cancel path the task manager signals on stop.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/dispatcher"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/pool"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/userqueue"
	"github.com/mjfuentes/amiga-sub003/internal/ratelimit"
	"github.com/mjfuentes/amiga-sub003/internal/runner"
	"github.com/mjfuentes/amiga-sub003/internal/session"
	taskservice "github.com/mjfuentes/amiga-sub003/internal/task/service"
)

var (
	ErrServiceAlreadyRunning = errors.New("orchestrator is already running")
	ErrServiceNotRunning     = errors.New("orchestrator is not running")
)

const (
	// defaultClassifyTimeout caps one routing call. The queue handler runs on
	// the service context, so without this a hung model call would wedge the
	// user's lane.
	defaultClassifyTimeout = 30 * time.Second

	// logContextLines bounds the activity lines offered to the classifier.
	logContextLines = 50
)

// Config carries the orchestrator's own settings. Pool sizing and runner
// limits live with their components.
type Config struct {
	AgentKind       string        // agent kind recorded on created tasks
	AgentAPIKey     string        // forwarded to agent subprocesses
	ClassifyTimeout time.Duration // cap on one routing call
	SweepInterval   time.Duration // stall sweep cadence (zero selects the default)
	StallAfter      time.Duration // quiet-stream fence before promotion
}

func (c *Config) applyDefaults() {
	if c.AgentKind == "" {
		c.AgentKind = "claude-code"
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = defaultClassifyTimeout
	}
}

// Service wires the message path together.
type Service struct {
	cfg      Config
	logger   *logger.Logger
	eventBus bus.EventBus

	tasks      *taskservice.Service
	sessions   *session.Store
	dispatcher *dispatcher.Dispatcher
	runner     *runner.Runner
	rate       *ratelimit.Gate

	queue   *userqueue.Manager
	pool    *pool.Pool
	sweeper *runner.Sweeper

	baseCtx context.Context
	cancel  context.CancelFunc

	handleMu sync.Mutex
	handles  map[string]*pool.Handle

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewService builds the orchestrator and registers it as the task manager's
// cancel path. A nil sweepStore disables stall promotion (tests drive the
// task manager's HandleStalled directly).
func NewService(
	cfg Config,
	tasks *taskservice.Service,
	sessions *session.Store,
	d *dispatcher.Dispatcher,
	r *runner.Runner,
	rate *ratelimit.Gate,
	workerPool *pool.Pool,
	sweepStore runner.SweepStore,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		eventBus:   eventBus,
		tasks:      tasks,
		sessions:   sessions,
		dispatcher: d,
		runner:     r,
		rate:       rate,
		pool:       workerPool,
		baseCtx:    baseCtx,
		cancel:     cancel,
		handles:    make(map[string]*pool.Handle),
	}
	s.queue = userqueue.NewManager(baseCtx, log)
	if sweepStore != nil {
		s.sweeper = runner.NewSweeper(sweepStore, tasks.HandleStalled, cfg.SweepInterval, cfg.StallAfter, log)
	}
	tasks.SetRunCanceler(s)
	return s
}

// Start activates background work: the stall sweeper. Message handling is
// admitted lazily per user, so there is nothing else to spin up.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.sweeper != nil {
		s.sweeper.Start(s.baseCtx)
	}
	s.logger.Info("Orchestrator started")
	return nil
}

// Stop drains the pool, halts the sweeper and releases the queues. In-flight
// agent runs are cancelled through their job contexts.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.pool.Shutdown()
	s.cancel()
	s.queue.Wait()
	s.logger.Info("Orchestrator stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status is the orchestrator's live occupancy snapshot.
type Status struct {
	Running       bool        `json:"running"`
	Pool          pool.Status `json:"pool"`
	ActiveUsers   int         `json:"active_users"`
	UptimeSeconds int64       `json:"uptime_seconds"`
}

// GetStatus reports pool occupancy and queue activity.
func (s *Service) GetStatus() *Status {
	s.mu.RLock()
	running := s.running
	startedAt := s.startedAt
	s.mu.RUnlock()

	var uptime int64
	if running {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	return &Status{
		Running:       running,
		Pool:          s.pool.Status(),
		ActiveUsers:   s.queue.ActiveUsers(),
		UptimeSeconds: uptime,
	}
}

// CancelTask interrupts the task's queued or running job. Reports whether a
// handle existed. Implements the task manager's cancel path.
func (s *Service) CancelTask(taskID string) bool {
	s.handleMu.Lock()
	h, ok := s.handles[taskID]
	s.handleMu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

func (s *Service) trackHandle(taskID string, h *pool.Handle) {
	s.handleMu.Lock()
	s.handles[taskID] = h
	s.handleMu.Unlock()

	go func() {
		<-h.Done()
		s.handleMu.Lock()
		delete(s.handles, taskID)
		s.handleMu.Unlock()
	}()
}

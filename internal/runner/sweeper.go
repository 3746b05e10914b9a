package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// Sweep cadence and liveness fence defaults.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultStallAfter    = 2 * time.Minute
)

// SweepStore is the slice of the repository the sweeper reads.
type SweepStore interface {
	ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error)
	LastToolEventAt(ctx context.Context, taskID string) (*time.Time, error)
}

// StallHandler promotes one stalled task to failed. Implemented by the task
// manager so the terminal write and the published event stay in one place.
type StallHandler func(ctx context.Context, task *models.Task) error

// Sweeper periodically looks for running tasks whose tool-event stream has
// gone quiet and whose subprocess is dead, and hands them to the stall
// handler. The timeout fence bounds the subprocess's wall clock; this fence
// catches supervisors that died without reporting, such as after a crash of
// this process with tasks mid-flight.
type Sweeper struct {
	store      SweepStore
	onStalled  StallHandler
	interval   time.Duration
	stallAfter time.Duration
	logger     *logger.Logger

	// pidAlive is swappable for tests.
	pidAlive func(pid int) bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a sweeper with the given cadence and fence; zero
// durations select the defaults.
func NewSweeper(store SweepStore, onStalled StallHandler, interval, stallAfter time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if stallAfter <= 0 {
		stallAfter = DefaultStallAfter
	}
	if log == nil {
		log = logger.Default()
	}
	return &Sweeper{
		store:      store,
		onStalled:  onStalled,
		interval:   interval,
		stallAfter: stallAfter,
		logger:     log.WithFields(zap.String("component", "stall-sweeper")),
		pidAlive:   PidAlive,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop or ctx cancellation.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	s.logger.Info("stall sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("stall_after", s.stallAfter))
}

// Stop ends the sweep loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Sweep runs one pass and returns how many tasks were promoted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	tasks, err := s.store.ListTasks(ctx, models.ListTasksOptions{
		States: []v1.TaskState{v1.TaskStateRunning},
	})
	if err != nil {
		s.logger.Error("stall sweep list failed", zap.Error(err))
		return 0
	}

	promoted := 0
	now := time.Now().UTC()
	for _, task := range tasks {
		if !s.isStalled(ctx, task, now) {
			continue
		}
		s.logger.Warn("promoting stalled task",
			zap.String("task_id", task.ID),
			zap.Intp("pid", task.PID))
		if err := s.onStalled(ctx, task); err != nil {
			s.logger.Error("stall promotion failed",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		promoted++
	}
	return promoted
}

// isStalled applies the liveness fence: the stream reference time (last tool
// event, else the task start) must be older than the fence, and the recorded
// pid must be dead. A running task with no pid recorded is treated as dead.
func (s *Sweeper) isStalled(ctx context.Context, task *models.Task, now time.Time) bool {
	ref := task.UpdatedAt
	if task.StartedAt != nil {
		ref = *task.StartedAt
	}
	if last, err := s.store.LastToolEventAt(ctx, task.ID); err == nil && last != nil {
		ref = *last
	}
	if now.Sub(ref) < s.stallAfter {
		return false
	}
	if task.PID != nil && s.pidAlive(*task.PID) {
		return false
	}
	return true
}

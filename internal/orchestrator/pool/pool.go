// Package pool runs submitted jobs on a fixed set of workers fed from a
// priority queue. Work within a tier runs in submission order; there is no
// age-based promotion across tiers, so sustained urgent load may starve
// lower tiers.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// ErrPoolClosed is returned when submitting after Shutdown.
var ErrPoolClosed = errors.New("worker pool is closed")

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 3

// Job is the unit of work submitted to the pool.
type Job func(ctx context.Context) error

type job struct {
	fn       Job
	priority models.Priority
	seq      uint64
	index    int
	sentinel bool
	handle   *Handle
}

// jobHeap orders by priority tier (lowest value first), then submission
// order within a tier.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	n := len(*h)
	item := x.(*job)
	item.index = n
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Handle tracks one submitted job through cancellation and completion.
type Handle struct {
	pool   *Pool
	job    *job
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool
	err      error
	done     chan struct{}
}

// Done is closed when the job completes, fails, or is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the job's outcome. Valid once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel removes the job from the queue when it has not started, or cancels
// the running job's context. Cancelling a finished job is a no-op.
func (h *Handle) Cancel() {
	p := h.pool
	p.mu.Lock()
	if h.job.index >= 0 {
		heap.Remove(&p.queue, h.job.index)
		p.mu.Unlock()
		h.finish(context.Canceled)
		h.cancel()
		return
	}
	p.mu.Unlock()
	h.cancel()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	if !h.finished {
		h.finished = true
		h.err = err
		close(h.done)
	}
	h.mu.Unlock()
}

// Config holds worker pool sizing.
type Config struct {
	Workers int `mapstructure:"workers"`
}

// Status reports pool occupancy.
type Status struct {
	Workers       int `json:"workers"`
	ActiveWorkers int `json:"active_workers"`
	QueuedTasks   int `json:"queued_tasks"`
}

// Pool is a fixed-size worker pool over a priority queue.
type Pool struct {
	workers int
	logger  *logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  jobHeap
	seq    uint64
	closed bool

	active     atomic.Int32
	wg         sync.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New starts a pool with cfg.Workers workers.
func New(cfg Config, log *logger.Logger) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:    workers,
		logger:     log.WithFields(zap.String("component", "worker-pool")),
		queue:      make(jobHeap, 0),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	heap.Init(&p.queue)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	p.logger.Info("Worker pool started", zap.Int("workers", workers))
	return p
}

// Submit enqueues fn at the given priority and returns its handle. The call
// never blocks on queue capacity.
func (p *Pool) Submit(priority models.Priority, fn Job) (*Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("job fn is required")
	}
	jobCtx, jobCancel := context.WithCancel(p.baseCtx)
	h := &Handle{
		pool:   p,
		ctx:    jobCtx,
		cancel: jobCancel,
		done:   make(chan struct{}),
	}
	j := &job{fn: fn, priority: priority, index: -1, handle: h}
	h.job = j

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		jobCancel()
		return nil, ErrPoolClosed
	}
	p.seq++
	j.seq = p.seq
	heap.Push(&p.queue, j)
	p.mu.Unlock()

	p.cond.Signal()
	return h, nil
}

// Shutdown stops intake and enqueues one low-priority sentinel per worker,
// so already queued work drains before the workers exit. It returns once
// every worker has stopped.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for i := 0; i < p.workers; i++ {
			p.seq++
			heap.Push(&p.queue, &job{priority: models.PriorityLow, seq: p.seq, sentinel: true, index: -1})
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	p.wg.Wait()
	p.cancelBase()
	p.logger.Info("Worker pool stopped")
}

// Status returns worker occupancy and queue depth. Shutdown sentinels are
// not counted as queued work.
func (p *Pool) Status() Status {
	p.mu.Lock()
	queued := 0
	for _, j := range p.queue {
		if !j.sentinel {
			queued++
		}
	}
	p.mu.Unlock()
	return Status{
		Workers:       p.workers,
		ActiveWorkers: int(p.active.Load()),
		QueuedTasks:   queued,
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.logger.WithFields(zap.Int("worker", id))
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			p.cond.Wait()
		}
		j := heap.Pop(&p.queue).(*job)
		p.mu.Unlock()

		if j.sentinel {
			log.Debug("Worker received shutdown sentinel")
			return
		}
		p.active.Add(1)
		p.runJob(log, j)
		p.active.Add(-1)
	}
}

func (p *Pool) runJob(log *logger.Logger, j *job) {
	h := j.handle
	defer h.cancel()

	if h.ctx.Err() != nil {
		h.finish(context.Canceled)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", zap.Any("panic", r))
			h.finish(fmt.Errorf("job panicked: %v", r))
		}
	}()
	h.finish(j.fn(h.ctx))
}

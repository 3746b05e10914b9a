// Package userqueue serializes message handling per user. Each user gets an
// independent FIFO plus a priority lane; at most one handler runs per user
// at a time, with no ordering between users.
package userqueue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
)

// Handler processes one queued message.
type Handler func(ctx context.Context)

type item struct {
	handler Handler
}

// queue holds one user's pending work. Items in the priority lane dispatch
// before any plain FIFO entry but never interrupt an in-flight handler.
type queue struct {
	fifo     []item
	priority []item
}

// Manager owns the per-user queues and their processor goroutines. A
// processor exits when its user's lanes are empty and is respawned on the
// next enqueue.
type Manager struct {
	ctx    context.Context
	logger *logger.Logger

	mu     sync.Mutex
	queues map[string]*queue
	wg     sync.WaitGroup
}

// NewManager creates a manager whose handlers receive ctx.
func NewManager(ctx context.Context, log *logger.Logger) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		ctx:    ctx,
		logger: log.WithFields(zap.String("component", "user-queue")),
		queues: make(map[string]*queue),
	}
}

// Enqueue schedules handler for the user. priority > 0 places it in the
// priority lane. The first enqueue for an idle user spawns its processor.
func (m *Manager) Enqueue(userID string, priority int, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	q, ok := m.queues[userID]
	if !ok {
		q = &queue{}
		m.queues[userID] = q
		m.wg.Add(1)
		go m.process(userID)
	}
	if priority > 0 {
		q.priority = append(q.priority, item{handler: handler})
	} else {
		q.fifo = append(q.fifo, item{handler: handler})
	}
	m.mu.Unlock()
}

// Pending returns how many items wait for the user, including any priority
// lane entries.
func (m *Manager) Pending(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[userID]
	if !ok {
		return 0
	}
	return len(q.fifo) + len(q.priority)
}

// ActiveUsers returns the number of users with a live processor.
func (m *Manager) ActiveUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Wait blocks until every processor has drained and exited. Only meaningful
// once callers stop enqueueing.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) process(userID string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		q := m.queues[userID]
		var next item
		switch {
		case len(q.priority) > 0:
			next = q.priority[0]
			q.priority = q.priority[1:]
		case len(q.fifo) > 0:
			next = q.fifo[0]
			q.fifo = q.fifo[1:]
		default:
			delete(m.queues, userID)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.run(userID, next)
	}
}

func (m *Manager) run(userID string, it item) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Queued handler panicked",
				zap.String("user_id", userID), zap.Any("panic", r))
		}
	}()
	it.handler(m.ctx)
}

// Package metrics aggregates system state into periodic snapshots published
// on the event bus for the dashboard's metrics channel.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// DefaultInterval is the snapshot cadence.
const DefaultInterval = 2 * time.Second

// TaskCounter is the store slice the publisher reads.
type TaskCounter interface {
	CountTasksByState(ctx context.Context) (map[v1.TaskState]int, error)
}

// CostReader provides the ledger's current spend totals.
type CostReader interface {
	SpentToday(now time.Time) float64
	SpentThisMonth(now time.Time) float64
}

// StatusSource reports the orchestrator's live occupancy.
type StatusSource interface {
	GetStatus() *orchestrator.Status
}

// Publisher samples system state on a fixed cadence and publishes one
// metrics.snapshot event per tick. Bus traffic rates are measured by counting
// task- and tool-scoped events between ticks.
type Publisher struct {
	interval time.Duration
	tasks    TaskCounter
	costs    CostReader
	status   StatusSource
	eventBus bus.EventBus
	logger   *logger.Logger

	taskEvents atomic.Int64
	toolEvents atomic.Int64
	subs       []bus.Subscription

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a publisher. A zero interval gets the 2s default.
func New(interval time.Duration, tasks TaskCounter, costs CostReader, status StatusSource, eventBus bus.EventBus, log *logger.Logger) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Publisher{
		interval: interval,
		tasks:    tasks,
		costs:    costs,
		status:   status,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "metrics")),
	}
}

// Start subscribes the traffic counters and begins the snapshot loop.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	taskSub, err := p.eventBus.Subscribe("task.>", func(ctx context.Context, event *bus.Event) error {
		p.taskEvents.Add(1)
		return nil
	})
	if err != nil {
		return err
	}
	toolSub, err := p.eventBus.Subscribe("tool.>", func(ctx context.Context, event *bus.Event) error {
		p.toolEvents.Add(1)
		return nil
	})
	if err != nil {
		_ = taskSub.Unsubscribe()
		return err
	}
	p.subs = []bus.Subscription{taskSub, toolSub}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.run(loopCtx)

	p.logger.Info("Metrics publisher started", zap.Duration("interval", p.interval))
	return nil
}

// Stop halts the loop and drops the traffic subscriptions.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	cancel()
	<-done
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	p.logger.Info("Metrics publisher stopped")
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	snap := p.Snapshot(ctx)

	event := bus.NewEvent(events.MetricsSnapshot, "metrics", map[string]interface{}{
		"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
		"tasks_by_state": snap.TasksByState,
		"pool": map[string]interface{}{
			"workers": snap.Pool.Workers,
			"active":  snap.Pool.Active,
			"queued":  snap.Pool.Queued,
		},
		"active_users":   snap.ActiveUsers,
		"today_cost_usd": snap.TodayCostUSD,
		"month_cost_usd": snap.MonthCostUSD,
		"event_rates":    snap.EventRates,
		"goroutines":     snap.Goroutines,
	})
	if err := p.eventBus.Publish(ctx, events.MetricsSnapshot, event); err != nil {
		p.logger.Error("Failed to publish metrics snapshot", zap.Error(err))
	}
}

// Snapshot assembles the current aggregate. The traffic counters reset on
// every call, so each snapshot's rates cover exactly one window.
func (p *Publisher) Snapshot(ctx context.Context) *v1.MetricsSnapshot {
	now := time.Now().UTC()
	window := p.interval.Seconds()

	byState := make(map[string]int)
	if p.tasks != nil {
		counts, err := p.tasks.CountTasksByState(ctx)
		if err != nil {
			p.logger.Warn("Failed to count tasks", zap.Error(err))
		}
		for state, n := range counts {
			byState[string(state)] = n
		}
	}

	snap := &v1.MetricsSnapshot{
		Timestamp:    now,
		TasksByState: byState,
		EventRates: map[string]float64{
			"tasks": float64(p.taskEvents.Swap(0)) / window,
			"tools": float64(p.toolEvents.Swap(0)) / window,
		},
		Goroutines: runtime.NumGoroutine(),
	}
	if p.status != nil {
		if st := p.status.GetStatus(); st != nil {
			snap.Pool = v1.PoolStatus{
				Workers: st.Pool.Workers,
				Active:  st.Pool.ActiveWorkers,
				Queued:  st.Pool.QueuedTasks,
			}
			snap.ActiveUsers = st.ActiveUsers
		}
	}
	if p.costs != nil {
		snap.TodayCostUSD = p.costs.SpentToday(now)
		snap.MonthCostUSD = p.costs.SpentThisMonth(now)
	}
	return snap
}

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/pool"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	"github.com/mjfuentes/amiga-sub003/internal/task/repository"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakeStatus struct {
	status *orchestrator.Status
}

func (f *fakeStatus) GetStatus() *orchestrator.Status { return f.status }

type fakeCosts struct {
	today float64
	month float64
}

func (f *fakeCosts) SpentToday(time.Time) float64     { return f.today }
func (f *fakeCosts) SpentThisMonth(time.Time) float64 { return f.month }

func seedTask(t *testing.T, repo *repository.MemoryRepository, state v1.TaskState) {
	t.Helper()
	task := models.NewTask("alice", "prompt", "desc", models.PriorityNormal, "claude-code")
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
	if state == v1.TaskStatePending {
		return
	}
	if err := repo.MarkTaskRunning(context.Background(), task.ID, 1234, "b", "w"); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if state == v1.TaskStateRunning {
		return
	}
	if err := repo.FinishTask(context.Background(), task.ID, state, nil, nil, nil); err != nil {
		t.Fatalf("failed to finish: %v", err)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	log := newTestLogger(t)
	repo := repository.NewMemoryRepository()
	seedTask(t, repo, v1.TaskStatePending)
	seedTask(t, repo, v1.TaskStateRunning)
	seedTask(t, repo, v1.TaskStateRunning)
	seedTask(t, repo, v1.TaskStateCompleted)

	status := &fakeStatus{status: &orchestrator.Status{
		Running:     true,
		Pool:        pool.Status{Workers: 3, ActiveWorkers: 2, QueuedTasks: 5},
		ActiveUsers: 1,
	}}
	costs := &fakeCosts{today: 1.25, month: 9.5}

	p := New(time.Second, repo, costs, status, bus.NewMemoryEventBus(log), log)
	snap := p.Snapshot(context.Background())

	if snap.TasksByState["pending"] != 1 || snap.TasksByState["running"] != 2 || snap.TasksByState["completed"] != 1 {
		t.Errorf("wrong state counts: %v", snap.TasksByState)
	}
	if snap.Pool.Workers != 3 || snap.Pool.Active != 2 || snap.Pool.Queued != 5 {
		t.Errorf("wrong pool status: %+v", snap.Pool)
	}
	if snap.ActiveUsers != 1 {
		t.Errorf("wrong active users: %d", snap.ActiveUsers)
	}
	if snap.TodayCostUSD != 1.25 || snap.MonthCostUSD != 9.5 {
		t.Errorf("wrong cost totals: %v / %v", snap.TodayCostUSD, snap.MonthCostUSD)
	}
	if snap.Goroutines <= 0 {
		t.Error("expected a goroutine count")
	}
}

func TestEventRatesResetPerWindow(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)

	// An hour-long window keeps the publish loop quiet while the test samples
	// the counters by hand.
	p := New(time.Hour, nil, nil, nil, eventBus, log)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer p.Stop()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		event := bus.NewEvent(events.TaskActivity, "test", map[string]interface{}{"n": i})
		if err := eventBus.Publish(ctx, events.BuildTaskSubject(events.TaskActivity, "abc123"), event); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	event := bus.NewEvent(events.ToolEventRecorded, "test", nil)
	if err := eventBus.Publish(ctx, events.BuildToolEventSubject("abc123"), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	window := time.Hour.Seconds()
	snap := p.Snapshot(ctx)
	if got := snap.EventRates["tasks"]; got != 4/window {
		t.Errorf("expected 4 task events in the window, got rate %v", got)
	}
	if got := snap.EventRates["tools"]; got != 1/window {
		t.Errorf("expected 1 tool event in the window, got rate %v", got)
	}

	// Counters reset with each snapshot.
	snap = p.Snapshot(ctx)
	if snap.EventRates["tasks"] != 0 || snap.EventRates["tools"] != 0 {
		t.Errorf("expected zero rates in an empty window, got %v", snap.EventRates)
	}
}

func TestPublishesOnCadence(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)

	received := make(chan *bus.Event, 4)
	if _, err := eventBus.Subscribe(events.MetricsSnapshot, func(ctx context.Context, event *bus.Event) error {
		select {
		case received <- event:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	p := New(20*time.Millisecond, repository.NewMemoryRepository(), nil, nil, eventBus, log)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer p.Stop()

	select {
	case event := <-received:
		if event.Type != events.MetricsSnapshot {
			t.Errorf("unexpected event type %q", event.Type)
		}
		if _, ok := event.Data["tasks_by_state"]; !ok {
			t.Errorf("snapshot data missing state counts: %v", event.Data)
		}
		if _, ok := event.Data["event_rates"]; !ok {
			t.Errorf("snapshot data missing event rates: %v", event.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}

	p.Stop()
	// Stop is idempotent.
	p.Stop()
}

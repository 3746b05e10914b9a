package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	ws "github.com/mjfuentes/amiga-sub003/pkg/websocket"
)

// EventBroadcaster bridges the internal event bus onto the notification
// channels. Task lifecycle and activity land on "tasks", tool events on
// "tools", and snapshots on "metrics". Events that name a user are routed
// so user-scoped connections only see their own.
type EventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterNotifications wires the bus subscriptions and returns the
// broadcaster. Subscriptions are released when ctx is cancelled.
func RegisterNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBroadcaster {
	b := &EventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskCreated), ws.ChannelTasks, ws.ActionTaskCreated)
	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskStateChanged), ws.ChannelTasks, ws.ActionTaskUpdated)
	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskActivity), ws.ChannelTasks, ws.ActionTaskActivity)
	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.SessionCleared), ws.ChannelTasks, ws.ActionSessionCleared)
	b.subscribe(eventBus, events.BuildToolEventWildcardSubject(), ws.ChannelTools, ws.ActionToolEvent)
	b.subscribe(eventBus, events.MetricsSnapshot, ws.ChannelMetrics, ws.ActionMetricsSnapshot)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close releases all bus subscriptions.
func (b *EventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *EventBroadcaster) subscribe(eventBus bus.EventBus, subject, channel, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(channel, action, event.Data)
		if err != nil {
			b.logger.Error("Failed to build notification",
				zap.String("action", action), zap.Error(err))
			return nil
		}

		// Fleet-wide channels are not attributed to a user; everything else
		// routes on the event's user_id when present.
		var userID string
		if channel != ws.ChannelMetrics {
			userID, _ = event.Data["user_id"].(string)
		}

		b.hub.Publish(channel, userID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

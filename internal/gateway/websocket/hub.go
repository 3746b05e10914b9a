// Package websocket is the live fan-out gateway: one hub, one goroutine per
// client direction, and channel-scoped notification streams for dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	ws "github.com/mjfuentes/amiga-sub003/pkg/websocket"
)

// outbound is one notification waiting for fan-out, with its audience.
// An empty userID addresses every subscriber of the channel.
type outbound struct {
	channel string
	userID  string
	msg     *ws.Message
}

// Hub owns the client set and fan-out for the notification channels. Frames
// on each channel carry a per-channel sequence assigned at broadcast time,
// so a client that was dropped for falling behind can detect the gap after
// reconnecting.
type Hub struct {
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool // channel -> clients

	register   chan *Client
	unregister chan *Client
	broadcast  chan *outbound

	sequences map[string]*atomic.Uint64

	dispatcher *ws.Dispatcher

	done   chan struct{}
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub for the known notification channels.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	sequences := make(map[string]*atomic.Uint64)
	subscribers := make(map[string]map[*Client]bool)
	for _, ch := range []string{ws.ChannelTasks, ws.ChannelTools, ws.ChannelMetrics} {
		sequences[ch] = &atomic.Uint64{}
		subscribers[ch] = make(map[*Client]bool)
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: subscribers,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *outbound, 256),
		sequences:   sequences,
		dispatcher:  dispatcher,
		done:        make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run is the hub's main loop. It returns when the context is cancelled,
// closing every client connection on the way out.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered",
				zap.String("client_id", client.ID),
				zap.String("scope", client.Scope.String()))

		case client := <-h.unregister:
			h.removeClient(client)

		case out := <-h.broadcast:
			h.fanOut(out)
		}
	}
}

// Publish queues one notification for fan-out. The frame's sequence is
// assigned when the hub picks it up, preserving publish order per channel.
func (h *Hub) Publish(channel, userID string, msg *ws.Message) {
	select {
	case h.broadcast <- &outbound{channel: channel, userID: userID, msg: msg}:
	default:
		h.logger.Warn("Broadcast queue full, dropping notification",
			zap.String("channel", channel), zap.String("action", msg.Action))
	}
}

// fanOut stamps the frame and delivers it to every eligible subscriber. A
// client whose send buffer is full is dropped on the spot: a reader that
// slow would only fall further behind, and the sequence gap tells it so.
func (h *Hub) fanOut(out *outbound) {
	seq, ok := h.sequences[out.channel]
	if !ok {
		h.logger.Warn("Notification for unknown channel", zap.String("channel", out.channel))
		return
	}
	out.msg.Sequence = seq.Add(1)
	out.msg.Channel = out.channel

	data, err := json.Marshal(out.msg)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.subscribers[out.channel] {
		if !client.Scope.CanSee(out.userID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Dropping slow client",
			zap.String("client_id", client.ID),
			zap.String("channel", out.channel))
		h.removeClient(client)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds the client to a channel's audience.
func (h *Hub) Subscribe(client *Client, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[channel]
	if !ok {
		return false
	}
	subs[client] = true
	client.channels[channel] = true
	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID), zap.String("channel", channel))
	return true
}

// Unsubscribe removes the client from a channel's audience.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.channels, channel)
	if subs, ok := h.subscribers[channel]; ok {
		delete(subs, client)
	}
}

// removeClient drops the client from every channel and closes its send
// queue. Safe to call twice; the second call finds nothing to do.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for channel := range client.channels {
		if subs, ok := h.subscribers[channel]; ok {
			delete(subs, client)
		}
	}
	close(client.send)
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	for channel := range h.subscribers {
		h.subscribers[channel] = make(map[*Client]bool)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients follow a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

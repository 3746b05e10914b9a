package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	ws "github.com/mjfuentes/amiga-sub003/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Inbound traffic is only
	// subscription control frames, so this stays small.
	maxMessageSize = 4096

	// Outbound queue depth per client. A client that keeps this full for a
	// whole broadcast gets dropped rather than stalling the hub.
	sendBufferSize = 256
)

var newline = []byte{'\n'}

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Scope Scope

	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, scope Scope, hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		Scope:    scope,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		channels: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id), zap.String("scope", scope.String())),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub. It runs
// on the connection's handler goroutine and returns when the peer goes away.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Unexpected close", zap.Error(err))
			}
			return
		}
		c.handleMessage(ctx, raw)
	}
}

// WritePump pumps messages from the send queue to the WebSocket connection.
// Queued messages are coalesced into one frame, newline separated.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type subscriptionRequest struct {
	Channel string `json:"channel"`
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var msg ws.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.respondError("", "", ws.ErrorCodeBadRequest, "invalid message format")
		return
	}

	switch msg.Action {
	case ws.ActionSubscribe:
		c.handleSubscribe(&msg)
	case ws.ActionUnsubscribe:
		c.handleUnsubscribe(&msg)
	default:
		resp, err := c.hub.dispatcher.Dispatch(ctx, &msg)
		if err != nil {
			c.logger.Error("Handler failed", zap.String("action", msg.Action), zap.Error(err))
			c.respondError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "handler failed")
			return
		}
		if resp != nil {
			c.respond(resp)
		}
	}
}

func (c *Client) handleSubscribe(msg *ws.Message) {
	var req subscriptionRequest
	if err := msg.ParsePayload(&req); err != nil || req.Channel == "" {
		c.respondError(msg.ID, msg.Action, ws.ErrorCodeValidation, "channel is required")
		return
	}
	if !c.Scope.CanSubscribe(req.Channel) {
		c.respondError(msg.ID, msg.Action, ws.ErrorCodeForbidden,
			"scope "+c.Scope.String()+" may not subscribe to "+req.Channel)
		return
	}
	if !c.hub.Subscribe(c, req.Channel) {
		c.respondError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "unknown channel: "+req.Channel)
		return
	}
	resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"channel":    req.Channel,
		"subscribed": true,
	})
	if err != nil {
		return
	}
	c.respond(resp)
}

func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var req subscriptionRequest
	if err := msg.ParsePayload(&req); err != nil || req.Channel == "" {
		c.respondError(msg.ID, msg.Action, ws.ErrorCodeValidation, "channel is required")
		return
	}
	c.hub.Unsubscribe(c, req.Channel)
	resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"channel":    req.Channel,
		"subscribed": false,
	})
	if err != nil {
		return
	}
	c.respond(resp)
}

// respond queues a direct response to this client. Responses compete with
// notifications for the same queue; if it is full the response is dropped
// and the client will be unregistered on the next broadcast anyway.
func (c *Client) respond(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send queue full, dropping response", zap.String("action", msg.Action))
	}
}

func (c *Client) respondError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		return
	}
	c.respond(msg)
}

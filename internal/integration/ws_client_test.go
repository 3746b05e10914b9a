package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	ws "github.com/mjfuentes/amiga-sub003/pkg/websocket"
)

// wsClient is a WebSocket client for gateway tests: responses are routed to
// their pending request by ID, notifications land on a buffered channel.
type wsClient struct {
	conn *gorillaws.Conn
	t    *testing.T

	notifications chan *ws.Message
	done          chan struct{}

	mu      sync.Mutex
	pending map[string]chan *ws.Message

	writeMu sync.Mutex
}

// dialWS connects to the test server's /ws endpoint with the given scope
// ("admin" or "user:<id>").
func dialWS(t *testing.T, serverURL, scope string) *wsClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?scope=" + url.QueryEscape(scope)
	dialer := gorillaws.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	c := &wsClient{
		conn:          conn,
		t:             t,
		notifications: make(chan *ws.Message, 100),
		done:          make(chan struct{}),
		pending:       make(map[string]chan *ws.Message),
	}
	go c.readPump()
	t.Cleanup(c.Close)
	return c
}

func (c *wsClient) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// The write pump coalesces queued messages into one frame, newline
		// separated; split them back apart before decoding.
		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			var msg ws.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if msg.Type == ws.MessageTypeNotification {
				select {
				case c.notifications <- &msg:
				default:
				}
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- &msg:
				default:
				}
			}
		}
	}
}

// Close closes the connection and waits for the read pump to drain. Safe to
// call after the server is gone.
func (c *wsClient) Close() {
	_ = c.conn.Close()
	<-c.done
}

// request sends one request and waits for the response with the same ID.
func (c *wsClient) request(id, action string, payload interface{}) (*ws.Message, error) {
	msg, err := ws.NewRequest(id, action, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *ws.Message, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(gorillaws.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("no response to %s within 5s", action)
	}
}

// subscribe joins a notification channel and requires the confirmation.
func (c *wsClient) subscribe(channel string) {
	c.t.Helper()
	resp, err := c.request("sub-"+channel, ws.ActionSubscribe, map[string]string{"channel": channel})
	require.NoError(c.t, err)
	require.Equal(c.t, ws.MessageTypeResponse, resp.Type, "subscribe to %s failed: %s", channel, resp.Payload)

	var payload map[string]interface{}
	require.NoError(c.t, resp.ParsePayload(&payload))
	require.Equal(c.t, true, payload["subscribed"])
}

// waitForAction returns the next notification with the given action.
func (c *wsClient) waitForAction(action string, timeout time.Duration) (*ws.Message, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.notifications:
			if msg.Action == action {
				return msg, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("no %s notification within %s", action, timeout)
		}
	}
}

// collectActions drains notifications for the duration and returns the
// actions seen, in order.
func (c *wsClient) collectActions(duration time.Duration) []string {
	var actions []string
	deadline := time.After(duration)
	for {
		select {
		case msg := <-c.notifications:
			actions = append(actions, msg.Action)
		case <-deadline:
			return actions
		}
	}
}

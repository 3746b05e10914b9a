package websocket

import (
	"fmt"
	"strings"

	ws "github.com/mjfuentes/amiga-sub003/pkg/websocket"
)

// Scope is the audience a connection authenticated as. Admin connections see
// every notification; user connections only see events attributed to them.
type Scope struct {
	Admin  bool
	UserID string
}

// ParseScope parses the scope query parameter: "admin" or "user:<id>".
func ParseScope(raw string) (Scope, error) {
	if raw == "admin" {
		return Scope{Admin: true}, nil
	}
	if id, ok := strings.CutPrefix(raw, "user:"); ok && id != "" {
		return Scope{UserID: id}, nil
	}
	return Scope{}, fmt.Errorf("invalid scope %q, expected \"admin\" or \"user:<id>\"", raw)
}

// CanSee reports whether a notification attributed to userID is visible to
// this scope. Events with no user attribution go to everyone.
func (s Scope) CanSee(userID string) bool {
	if s.Admin || userID == "" {
		return true
	}
	return s.UserID == userID
}

// CanSubscribe reports whether the scope may follow a channel. The metrics
// stream exposes fleet-wide state and is admin-only.
func (s Scope) CanSubscribe(channel string) bool {
	if channel == ws.ChannelMetrics {
		return s.Admin
	}
	return true
}

func (s Scope) String() string {
	if s.Admin {
		return "admin"
	}
	return "user:" + s.UserID
}

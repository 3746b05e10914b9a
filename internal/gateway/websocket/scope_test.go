package websocket

import (
	"testing"

	ws "github.com/mjfuentes/amiga-sub003/pkg/websocket"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		raw     string
		want    Scope
		wantErr bool
	}{
		{raw: "admin", want: Scope{Admin: true}},
		{raw: "user:alice", want: Scope{UserID: "alice"}},
		{raw: "user:tg-123456", want: Scope{UserID: "tg-123456"}},
		{raw: "", wantErr: true},
		{raw: "user:", wantErr: true},
		{raw: "root", wantErr: true},
		{raw: "admin:alice", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseScope(%q): expected error, got %+v", tt.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseScope(%q): unexpected error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseScope(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestScopeCanSee(t *testing.T) {
	admin := Scope{Admin: true}
	alice := Scope{UserID: "alice"}

	if !admin.CanSee("bob") {
		t.Error("admin should see every user's events")
	}
	if !alice.CanSee("alice") {
		t.Error("user should see own events")
	}
	if alice.CanSee("bob") {
		t.Error("user should not see another user's events")
	}
	if !alice.CanSee("") {
		t.Error("unattributed events should be visible to everyone")
	}
}

func TestScopeCanSubscribe(t *testing.T) {
	admin := Scope{Admin: true}
	alice := Scope{UserID: "alice"}

	for _, ch := range []string{ws.ChannelTasks, ws.ChannelTools} {
		if !alice.CanSubscribe(ch) {
			t.Errorf("user scope should subscribe to %s", ch)
		}
	}
	if alice.CanSubscribe(ws.ChannelMetrics) {
		t.Error("user scope must not subscribe to metrics")
	}
	if !admin.CanSubscribe(ws.ChannelMetrics) {
		t.Error("admin scope should subscribe to metrics")
	}
}

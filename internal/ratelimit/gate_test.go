package ratelimit

import (
	"testing"
	"time"
)

func TestGate_Defaults(t *testing.T) {
	g := NewGate(Config{})
	if g.cfg.UserPerMinute != 30 || g.cfg.UserPerHour != 500 || g.cfg.GlobalPerSecond != 30 {
		t.Errorf("unexpected defaults: %+v", g.cfg)
	}
}

func TestGate_MinuteBucket(t *testing.T) {
	g := NewGate(Config{UserPerMinute: 3, UserPerHour: 100, GlobalPerSecond: 100})

	for i := 0; i < 3; i++ {
		if _, ok := g.Allow("u1"); !ok {
			t.Fatalf("expected request %d within burst to pass", i+1)
		}
	}
	wait, ok := g.Allow("u1")
	if ok {
		t.Fatal("expected fourth request to be denied")
	}
	if wait <= 0 {
		t.Errorf("expected positive retry-after, got %v", wait)
	}
}

func TestGate_HourBucket(t *testing.T) {
	g := NewGate(Config{UserPerMinute: 100, UserPerHour: 2, GlobalPerSecond: 100})

	for i := 0; i < 2; i++ {
		if _, ok := g.Allow("u1"); !ok {
			t.Fatalf("expected request %d to pass", i+1)
		}
	}
	wait, ok := g.Allow("u1")
	if ok {
		t.Fatal("expected third request to be denied by the hour bucket")
	}
	// An hour bucket refills one token in 30 minutes at this rate.
	if wait < time.Minute {
		t.Errorf("expected a long hour-bucket wait, got %v", wait)
	}
}

func TestGate_GlobalBucket(t *testing.T) {
	g := NewGate(Config{UserPerMinute: 100, UserPerHour: 100, GlobalPerSecond: 2})

	if _, ok := g.Allow("u1"); !ok {
		t.Fatal("expected first request to pass")
	}
	if _, ok := g.Allow("u2"); !ok {
		t.Fatal("expected second request to pass")
	}
	// A third user is blocked by the shared bucket.
	wait, ok := g.Allow("u3")
	if ok {
		t.Fatal("expected third request to be denied by the global bucket")
	}
	if wait <= 0 {
		t.Errorf("expected positive retry-after, got %v", wait)
	}
}

func TestGate_DenialsConsumeNothing(t *testing.T) {
	g := NewGate(Config{UserPerMinute: 1, UserPerHour: 100, GlobalPerSecond: 100})

	if _, ok := g.Allow("u1"); !ok {
		t.Fatal("expected first request to pass")
	}

	// Repeated denials must not stack reservations: each retry-after stays
	// near one refill interval instead of growing by a minute per attempt.
	wait1, ok := g.Allow("u1")
	if ok {
		t.Fatal("expected second request to be denied")
	}
	wait2, ok := g.Allow("u1")
	if ok {
		t.Fatal("expected third request to be denied")
	}
	if wait1 > 61*time.Second || wait2 > 61*time.Second {
		t.Errorf("denied requests consumed tokens: waits %v, %v", wait1, wait2)
	}
}

func TestGate_UsersAreIndependent(t *testing.T) {
	g := NewGate(Config{UserPerMinute: 1, UserPerHour: 100, GlobalPerSecond: 100})

	if _, ok := g.Allow("u1"); !ok {
		t.Fatal("expected u1's first request to pass")
	}
	if _, ok := g.Allow("u1"); ok {
		t.Fatal("expected u1's second request to be denied")
	}
	if _, ok := g.Allow("u2"); !ok {
		t.Error("expected u2 to be unaffected by u1's bucket")
	}
}

func TestGate_Prune(t *testing.T) {
	g := NewGate(Config{})
	g.Allow("u1")
	g.Allow("u2")

	if got := g.ActiveUsers(); got != 2 {
		t.Fatalf("expected 2 tracked users, got %d", got)
	}
	if removed := g.Prune(time.Hour); removed != 0 {
		t.Errorf("expected nothing pruned within the idle horizon, removed %d", removed)
	}
	if removed := g.Prune(0); removed != 2 {
		t.Errorf("expected both users pruned, removed %d", removed)
	}
	if got := g.ActiveUsers(); got != 0 {
		t.Errorf("expected 0 tracked users after prune, got %d", got)
	}
}

func TestRetryAfterMillis(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{999 * time.Microsecond, 1},
		{2 * time.Second, 2000},
	}
	for _, tt := range tests {
		if got := RetryAfterMillis(tt.d); got != tt.want {
			t.Errorf("RetryAfterMillis(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

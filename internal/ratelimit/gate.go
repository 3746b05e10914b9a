// Package ratelimit enforces per-user and global request token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultUserPerMinute   = 30
	defaultUserPerHour     = 500
	defaultGlobalPerSecond = 30
)

// Config holds the token-bucket sizes. Each value is both the bucket's
// burst and its refill volume per window.
type Config struct {
	UserPerMinute   int `mapstructure:"userPerMinute"`
	UserPerHour     int `mapstructure:"userPerHour"`
	GlobalPerSecond int `mapstructure:"globalPerSecond"`
}

func (c *Config) applyDefaults() {
	if c.UserPerMinute <= 0 {
		c.UserPerMinute = defaultUserPerMinute
	}
	if c.UserPerHour <= 0 {
		c.UserPerHour = defaultUserPerHour
	}
	if c.GlobalPerSecond <= 0 {
		c.GlobalPerSecond = defaultGlobalPerSecond
	}
}

type userBuckets struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// Gate admits a request only when the caller's minute bucket, the caller's
// hour bucket, and the process-wide second bucket all hold a token. A denied
// request consumes nothing.
type Gate struct {
	cfg    Config
	global *rate.Limiter

	mu    sync.Mutex
	users map[string]*userBuckets
}

// NewGate builds a gate, filling in spec defaults for zero config values.
func NewGate(cfg Config) *Gate {
	cfg.applyDefaults()
	return &Gate{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), cfg.GlobalPerSecond),
		users:  make(map[string]*userBuckets),
	}
}

func (g *Gate) bucketsFor(userID string) *userBuckets {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.users[userID]
	if !ok {
		b = &userBuckets{
			minute: rate.NewLimiter(rate.Limit(float64(g.cfg.UserPerMinute)/60.0), g.cfg.UserPerMinute),
			hour:   rate.NewLimiter(rate.Limit(float64(g.cfg.UserPerHour)/3600.0), g.cfg.UserPerHour),
		}
		g.users[userID] = b
	}
	b.lastSeen = time.Now()
	return b
}

// Allow consumes one token from each bucket. When any bucket is empty the
// reservations are cancelled and retryAfter holds the wait until the slowest
// bucket refills.
func (g *Gate) Allow(userID string) (retryAfter time.Duration, ok bool) {
	b := g.bucketsFor(userID)

	limiters := []*rate.Limiter{b.minute, b.hour, g.global}
	reservations := make([]*rate.Reservation, 0, len(limiters))
	var wait time.Duration
	for _, lim := range limiters {
		r := lim.Reserve()
		reservations = append(reservations, r)
		if d := r.Delay(); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		for _, r := range reservations {
			r.Cancel()
		}
		return wait, false
	}
	return 0, true
}

// Prune drops per-user buckets idle longer than maxIdle and returns how many
// were removed. Buckets are recreated full on next contact, which is
// harmless given the idle horizon exceeds the hour window.
func (g *Gate) Prune(maxIdle time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, b := range g.users {
		if time.Since(b.lastSeen) > maxIdle {
			delete(g.users, id)
			removed++
		}
	}
	return removed
}

// ActiveUsers returns the number of tracked per-user bucket pairs.
func (g *Gate) ActiveUsers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}

// RetryAfterMillis converts a wait to whole milliseconds, rounding up so a
// client that sleeps the advertised time always clears the bucket.
func RetryAfterMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// Package ratelimit implements the user-shard fixed-window limiter named in
// §4.F ("Rate limiting (user-sharded only). Fixed window counter per user:
// {count, reset_at}"). It is deliberately distinct from the per-shard
// execution governor, which stays a golang.org/x/time/rate token bucket
// (see internal/shard) — that limiter bounds one shard's own CPU/IO work,
// this one enforces a caller-visible request quota with a
// retry_after_seconds hint, which a token bucket does not naturally expose.
package ratelimit

import (
	"sync"
	"time"
)

// Window is one user's current fixed-window counter state.
type Window struct {
	Count   int
	ResetAt time.Time
}

// Limit is the quota a Limiter enforces: at most Requests within Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Limiter is a per-shard fixed-window counter map keyed by user id, grounded
// on the teacher's per-key map-of-limiters shape (infrastructure/middleware
// ratelimit.Handler's getLimiter), rewritten from a token bucket to a fixed
// window because the spec requires {count, reset_at} semantics and an
// explicit retry_after_seconds, which rate.Limiter cannot report directly.
type Limiter struct {
	limit Limit

	mu       sync.Mutex
	counters map[string]*Window
}

// New constructs a Limiter enforcing limit.
func New(limit Limit) *Limiter {
	return &Limiter{limit: limit, counters: make(map[string]*Window)}
}

// Allow records one request for userID at now and reports whether it is
// within quota. When false, retryAfter is the seconds until the window
// resets, ready to use as the spec's retry_after_seconds hint (§7 kind 4).
func (l *Limiter) Allow(userID string, now time.Time) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.counters[userID]
	if !ok || !now.Before(w.ResetAt) {
		w = &Window{Count: 0, ResetAt: now.Add(l.limit.Window)}
		l.counters[userID] = w
	}

	if w.Count >= l.limit.Requests {
		return false, int(w.ResetAt.Sub(now).Seconds()) + 1
	}
	w.Count++
	return true, 0
}

// Snapshot returns the current window for userID without mutating it,
// exposed by the shard's "status" control-plane endpoint for diagnostics.
func (l *Limiter) Snapshot(userID string) (Window, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.counters[userID]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Cleanup drops expired windows, bounding map growth across long-lived
// shards the way the teacher's RateLimiter.Cleanup bounds its limiter map.
func (l *Limiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.counters {
		if !now.Before(w.ResetAt) {
			delete(l.counters, id)
		}
	}
}

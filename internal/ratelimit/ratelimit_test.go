package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinQuota(t *testing.T) {
	l := New(Limit{Requests: 2, Window: time.Minute})
	now := time.Now()

	allowed, _ := l.Allow("u1", now)
	assert.True(t, allowed)
	allowed, _ = l.Allow("u1", now)
	assert.True(t, allowed)
}

func TestAllowDeniesOverQuotaWithRetryAfter(t *testing.T) {
	l := New(Limit{Requests: 1, Window: time.Minute})
	now := time.Now()

	allowed, _ := l.Allow("u1", now)
	require.True(t, allowed)

	allowed, retryAfter := l.Allow("u1", now)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0)
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(Limit{Requests: 1, Window: 10 * time.Millisecond})
	now := time.Now()

	allowed, _ := l.Allow("u1", now)
	require.True(t, allowed)

	allowed, _ = l.Allow("u1", now.Add(20*time.Millisecond))
	assert.True(t, allowed, "a new window must reset the counter")
}

func TestAllowIsolatesByUser(t *testing.T) {
	l := New(Limit{Requests: 1, Window: time.Minute})
	now := time.Now()

	allowed, _ := l.Allow("u1", now)
	require.True(t, allowed)
	allowed, _ = l.Allow("u2", now)
	assert.True(t, allowed, "a different user must have its own window")
}

func TestCleanupDropsExpiredWindows(t *testing.T) {
	l := New(Limit{Requests: 1, Window: 10 * time.Millisecond})
	now := time.Now()
	l.Allow("u1", now)

	l.Cleanup(now.Add(20 * time.Millisecond))
	_, ok := l.Snapshot("u1")
	assert.False(t, ok)
}

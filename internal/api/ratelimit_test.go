//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("t1"))
	assert.True(t, rl.Allow("t1"))
	assert.False(t, rl.Allow("t1"))
	assert.True(t, rl.Allow("t2"), "limits are per key")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("t1"))
}

func TestRateLimiterEvict(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(30 * time.Second)
	rl.Allow("new")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, rl.Evict())
	rl.mu.Lock()
	_, hasOld := rl.requests["old"]
	_, hasNew := rl.requests["new"]
	rl.mu.Unlock()
	assert.False(t, hasOld)
	assert.True(t, hasNew)
}

func TestRunEvictionStops(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.RunEviction(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunEviction did not stop")
	}
}

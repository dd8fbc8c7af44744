package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	rl := NewRateLimiter(60)
	rl.now = func() time.Time { return now }
	rl.lastSweep = start

	for i := 0; i < 1000; i++ {
		rl.Allow(fmt.Sprintf("198.51.100.%d", i))
	}
	require.Equal(t, 1000, rl.Len())

	now = start.Add(5 * time.Minute)
	rl.Allow("203.0.113.7")
	assert.Equal(t, 1001, rl.Len(), "nothing is idle long enough yet")

	now = start.Add(limiterIdleTTL + 2*time.Minute)
	rl.Allow("203.0.113.8")
	assert.Equal(t, 2, rl.Len(), "idle clients are dropped, recent ones kept")
	assert.Contains(t, rl.limiters, "203.0.113.7")
	assert.Contains(t, rl.limiters, "203.0.113.8")
}

func TestRateLimiter_ThrottlesPerClient(t *testing.T) {
	rl := NewRateLimiter(2)

	assert.True(t, rl.Allow("192.0.2.1"))
	assert.True(t, rl.Allow("192.0.2.1"))
	assert.False(t, rl.Allow("192.0.2.1"))
	assert.True(t, rl.Allow("192.0.2.2"))
}

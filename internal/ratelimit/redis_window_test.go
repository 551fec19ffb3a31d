package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisWindow(t *testing.T, limit int, window time.Duration) (*RedisWindow, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewRedisWindow(client, "rl:dialpad", limit, window, 0)
	w.now = func() time.Time { return now }
	return w, &now
}

func TestRedisWindowCapacity(t *testing.T) {
	ctx := context.Background()
	w, _ := newRedisWindow(t, 2, time.Second)

	allowed, _, err := w.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _, _ = w.Allow(ctx, "tenant")
	assert.True(t, allowed)

	allowed, wait, err := w.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Second, wait)
}

func TestRedisWindowSlides(t *testing.T) {
	ctx := context.Background()
	w, now := newRedisWindow(t, 1, time.Second)

	allowed, _, _ := w.Allow(ctx, "k")
	require.True(t, allowed)

	*now = now.Add(400 * time.Millisecond)
	allowed, wait, _ := w.Allow(ctx, "k")
	assert.False(t, allowed)
	assert.Equal(t, 600*time.Millisecond, wait)

	*now = now.Add(600 * time.Millisecond)
	allowed, _, _ = w.Allow(ctx, "k")
	assert.True(t, allowed)
}

func TestRedisWindowAcquireRespectsContext(t *testing.T) {
	w, _ := newRedisWindow(t, 1, time.Hour)
	require.NoError(t, w.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Acquire(ctx), context.DeadlineExceeded)
}

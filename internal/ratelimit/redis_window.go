package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"call-sync-engine/internal/telemetry"
)

// RedisWindow is a sliding-window log kept in a Redis sorted set, so several
// processes sharing one API key also share one request budget.
type RedisWindow struct {
	client *redis.Client
	key    string
	limit  int
	window time.Duration
	buffer time.Duration
	now    func() time.Time
}

// NewRedisWindow constructs a window with the provided limit. key names the
// shared budget used by Acquire; Allow takes its own key.
func NewRedisWindow(client *redis.Client, key string, limit int, window, buffer time.Duration) *RedisWindow {
	return &RedisWindow{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
		buffer: buffer,
		now:    time.Now,
	}
}

// Allow records a grant for key if the window has room.
// Returns the allowed flag and, when denied, how long until the oldest grant expires.
func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := w.now().UnixMilli()
	res, err := windowScript.Run(ctx, w.client, []string{key},
		now, w.window.Milliseconds(), w.limit, uuid.NewString()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("sliding window script: unexpected reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	waitMs, _ := arr[1].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// Acquire blocks until the shared budget admits one more request.
func (w *RedisWindow) Acquire(ctx context.Context) error {
	for {
		allowed, wait, err := w.Allow(ctx, w.key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		wait += w.buffer
		telemetry.RateLimitWaitSeconds.Observe(wait.Seconds())
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 0 then wait = 0 end
return {0, wait}
`)

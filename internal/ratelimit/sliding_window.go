package ratelimit

import (
	"context"
	"sync"
	"time"

	"call-sync-engine/internal/telemetry"
)

// Limiter blocks until an outbound request may be issued.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// SlidingWindow grants at most limit acquisitions within any rolling window.
// It keeps the timestamps of recent grants; there is no waiter queue, so ordering
// between concurrent callers is not FIFO, but no caller waits longer than one window
// per contention round.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	buffer time.Duration
	grants []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSlidingWindow builds a limiter for limit requests per window. buffer is added
// to every computed wait so the oldest grant has fully left the window on wake-up.
func NewSlidingWindow(limit int, window, buffer time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		buffer: buffer,
		grants: make([]time.Time, 0, limit),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire records a grant, waiting first if the window is full. It only returns an
// error when ctx ends.
func (w *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		wait, ok := w.tryGrant()
		if ok {
			return nil
		}
		telemetry.RateLimitWaitSeconds.Observe(wait.Seconds())
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (w *SlidingWindow) tryGrant() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)
	if len(w.grants) < w.limit {
		w.grants = append(w.grants, now)
		return 0, true
	}
	return w.grants[0].Add(w.window).Sub(now) + w.buffer, false
}

// evict drops grants that are at least one window old.
func (w *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.grants) && !w.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package retry classifies fetch errors and runs the wait-and-retry loop around
// a single external request.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"call-sync-engine/internal/config"
	"call-sync-engine/internal/dialpad"
	"call-sync-engine/internal/logging"
)

// Class is the retry treatment of an error.
type Class int

const (
	ClassFatal Class = iota
	ClassTransient
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// ErrRateLimitBudget is returned when 429 waits exceed MaxRateLimitWait.
var ErrRateLimitBudget = errors.New("rate limit wait budget exhausted")

// Classify maps an error from the dialpad client onto a retry class.
func Classify(err error) Class {
	var rl *dialpad.RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var te *dialpad.TransportError
	if errors.As(err, &te) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassFatal
}

// Policy governs how long and how often a request is re-issued.
type Policy struct {
	// TransientAttempts caps attempts for timeouts and transport errors.
	TransientAttempts int
	// RateLimitBackoff is used for a 429 without Retry-After.
	RateLimitBackoff time.Duration
	// MaxRateLimitWait bounds the cumulative time spent waiting on 429s.
	MaxRateLimitWait time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// FromConfig builds a Policy from sync settings.
func FromConfig(cfg config.SyncConfig) Policy {
	return Policy{
		TransientAttempts: cfg.TransientAttempts,
		RateLimitBackoff:  cfg.RateLimitBackoff,
		MaxRateLimitWait:  cfg.MaxRateLimitWait,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
	}
}

// WithSleep replaces the wait function, for tests.
func (p Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// Do runs fn until it succeeds, fails fatally, exhausts the transient attempt cap or
// exceeds the cumulative rate-limit wait. 429s do not consume transient attempts.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := p.TransientAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var transientFailures int
	var rateLimitWaited time.Duration
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		switch Classify(err) {
		case ClassRateLimited:
			wait = p.RateLimitBackoff
			var rl *dialpad.RateLimitedError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				wait = rl.RetryAfter
			}
			if p.MaxRateLimitWait > 0 && rateLimitWaited+wait > p.MaxRateLimitWait {
				return fmt.Errorf("%w after %s: %v", ErrRateLimitBudget, rateLimitWaited, err)
			}
			rateLimitWaited += wait
		case ClassTransient:
			transientFailures++
			if transientFailures >= attempts {
				return fmt.Errorf("giving up after %d attempts: %w", transientFailures, err)
			}
			wait = BackoffWithJitter(p.BackoffInitial, p.BackoffMax, transientFailures)
		default:
			return err
		}

		logging.Debug().Err(err).Dur("wait", wait).Msg("retrying request")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// BackoffWithJitter returns an exponential backoff for attempt (1-based), capped at
// max, with the upper half jittered.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
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

package dialpad

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
var ErrMalformedResponse = errors.New("dialpad: malformed response")

// RateLimitedError is an HTTP 429. RetryAfter is zero when the server sent no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("dialpad: rate limited, retry after %s", e.RetryAfter)
	}
	return "dialpad: rate limited"
}

// StatusError is any non-2xx response other than 429.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dialpad: unexpected status %d: %s", e.Code, e.Body)
}

// TransportError wraps a request that never produced a response.
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("dialpad: request timed out: %v", e.Err)
	}
	return fmt.Sprintf("dialpad: request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

package dialpad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/telemetry"
)

// ErrCircuitOpen is returned while the breaker rejects calls to an unhealthy API.
var ErrCircuitOpen = errors.New("dialpad: circuit open")

// BreakerSettings tune the circuit breaker around the API.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// DefaultBreakerSettings trips after five consecutive server-side failures and
// lets a trial request through after one minute.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: time.Minute}
}

// BreakerClient wraps an API with a circuit breaker. Rate limiting and client
// errors do not count as failures; transport errors and 5xx do.
type BreakerClient struct {
	api API
	cb  *gobreaker.CircuitBreaker[any]
}

// NewBreakerClient wraps api.
func NewBreakerClient(api API, s BreakerSettings) *BreakerClient {
	telemetry.BreakerState.Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "dialpad-api",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			telemetry.BreakerState.Set(stateValue(to))
		},
	})
	return &BreakerClient{api: api, cb: cb}
}

func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code < 500
	}
	return !errors.Is(err, ErrMalformedResponse) && !isTransport(err)
}

func isTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ListCalls implements API.
func (b *BreakerClient) ListCalls(ctx context.Context, p ListParams) (Page, error) {
	res, err := b.execute(func() (any, error) { return b.api.ListCalls(ctx, p) })
	if err != nil {
		return Page{}, err
	}
	page, ok := res.(Page)
	if !ok {
		return Page{}, fmt.Errorf("circuit breaker: unexpected result type %T", res)
	}
	return page, nil
}

// GetCall implements API.
func (b *BreakerClient) GetCall(ctx context.Context, callID string) (json.RawMessage, error) {
	res, err := b.execute(func() (any, error) { return b.api.GetCall(ctx, callID) })
	if err != nil {
		return nil, err
	}
	raw, ok := res.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", res)
	}
	return raw, nil
}

// State exposes the breaker state for health reporting.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return res, err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

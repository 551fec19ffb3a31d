package dialpad

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-sync-engine/internal/config"
	"call-sync-engine/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.DialpadConfig{BaseURL: srv.URL, APIKey: "secret", RequestTimeout: 2 * time.Second})
}

func testRange() models.DateRange {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return models.DateRange{Start: start, End: start.Add(24 * time.Hour)}
}

func TestListCallsSendsWindowAndCursor(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`{"items":[{"call_id":"1"},{"call_id":"2"}],"cursor":"next-1"}`))
	})

	page, err := c.ListCalls(context.Background(), ListParams{Range: testRange(), Limit: 50, Cursor: "abc"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "next-1", page.Cursor)

	require.NotNil(t, got)
	assert.Equal(t, "/call", got.URL.Path)
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	q := got.URL.Query()
	assert.Equal(t, "1709251200000", q.Get("started_after"))
	assert.Equal(t, "1709337600000", q.Get("started_before"))
	assert.Equal(t, "50", q.Get("limit"))
	assert.Equal(t, "abc", q.Get("cursor"))
}

func TestListCallsWithoutCursorIsExhausted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[]}`))
	})

	page, err := c.ListCalls(context.Background(), ListParams{Range: testRange()})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.Cursor)
}

func TestListCallsErrorTaxonomy(t *testing.T) {
	t.Run("429 with retry-after", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := c.ListCalls(context.Background(), ListParams{Range: testRange()})
		var rl *RateLimitedError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, 7*time.Second, rl.RetryAfter)
	})

	t.Run("401 is a status error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad token", http.StatusUnauthorized)
		})
		_, err := c.ListCalls(context.Background(), ListParams{Range: testRange()})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.Code)
		assert.Contains(t, se.Body, "bad token")
	})

	t.Run("garbage body is malformed", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"items": [`))
		})
		_, err := c.ListCalls(context.Background(), ListParams{Range: testRange()})
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("slow server is a timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		t.Cleanup(srv.Close)
		c := NewClient(config.DialpadConfig{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})

		_, err := c.ListCalls(context.Background(), ListParams{Range: testRange()})
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Timeout)
	})
}

func TestGetCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call/42", r.URL.Path)
		_, _ = w.Write([]byte(`{"call_id":"42","direction":"inbound"}`))
	})

	raw, err := c.GetCall(context.Background(), "42")
	require.NoError(t, err)
	assert.JSONEq(t, `{"call_id":"42","direction":"inbound"}`, string(raw))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

type stubAPI struct {
	err   error
	calls int
}

func (s *stubAPI) ListCalls(context.Context, ListParams) (Page, error) {
	s.calls++
	return Page{}, s.err
}

func (s *stubAPI) GetCall(context.Context, string) (json.RawMessage, error) {
	s.calls++
	return nil, s.err
}

func TestBreakerOpensOnServerErrorsOnly(t *testing.T) {
	ctx := context.Background()

	limited := &stubAPI{err: &RateLimitedError{}}
	b := NewBreakerClient(limited, BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		_, _ = b.ListCalls(ctx, ListParams{})
	}
	assert.Equal(t, 5, limited.calls, "429s must not trip the breaker")

	broken := &stubAPI{err: &StatusError{Code: http.StatusBadGateway}}
	b = NewBreakerClient(broken, BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	_, _ = b.ListCalls(ctx, ListParams{})
	_, _ = b.ListCalls(ctx, ListParams{})
	_, err := b.ListCalls(ctx, ListParams{})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 2, broken.calls)
}

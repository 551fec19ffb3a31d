// Package dialpad is a thin client for the telephony call-list API.
package dialpad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"call-sync-engine/internal/config"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
	"call-sync-engine/internal/telemetry"
)

// API is the subset of the telephony API the sync engine consumes.
type API interface {
	ListCalls(ctx context.Context, p ListParams) (Page, error)
	GetCall(ctx context.Context, callID string) (json.RawMessage, error)
}

// ListParams selects one page of calls.
type ListParams struct {
	Range  models.DateRange
	Limit  int
	Cursor string
}

// Page is one page of raw call records. Cursor is empty when exhausted.
type Page struct {
	Items  []json.RawMessage
	Cursor string
}

// Client talks to the telephony REST API with a bearer token.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client from config.
func NewClient(cfg config.DialpadConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Items  []json.RawMessage `json:"items"`
	Cursor *string           `json:"cursor"`
}

// ListCalls fetches calls started within p.Range, one page at a time.
func (c *Client) ListCalls(ctx context.Context, p ListParams) (Page, error) {
	q := url.Values{}
	q.Set("started_after", strconv.FormatInt(p.Range.Start.UnixMilli(), 10))
	q.Set("started_before", strconv.FormatInt(p.Range.End.UnixMilli(), 10))
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}

	body, err := c.get(ctx, "/call?"+q.Encode())
	if err != nil {
		return Page{}, err
	}
	var out listResponse
	if err := gojson.Unmarshal(body, &out); err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	page := Page{Items: out.Items}
	if out.Cursor != nil {
		page.Cursor = *out.Cursor
	}
	return page, nil
}

// GetCall fetches one call by id.
func (c *Client) GetCall(ctx context.Context, callID string) (json.RawMessage, error) {
	body, err := c.get(ctx, "/call/"+url.PathEscape(callID))
	if err != nil {
		return nil, err
	}
	if !gojson.Valid(body) {
		return nil, ErrMalformedResponse
	}
	return json.RawMessage(body), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	logging.Debug().Str("path", path).Msg("dialpad request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		telemetry.UpstreamRequests.WithLabelValues("transport_error").Inc()
		return nil, &TransportError{Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		telemetry.UpstreamRequests.WithLabelValues("transport_error").Inc()
		return nil, &TransportError{Err: fmt.Errorf("read body: %w", err), Timeout: isTimeout(err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		telemetry.UpstreamRequests.WithLabelValues("rate_limited").Inc()
		telemetry.UpstreamRateLimited.Inc()
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode >= http.StatusBadRequest:
		telemetry.UpstreamRequests.WithLabelValues("error").Inc()
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	telemetry.UpstreamRequests.WithLabelValues("ok").Inc()
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

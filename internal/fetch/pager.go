// Package fetch drives the cursor-paginated call listing under the outbound
// rate limit and retry policy.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"call-sync-engine/internal/dialpad"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
	"call-sync-engine/internal/ratelimit"
	"call-sync-engine/internal/retry"
	"call-sync-engine/internal/telemetry"
)

// ErrPageCeiling reports that a full-mode fetch hit its safety ceiling while the
// API still returned a cursor.
var ErrPageCeiling = errors.New("page ceiling exceeded")

// Options configure a Pager.
type Options struct {
	Range    models.DateRange
	Mode     models.Mode
	PageSize int
	// MaxPages is the full-mode safety ceiling.
	MaxPages int
}

// Pager yields pages lazily. It is not safe for concurrent use.
type Pager struct {
	api     dialpad.API
	limiter ratelimit.Limiter
	policy  retry.Policy
	opts    Options

	cursor  string
	fetched int
	done    bool
}

// NewPager builds a pager for one job.
func NewPager(api dialpad.API, limiter ratelimit.Limiter, policy retry.Policy, opts Options) *Pager {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	return &Pager{api: api, limiter: limiter, policy: policy, opts: opts}
}

// Fetched returns the number of pages returned so far.
func (p *Pager) Fetched() int { return p.fetched }

// Next returns the next page. ok is false once the sequence is exhausted; the
// returned page is then empty. Each request attempt takes a rate limiter slot and
// retries reuse the same cursor.
func (p *Pager) Next(ctx context.Context) (page dialpad.Page, ok bool, err error) {
	if p.done {
		return dialpad.Page{}, false, nil
	}
	if p.limit() > 0 && p.fetched >= p.limit() {
		p.done = true
		if p.opts.Mode == models.ModeFull {
			return dialpad.Page{}, false, fmt.Errorf("%w: %d pages fetched and the API still returned a cursor", ErrPageCeiling, p.fetched)
		}
		return dialpad.Page{}, false, nil
	}

	params := dialpad.ListParams{Range: p.opts.Range, Limit: p.opts.PageSize, Cursor: p.cursor}
	log := logging.Logger().With().Int("page", p.fetched+1).Str("cursor", p.cursor).Logger()

	err = p.policy.Do(ctx, func(ctx context.Context) error {
		if err := p.limiter.Acquire(ctx); err != nil {
			return err
		}
		var reqErr error
		page, reqErr = p.api.ListCalls(ctx, params)
		if reqErr != nil {
			log.Warn().Err(reqErr).Str("class", retry.Classify(reqErr).String()).Msg("page request failed")
		}
		return reqErr
	})
	if err != nil {
		p.done = true
		return dialpad.Page{}, false, fmt.Errorf("fetch page %d: %w", p.fetched+1, err)
	}

	if len(page.Items) == 0 {
		p.done = true
		return dialpad.Page{}, false, nil
	}
	p.fetched++
	telemetry.PagesFetched.Inc()
	log.Debug().Int("items", len(page.Items)).Bool("has_more", page.Cursor != "").Msg("page fetched")

	p.cursor = page.Cursor
	if p.cursor == "" {
		p.done = true
	}
	return page, true, nil
}

// limit is the page cap for the mode: one page in quick mode, the ceiling in full mode.
func (p *Pager) limit() int {
	if p.opts.Mode == models.ModeQuick {
		return 1
	}
	return p.opts.MaxPages
}

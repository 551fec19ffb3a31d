package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"call-sync-engine/internal/fetch"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
	"call-sync-engine/internal/progress"
	"call-sync-engine/internal/store"
	"call-sync-engine/internal/telemetry"
)

// run is the in-memory state of one job owned by this process. Only the job's
// own goroutine writes job; readers take a snapshot.
type run struct {
	mu  sync.Mutex
	job models.SyncJob

	// attempts maps record ids to their latest outcome in this run. Only the
	// run goroutine touches it.
	attempts map[string]models.OutcomeStatus

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func (r *run) snapshot() models.SyncJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

func (r *run) update(fn func(j *models.SyncJob)) models.SyncJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job)
	return r.job
}

func (r *run) requestCancel() {
	r.cancelled.Store(true)
	r.cancel()
}

// execute is the job's run loop: fetch pages in order, process records in
// order, then write the terminal state.
func (m *Manager) execute(ctx context.Context, r *run) {
	defer m.wg.Done()
	defer r.cancel()

	jobID := r.job.ID
	log := logging.With().Str("job_id", jobID).Logger()
	// bookkeeping writes must land even after cancellation
	persistCtx := context.WithoutCancel(ctx)

	startedAt := m.now()
	if err := m.store.MarkRunning(persistCtx, jobID, startedAt); err != nil {
		log.Error().Err(err).Msg("mark job running")
	}
	job := r.update(func(j *models.SyncJob) {
		j.Status = models.StatusRunning
		j.StartedAt = &startedAt
	})
	m.progress.Publish(progress.EventFromJob(job))
	log.Info().Msg("sync job running")

	pager := fetch.NewPager(m.api, m.limiter, m.opts.Policy, fetch.Options{
		Range:    job.Range,
		Mode:     job.Mode,
		PageSize: m.opts.PageSize,
		MaxPages: m.opts.MaxPages,
	})

	var fetchErr error
	for {
		page, ok, err := pager.Next(ctx)
		if err != nil {
			fetchErr = err
			break
		}
		if !ok {
			break
		}
		pageNum := pager.Fetched()
		r.update(func(j *models.SyncJob) {
			j.Counters.PagesFetched = pageNum
			j.Counters.RecordsSeen += len(page.Items)
		})
		m.archivePage(persistCtx, log, jobID, pageNum, page.Items)

		for i, raw := range page.Items {
			if ctx.Err() != nil {
				break
			}
			m.processRecord(ctx, persistCtx, log, r, pageNum, i, raw)
		}
		if err := m.store.UpdateCounters(persistCtx, jobID, r.snapshot().Counters); err != nil {
			log.Error().Err(err).Msg("persist progress")
		}
		if ctx.Err() != nil {
			fetchErr = ctx.Err()
			break
		}
	}

	m.finish(persistCtx, log, r, fetchErr)
}

func (m *Manager) processRecord(ctx, persistCtx context.Context, log zerolog.Logger, r *run, page, index int, raw json.RawMessage) {
	callID, err := m.proc.Process(ctx, raw)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// interrupted mid-transaction: nothing was written, leave it uncounted
		return
	}
	recordID := callID
	if recordID == "" {
		recordID = fmt.Sprintf("page-%d-item-%d", page, index)
	}

	outcome := models.RecordOutcome{
		JobID:       r.job.ID,
		RecordID:    recordID,
		Page:        page,
		Status:      models.OutcomeSuccess,
		Payload:     raw,
		ProcessedAt: m.now(),
	}
	if err != nil {
		msg := err.Error()
		outcome.Status = models.OutcomeFailed
		outcome.Error = &msg
		telemetry.RecordsProcessed.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("call_id", recordID).Int("page", page).Msg("record failed")
	} else {
		telemetry.RecordsProcessed.WithLabelValues("success").Inc()
	}
	if werr := m.store.UpsertOutcome(persistCtx, outcome); werr != nil {
		log.Error().Err(werr).Str("call_id", recordID).Msg("write record outcome")
	}

	// a record seen twice in one run owns a single ledger row, so its earlier
	// attempt stops counting
	prev, repeated := r.attempts[recordID]
	r.attempts[recordID] = outcome.Status
	if repeated {
		log.Debug().Str("call_id", recordID).Str("previous", string(prev)).Msg("record repeated within run")
	}

	job := r.update(func(j *models.SyncJob) {
		if repeated {
			if prev == models.OutcomeFailed {
				j.Counters.RecordsFailed--
			} else {
				j.Counters.RecordsInserted--
			}
		}
		if err != nil {
			j.Counters.RecordsFailed++
		} else {
			j.Counters.RecordsInserted++
		}
	})
	m.progress.Publish(progress.EventFromJob(job))
}

func (m *Manager) archivePage(ctx context.Context, log zerolog.Logger, jobID string, page int, items []json.RawMessage) {
	if m.archive == nil {
		return
	}
	loc, err := m.archive.SavePage(ctx, jobID, page, items)
	if err != nil {
		log.Warn().Err(err).Int("page", page).Msg("archive page")
		return
	}
	log.Debug().Int("page", page).Str("location", loc).Msg("page archived")
}

// finish derives the terminal status, persists it with the final counters and
// notifies subscribers.
func (m *Manager) finish(ctx context.Context, log zerolog.Logger, r *run, fetchErr error) {
	snap := r.snapshot()
	status, reason := decideStatus(snap.Counters, fetchErr, r.cancelled.Load())
	var errMsg *string
	if reason != "" {
		errMsg = &reason
	}
	endedAt := m.now()

	if err := m.store.FinishJob(ctx, snap.ID, store.Finish{
		Status:   status,
		Counters: snap.Counters,
		Error:    errMsg,
		EndedAt:  endedAt,
	}); err != nil {
		log.Error().Err(err).Msg("persist terminal state")
	}

	m.mu.Lock()
	final := r.update(func(j *models.SyncJob) {
		j.Status = status
		j.Error = errMsg
		j.EndedAt = &endedAt
	})
	delete(m.active, snap.ID)
	m.progress.Publish(progress.EventFromJob(final))
	m.mu.Unlock()
	close(r.done)

	telemetry.ActiveJobs.Dec()
	telemetry.JobsFinished.WithLabelValues(string(status)).Inc()

	ev := log.Info()
	if status == models.StatusFailed {
		ev = log.Error()
	}
	ev.Str("status", string(status)).
		Int("pages", final.Counters.PagesFetched).
		Int("inserted", final.Counters.RecordsInserted).
		Int("failed", final.Counters.RecordsFailed).
		Dur("duration", final.Duration()).
		Str("error", reason).
		Msg("sync job finished")
}

// decideStatus maps a finished run onto its terminal state. A fatal fetch error
// fails the job even after successful pages; otherwise the record counters decide.
func decideStatus(c models.Counters, fetchErr error, cancelled bool) (models.JobStatus, string) {
	switch {
	case cancelled:
		return models.StatusCancelled, reasonCancelled
	case fetchErr != nil && errors.Is(fetchErr, context.Canceled):
		return models.StatusFailed, reasonShutdown
	case fetchErr != nil:
		return models.StatusFailed, fetchErr.Error()
	}
	return statusFromRecords(c)
}

func statusFromRecords(c models.Counters) (models.JobStatus, string) {
	switch {
	case c.RecordsFailed == 0:
		return models.StatusCompleted, ""
	case c.RecordsInserted == 0:
		return models.StatusFailed, reasonAllFailed
	default:
		return models.StatusPartial, ""
	}
}

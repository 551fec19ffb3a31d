package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
	"call-sync-engine/internal/store"
	"call-sync-engine/internal/telemetry"
)

// RetryFailed reprocesses a finished job's failed records. Stored payloads are
// replayed unless refetch is set, in which case each call is fetched again by id.
// Outcomes already at the retry ceiling are reported as still failed and skipped.
func (m *Manager) RetryFailed(ctx context.Context, jobID string, refetch bool) (models.RetryResult, error) {
	var res models.RetryResult

	job, err := m.GetJobStatus(ctx, jobID)
	if err != nil {
		return res, err
	}
	m.mu.Lock()
	_, running := m.active[jobID]
	_, retrying := m.retrying[jobID]
	if running || retrying || !job.Status.Terminal() {
		m.mu.Unlock()
		return res, ErrJobActive
	}
	m.retrying[jobID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.retrying, jobID)
		m.mu.Unlock()
	}()

	outcomes, err := m.store.FailedOutcomes(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("load failed outcomes: %w", err)
	}

	log := logging.With().Str("job_id", jobID).Bool("refetch", refetch).Logger()
	persistCtx := context.WithoutCancel(ctx)
	for _, o := range outcomes {
		if !o.Retryable(m.opts.MaxRecordRetries) {
			res.Skipped++
			telemetry.RetryRecords.WithLabelValues("skipped").Inc()
			continue
		}
		if ctx.Err() != nil {
			// not attempted in this pass
			res.StillFailed++
			continue
		}

		pending := o
		pending.Status = models.OutcomeRetryPending
		pending.ProcessedAt = m.now()
		if err := m.store.UpsertOutcome(ctx, pending); err != nil {
			return res, fmt.Errorf("mark retry pending: %w", err)
		}

		res.Retried++
		err := m.retryOne(ctx, o, refetch, &pending)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// give the row back untouched
			if werr := m.store.UpsertOutcome(persistCtx, o); werr != nil {
				log.Error().Err(werr).Str("call_id", o.RecordID).Msg("restore outcome")
			}
			res.Retried--
			res.StillFailed++
			continue
		}

		pending.ProcessedAt = m.now()
		if err != nil {
			msg := err.Error()
			pending.Status = models.OutcomeFailed
			pending.Error = &msg
			pending.RetryCount = o.RetryCount + 1
			res.StillFailed++
			telemetry.RetryRecords.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("call_id", o.RecordID).Int("retry_count", pending.RetryCount).Msg("retry failed")
		} else {
			pending.Status = models.OutcomeSuccess
			pending.Error = nil
			res.Succeeded++
			telemetry.RetryRecords.WithLabelValues("success").Inc()
		}
		if err := m.store.UpsertOutcome(persistCtx, pending); err != nil {
			return res, fmt.Errorf("write retry outcome: %w", err)
		}
	}
	res.StillFailed += res.Skipped

	if res.Succeeded > 0 {
		if err := m.applyRetry(persistCtx, job, res.Succeeded); err != nil {
			return res, err
		}
	}
	log.Info().Int("retried", res.Retried).Int("succeeded", res.Succeeded).
		Int("still_failed", res.StillFailed).Int("skipped", res.Skipped).Msg("retry pass finished")
	return res, ctx.Err()
}

// retryOne reprocesses one outcome, refetching the payload first when asked.
// On a successful refetch the new payload replaces the stored snapshot.
func (m *Manager) retryOne(ctx context.Context, o models.RecordOutcome, refetch bool, pending *models.RecordOutcome) error {
	payload := o.Payload
	if refetch {
		raw, err := m.fetchCall(ctx, o.RecordID)
		if err != nil {
			return fmt.Errorf("refetch call %s: %w", o.RecordID, err)
		}
		payload = raw
		pending.Payload = raw
	}
	if len(payload) == 0 {
		return errors.New("no stored payload to replay")
	}
	_, err := m.proc.Process(ctx, payload)
	return err
}

func (m *Manager) fetchCall(ctx context.Context, callID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := m.opts.Policy.Do(ctx, func(ctx context.Context) error {
		if err := m.limiter.Acquire(ctx); err != nil {
			return err
		}
		var err error
		raw, err = m.api.GetCall(ctx, callID)
		return err
	})
	return raw, err
}

// applyRetry moves recovered records from failed to inserted and re-derives the
// status of jobs whose status came from record outcomes. Jobs that failed on a
// fetch error or were cancelled keep their status.
func (m *Manager) applyRetry(ctx context.Context, job models.SyncJob, recovered int) error {
	c := job.Counters
	c.RecordsFailed -= recovered
	if c.RecordsFailed < 0 {
		c.RecordsFailed = 0
	}
	c.RecordsInserted += recovered

	status, errMsg := job.Status, job.Error
	fromRecords := job.Status == models.StatusPartial ||
		(job.Status == models.StatusFailed && job.Error != nil && *job.Error == reasonAllFailed)
	if fromRecords {
		var reason string
		status, reason = statusFromRecords(c)
		errMsg = nil
		if reason != "" {
			errMsg = &reason
		}
	}

	ended := m.now()
	if job.EndedAt != nil {
		ended = *job.EndedAt
	}
	if err := m.store.FinishJob(ctx, job.ID, store.Finish{Status: status, Counters: c, Error: errMsg, EndedAt: ended}); err != nil {
		return fmt.Errorf("update job after retry: %w", err)
	}
	if status != job.Status {
		logging.Info().Str("job_id", job.ID).Str("from", string(job.Status)).Str("to", string(status)).Msg("job status re-derived after retry")
	}
	return nil
}

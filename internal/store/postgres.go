package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"call-sync-engine/internal/models"
)

// Postgres wraps pgxpool for durable job, ledger and call persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, range_start, range_end, mode, status, pages_fetched, records_seen, records_inserted,
	records_failed, created_by, error, created_at, started_at, ended_at`

// CreateJob inserts a new job row.
func (s *Postgres) CreateJob(ctx context.Context, job models.SyncJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_jobs (id, range_start, range_end, mode, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.Range.Start, job.Range.End, job.Mode, job.Status, job.CreatedBy, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.SyncJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns jobs newest first.
func (s *Postgres) ListJobs(ctx context.Context, limit, offset int) ([]models.SyncJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ActiveJobs returns pending and running jobs.
func (s *Postgres) ActiveJobs(ctx context.Context) ([]models.SyncJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs WHERE status IN ($1, $2)
	`, models.StatusPending, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectJobs(rows)
}

// MarkRunning transitions a pending job to running.
func (s *Postgres) MarkRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4
	`, id, models.StatusRunning, at, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not pending: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateCounters persists in-flight progress.
func (s *Postgres) UpdateCounters(ctx context.Context, id string, c models.Counters) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET pages_fetched = $2, records_seen = $3, records_inserted = $4, records_failed = $5
		WHERE id = $1
	`, id, c.PagesFetched, c.RecordsSeen, c.RecordsInserted, c.RecordsFailed)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return nil
}

// FinishJob writes the terminal status together with the final counters.
func (s *Postgres) FinishJob(ctx context.Context, id string, f Finish) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = $2, pages_fetched = $3, records_seen = $4, records_inserted = $5,
		    records_failed = $6, error = $7, ended_at = $8
		WHERE id = $1
	`, id, f.Status, f.Counters.PagesFetched, f.Counters.RecordsSeen, f.Counters.RecordsInserted,
		f.Counters.RecordsFailed, f.Error, f.EndedAt)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// InterruptActive fails every pending or running job.
func (s *Postgres) InterruptActive(ctx context.Context, reason string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs SET status = $1, error = $2, ended_at = $3
		WHERE status IN ($4, $5)
	`, models.StatusFailed, reason, at, models.StatusPending, models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("interrupt active jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertOutcome writes the ledger row for (job, record), keeping its original position.
// A failure landing on a failed row counts as one more attempt.
func (s *Postgres) UpsertOutcome(ctx context.Context, o models.RecordOutcome) error {
	var payload []byte
	if len(o.Payload) > 0 {
		payload = o.Payload
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO record_outcomes (job_id, record_id, page, status, error, retry_count, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, record_id) DO UPDATE
		SET page = EXCLUDED.page, status = EXCLUDED.status, error = EXCLUDED.error,
		    retry_count = CASE
		        WHEN record_outcomes.status = 'failed' AND EXCLUDED.status = 'failed'
		        THEN record_outcomes.retry_count + 1
		        ELSE EXCLUDED.retry_count
		    END,
		    payload = COALESCE(EXCLUDED.payload, record_outcomes.payload),
		    processed_at = EXCLUDED.processed_at
	`, o.JobID, o.RecordID, o.Page, o.Status, o.Error, o.RetryCount, payload, o.ProcessedAt)
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

const outcomeColumns = `job_id, record_id, page, status, error, retry_count, payload, processed_at`

// ListOutcomes returns ledger rows for a job, optionally filtered by status.
func (s *Postgres) ListOutcomes(ctx context.Context, jobID string, status models.OutcomeStatus, limit int) ([]models.RecordOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outcomeColumns+` FROM record_outcomes
		WHERE job_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY seq
		LIMIT $3
	`, jobID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// FailedOutcomes returns every non-success outcome of a job.
func (s *Postgres) FailedOutcomes(ctx context.Context, jobID string) ([]models.RecordOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outcomeColumns+` FROM record_outcomes
		WHERE job_id = $1 AND status <> $2
		ORDER BY seq
	`, jobID, models.OutcomeSuccess)
	if err != nil {
		return nil, fmt.Errorf("list failed outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// RetryableJobs returns partial or failed jobs that still have retryable outcomes.
func (s *Postgres) RetryableJobs(ctx context.Context, maxRetries, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.job_id
		FROM record_outcomes o
		JOIN sync_jobs j ON j.id = o.job_id
		WHERE o.status <> $1 AND o.retry_count < $2 AND j.status IN ($3, $4)
		GROUP BY o.job_id
		ORDER BY MAX(j.created_at) DESC
		LIMIT $5
	`, models.OutcomeSuccess, maxRetries, models.StatusPartial, models.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan retryable jobs: %w", err)
	}
	return ids, nil
}

// WithTx runs fn inside one transaction.
func (s *Postgres) WithTx(ctx context.Context, fn func(w CallWriter) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(pgWriter{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetCall fetches a stored call.
func (s *Postgres) GetCall(ctx context.Context, callID string) (models.Call, error) {
	var c models.Call
	var rang, connected, ended, event pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT call_id, contact_id, target_id, direction, state, date_started, date_rang, date_connected,
		       date_ended, duration, total_duration, external_number, internal_number, is_transferred,
		       was_recorded, mos_score, group_id, entry_point_call_id, master_call_id, event_timestamp,
		       transcription_text, voicemail_link, recording_id
		FROM calls WHERE call_id = $1
	`, callID).Scan(&c.CallID, &c.ContactID, &c.TargetID, &c.Direction, &c.State, &c.DateStarted, &rang, &connected,
		&ended, &c.Duration, &c.TotalDuration, &c.ExternalNumber, &c.InternalNumber, &c.IsTransferred,
		&c.WasRecorded, &c.MOSScore, &c.GroupID, &c.EntryPointCallID, &c.MasterCallID, &event,
		&c.TranscriptionText, &c.VoicemailLink, &c.RecordingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Call{}, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	if err != nil {
		return models.Call{}, fmt.Errorf("scan call: %w", err)
	}
	c.DateStarted = c.DateStarted.UTC()
	c.DateRang = timePtr(rang)
	c.DateConnected = timePtr(connected)
	c.DateEnded = timePtr(ended)
	c.EventTimestamp = timePtr(event)
	return c, nil
}

type pgWriter struct {
	tx pgx.Tx
}

func (w pgWriter) UpsertCall(ctx context.Context, c models.Call) error {
	_, err := w.tx.Exec(ctx, `
		INSERT INTO calls (call_id, contact_id, target_id, direction, state, date_started, date_rang, date_connected,
		                   date_ended, duration, total_duration, external_number, internal_number, is_transferred,
		                   was_recorded, mos_score, group_id, entry_point_call_id, master_call_id, event_timestamp,
		                   transcription_text, voicemail_link, recording_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW())
		ON CONFLICT (call_id) DO UPDATE
		SET contact_id = EXCLUDED.contact_id, target_id = EXCLUDED.target_id, direction = EXCLUDED.direction,
		    state = EXCLUDED.state, date_started = EXCLUDED.date_started, date_rang = EXCLUDED.date_rang,
		    date_connected = EXCLUDED.date_connected, date_ended = EXCLUDED.date_ended, duration = EXCLUDED.duration,
		    total_duration = EXCLUDED.total_duration, external_number = EXCLUDED.external_number,
		    internal_number = EXCLUDED.internal_number, is_transferred = EXCLUDED.is_transferred,
		    was_recorded = EXCLUDED.was_recorded, mos_score = EXCLUDED.mos_score, group_id = EXCLUDED.group_id,
		    entry_point_call_id = EXCLUDED.entry_point_call_id, master_call_id = EXCLUDED.master_call_id,
		    event_timestamp = EXCLUDED.event_timestamp, transcription_text = EXCLUDED.transcription_text,
		    voicemail_link = EXCLUDED.voicemail_link, recording_id = EXCLUDED.recording_id, updated_at = NOW()
	`, c.CallID, c.ContactID, c.TargetID, c.Direction, c.State, c.DateStarted, c.DateRang, c.DateConnected,
		c.DateEnded, c.Duration, c.TotalDuration, c.ExternalNumber, c.InternalNumber, c.IsTransferred,
		c.WasRecorded, c.MOSScore, c.GroupID, c.EntryPointCallID, c.MasterCallID, c.EventTimestamp,
		c.TranscriptionText, c.VoicemailLink, c.RecordingID)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", c.CallID, err)
	}
	return nil
}

func (w pgWriter) UpsertContact(ctx context.Context, p models.Party) error {
	return w.upsertParty(ctx, "contacts", p)
}

func (w pgWriter) UpsertUser(ctx context.Context, p models.Party) error {
	return w.upsertParty(ctx, "users", p)
}

// upsertParty merges: a null in the new row keeps the stored value.
func (w pgWriter) upsertParty(ctx context.Context, table string, p models.Party) error {
	_, err := w.tx.Exec(ctx, `
		INSERT INTO `+table+` AS t (id, name, email, phone, type, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = COALESCE(EXCLUDED.name, t.name),
		    email = COALESCE(EXCLUDED.email, t.email),
		    phone = COALESCE(EXCLUDED.phone, t.phone),
		    type = COALESCE(EXCLUDED.type, t.type),
		    updated_at = NOW()
	`, p.ID, p.Name, p.Email, p.Phone, p.Type)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, p.ID, err)
	}
	return nil
}

func (w pgWriter) UpsertRecording(ctx context.Context, r models.Recording) error {
	_, err := w.tx.Exec(ctx, `
		INSERT INTO recordings (id, call_id, duration, recording_type, start_time, url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE
		SET call_id = EXCLUDED.call_id, duration = EXCLUDED.duration, recording_type = EXCLUDED.recording_type,
		    start_time = EXCLUDED.start_time, url = EXCLUDED.url, updated_at = NOW()
	`, r.ID, r.CallID, r.Duration, r.RecordingType, r.StartTime, r.URL)
	if err != nil {
		return fmt.Errorf("upsert recording %s: %w", r.ID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.SyncJob, error) {
	var job models.SyncJob
	var errText pgtype.Text
	var started, ended pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.Range.Start, &job.Range.End, &job.Mode, &job.Status,
		&job.Counters.PagesFetched, &job.Counters.RecordsSeen, &job.Counters.RecordsInserted,
		&job.Counters.RecordsFailed, &job.CreatedBy, &errText, &job.CreatedAt, &started, &ended); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SyncJob{}, err
		}
		return models.SyncJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Error = textPtr(errText)
	job.StartedAt = timePtr(started)
	job.EndedAt = timePtr(ended)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.SyncJob, error) {
	defer rows.Close()
	var jobs []models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func collectOutcomes(rows pgx.Rows) ([]models.RecordOutcome, error) {
	defer rows.Close()
	var out []models.RecordOutcome
	for rows.Next() {
		var o models.RecordOutcome
		var errText pgtype.Text
		var payload []byte
		if err := rows.Scan(&o.JobID, &o.RecordID, &o.Page, &o.Status, &errText, &o.RetryCount, &payload, &o.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Error = textPtr(errText)
		o.Payload = payload
		out = append(out, o)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"time"

	"call-sync-engine/internal/models"
)

// ErrNotFound is returned when a job or call does not exist.
var ErrNotFound = errors.New("not found")

// CallWriter upserts canonical entities. Calls overwrite every column; contacts
// and users merge, never replacing a stored value with null.
type CallWriter interface {
	UpsertCall(ctx context.Context, c models.Call) error
	UpsertContact(ctx context.Context, p models.Party) error
	UpsertUser(ctx context.Context, p models.Party) error
	UpsertRecording(ctx context.Context, r models.Recording) error
}

// TxRunner runs fn in one transaction; any error rolls every write back.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(w CallWriter) error) error
}

// Finish is the terminal write for a job.
type Finish struct {
	Status   models.JobStatus
	Counters models.Counters
	Error    *string
	EndedAt  time.Time
}

// Store is the durable state behind the sync engine.
type Store interface {
	TxRunner

	CreateJob(ctx context.Context, job models.SyncJob) error
	GetJob(ctx context.Context, id string) (models.SyncJob, error)
	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, limit, offset int) ([]models.SyncJob, error)
	// ActiveJobs returns pending and running jobs.
	ActiveJobs(ctx context.Context) ([]models.SyncJob, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	UpdateCounters(ctx context.Context, id string, c models.Counters) error
	FinishJob(ctx context.Context, id string, f Finish) error
	// InterruptActive fails every pending or running job and returns how many changed.
	InterruptActive(ctx context.Context, reason string, at time.Time) (int, error)

	// UpsertOutcome writes the (job, record) row. When both the stored row and o
	// are failed, the stored retry count is incremented instead of taking o's.
	UpsertOutcome(ctx context.Context, o models.RecordOutcome) error
	// ListOutcomes filters by status when status is non-empty.
	ListOutcomes(ctx context.Context, jobID string, status models.OutcomeStatus, limit int) ([]models.RecordOutcome, error)
	// FailedOutcomes returns every non-success outcome of a job in processing order.
	FailedOutcomes(ctx context.Context, jobID string) ([]models.RecordOutcome, error)
	// RetryableJobs returns terminal jobs with outcomes below the retry ceiling.
	RetryableJobs(ctx context.Context, maxRetries, limit int) ([]string, error)

	GetCall(ctx context.Context, callID string) (models.Call, error)
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

package models

import (
	"errors"
	"time"
)

// JobStatus enumerates sync job lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusPartial   JobStatus = "partial"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Mode selects how many pages a sync fetches.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// ParseMode maps user input to a Mode, defaulting to full.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeQuick:
		return ModeQuick, nil
	}
	return "", errors.New("mode must be quick or full")
}

// Trigger sources recorded in created_by.
const (
	CreatedByManual    = "manual"
	CreatedByAPI       = "api"
	CreatedByScheduler = "scheduler"
)

// DateRange is the source window of a sync, both ends timezone-qualified.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether the two closed ranges intersect.
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.End.Before(o.Start) && !o.End.Before(r.Start)
}

// Counters are the per-job progress totals.
type Counters struct {
	PagesFetched    int `json:"pages_fetched"`
	RecordsSeen     int `json:"records_seen"`
	RecordsInserted int `json:"records_inserted"`
	RecordsFailed   int `json:"records_failed"`
}

// SyncJob is one invocation of the sync engine over a bounded date range.
type SyncJob struct {
	ID        string     `json:"id"`
	Range     DateRange  `json:"range"`
	Mode      Mode       `json:"mode"`
	Status    JobStatus  `json:"status"`
	Counters  Counters   `json:"counters"`
	CreatedBy string     `json:"created_by"`
	Error     *string    `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns how long the job ran, or zero if it has not finished.
func (j SyncJob) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}

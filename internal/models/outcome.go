package models

import (
	"encoding/json"
	"time"
)

// OutcomeStatus is the result of one processing attempt for a record.
type OutcomeStatus string

const (
	OutcomeSuccess      OutcomeStatus = "success"
	OutcomeFailed       OutcomeStatus = "failed"
	OutcomeRetryPending OutcomeStatus = "retry_pending"
)

// RecordOutcome is the ledger row for a (job, record) pair.
type RecordOutcome struct {
	JobID       string          `json:"job_id"`
	RecordID    string          `json:"record_id"`
	Page        int             `json:"page"`
	Status      OutcomeStatus   `json:"status"`
	Error       *string         `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Payload     json.RawMessage `json:"payload"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Retryable reports whether the retry flow may attempt this outcome again.
func (o RecordOutcome) Retryable(maxRetries int) bool {
	if o.Status == OutcomeSuccess {
		return false
	}
	return o.RetryCount < maxRetries
}

// RetryResult summarises one retry pass over a job's ledger.
type RetryResult struct {
	Retried     int `json:"retried_count"`
	Succeeded   int `json:"success_count"`
	StillFailed int `json:"still_failed_count"`
	Skipped     int `json:"skipped_count"`
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-sync-engine/internal/models"
)

func strPtr(s string) *string { return &s }

func newJob(id string, created time.Time, status models.JobStatus) models.SyncJob {
	return models.SyncJob{
		ID:        id,
		Range:     models.DateRange{Start: created.Add(-time.Hour), End: created},
		Mode:      models.ModeFull,
		Status:    status,
		CreatedBy: models.CreatedByManual,
		CreatedAt: created,
	}
}

func TestMemoryJobLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.CreateJob(ctx, newJob("a", now, models.StatusPending)))
	require.Error(t, m.CreateJob(ctx, newJob("a", now, models.StatusPending)))

	require.NoError(t, m.MarkRunning(ctx, "a", now))
	require.ErrorIs(t, m.MarkRunning(ctx, "a", now), ErrNotFound)

	counters := models.Counters{PagesFetched: 1, RecordsSeen: 3, RecordsInserted: 2, RecordsFailed: 1}
	require.NoError(t, m.UpdateCounters(ctx, "a", counters))
	require.NoError(t, m.FinishJob(ctx, "a", Finish{Status: models.StatusPartial, Counters: counters, EndedAt: now.Add(time.Minute)}))

	job, err := m.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, job.Status)
	assert.Equal(t, counters, job.Counters)
	assert.Equal(t, time.Minute, job.Duration())

	_, err = m.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListJobsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, m.CreateJob(ctx, newJob(id, base.Add(time.Duration(i)*time.Hour), models.StatusCompleted)))
	}

	jobs, err := m.ListJobs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "mid", jobs[1].ID)

	jobs, err = m.ListJobs(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "old", jobs[0].ID)
}

func TestMemoryInterruptActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	require.NoError(t, m.CreateJob(ctx, newJob("p", now, models.StatusPending)))
	require.NoError(t, m.CreateJob(ctx, newJob("r", now, models.StatusRunning)))
	require.NoError(t, m.CreateJob(ctx, newJob("c", now, models.StatusCompleted)))

	n, err := m.InterruptActive(ctx, "interrupted: process restarted", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := m.ActiveJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	job, _ := m.GetJob(ctx, "r")
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "interrupted: process restarted", *job.Error)
}

func TestMemoryOutcomesKeepOrderAndPayload(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	require.NoError(t, m.CreateJob(ctx, newJob("j", now, models.StatusPartial)))

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, m.UpsertOutcome(ctx, models.RecordOutcome{
			JobID: "j", RecordID: id, Page: 1, Status: models.OutcomeFailed,
			Error: strPtr("bad"), Payload: json.RawMessage(`{"call_id":"` + id + `"}`), ProcessedAt: now,
		}))
	}
	// second write without payload keeps the stored snapshot
	require.NoError(t, m.UpsertOutcome(ctx, models.RecordOutcome{JobID: "j", RecordID: "r1", Status: models.OutcomeSuccess, ProcessedAt: now}))

	all, err := m.ListOutcomes(ctx, "j", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{all[0].RecordID, all[1].RecordID, all[2].RecordID})
	assert.JSONEq(t, `{"call_id":"r1"}`, string(all[0].Payload))

	failed, err := m.FailedOutcomes(ctx, "j")
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	ids, err := m.RetryableJobs(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"j"}, ids)

	ids, err = m.RetryableJobs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryRepeatedFailureBumpsRetryCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	fail := models.RecordOutcome{JobID: "j", RecordID: "r1", Page: 1, Status: models.OutcomeFailed, Error: strPtr("bad"), ProcessedAt: now}

	require.NoError(t, m.UpsertOutcome(ctx, fail))
	require.NoError(t, m.UpsertOutcome(ctx, fail))
	require.NoError(t, m.UpsertOutcome(ctx, fail))
	rows, err := m.FailedOutcomes(ctx, "j")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].RetryCount)

	// any other transition takes the written count
	pending := fail
	pending.Status = models.OutcomeRetryPending
	pending.RetryCount = 2
	require.NoError(t, m.UpsertOutcome(ctx, pending))
	fail.RetryCount = 3
	require.NoError(t, m.UpsertOutcome(ctx, fail))
	rows, err = m.FailedOutcomes(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 3, rows[0].RetryCount)
}

func TestMemoryTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailWrite = func(kind, _ string) error {
		if kind == "recording" {
			return errors.New("disk full")
		}
		return nil
	}

	err := m.WithTx(ctx, func(w CallWriter) error {
		if err := w.UpsertContact(ctx, models.Party{ID: "c1", Name: strPtr("Ada")}); err != nil {
			return err
		}
		if err := w.UpsertCall(ctx, models.Call{CallID: "1"}); err != nil {
			return err
		}
		return w.UpsertRecording(ctx, models.Recording{ID: "rec", CallID: "1"})
	})
	require.Error(t, err)

	_, err = m.GetCall(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := m.Contact("c1")
	assert.False(t, ok)
}

func TestMemoryPartyMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.WithTx(ctx, func(w CallWriter) error {
		return w.UpsertUser(ctx, models.Party{ID: "u1", Name: strPtr("Grace"), Email: strPtr("g@example.com")})
	}))
	require.NoError(t, m.WithTx(ctx, func(w CallWriter) error {
		return w.UpsertUser(ctx, models.Party{ID: "u1", Phone: strPtr("+15551234")})
	}))

	u, ok := m.User("u1")
	require.True(t, ok)
	assert.Equal(t, "Grace", *u.Name)
	assert.Equal(t, "g@example.com", *u.Email)
	assert.Equal(t, "+15551234", *u.Phone)
}

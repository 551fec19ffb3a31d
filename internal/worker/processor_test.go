package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-sync-engine/internal/config"
	"call-sync-engine/internal/engine"
	"call-sync-engine/internal/models"
)

type fakeEngine struct {
	mu        sync.Mutex
	started   []engine.SyncRequest
	startErr  error
	retryable []string
	results   map[string]models.RetryResult
	errs      map[string]error
	retried   []string
}

func (f *fakeEngine) StartSync(_ context.Context, req engine.SyncRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return "job-1", nil
}

func (f *fakeEngine) RetryableJobs(_ context.Context, limit int) ([]string, error) {
	return f.retryable, nil
}

func (f *fakeEngine) RetryFailed(_ context.Context, jobID string, refetch bool) (models.RetryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, jobID)
	return f.results[jobID], f.errs[jobID]
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func TestTriggerSyncCoversLookbackWindow(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProcessor(config.WorkerConfig{Lookback: 6 * time.Hour}, eng)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	id, ok := p.TriggerSync(context.Background())
	require.True(t, ok)
	assert.Equal(t, "job-1", id)
	require.Len(t, eng.started, 1)
	req := eng.started[0]
	assert.Equal(t, models.ModeFull, req.Mode)
	assert.Equal(t, models.CreatedByScheduler, req.CreatedBy)
	assert.Equal(t, fixed.Add(-6*time.Hour), req.Range.Start)
	assert.Equal(t, fixed, req.Range.End)
}

func TestTriggerSyncSkipsWhenOverlapping(t *testing.T) {
	eng := &fakeEngine{startErr: engine.ErrOverlappingJob}
	p := NewProcessor(config.WorkerConfig{}, eng)

	_, ok := p.TriggerSync(context.Background())
	assert.False(t, ok)
}

func TestSweepRetriesVisitsEveryJob(t *testing.T) {
	eng := &fakeEngine{
		retryable: []string{"a", "b", "c"},
		results: map[string]models.RetryResult{
			"a": {Retried: 2, Succeeded: 2},
			"c": {Retried: 3, Succeeded: 1, StillFailed: 2},
		},
		errs: map[string]error{
			"b": engine.ErrJobActive,
			"c": errors.New("store unavailable"),
		},
	}
	p := NewProcessorWithID(config.WorkerConfig{}, eng, "w1")

	assert.Equal(t, 3, p.SweepRetries(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, eng.retried)
}

func TestRunTriggersImmediatelyAndStops(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProcessor(config.WorkerConfig{SyncInterval: time.Hour, Lookback: time.Hour}, eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return eng.startCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWithEverythingDisabledWaitsForCancel(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProcessor(config.WorkerConfig{}, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
	assert.Zero(t, eng.startCount())
}

// Package engine owns sync job lifecycles: it launches runs, keeps their live
// counters, records per-record outcomes and drives the retry flow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"call-sync-engine/internal/archive"
	"call-sync-engine/internal/config"
	"call-sync-engine/internal/dialpad"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
	"call-sync-engine/internal/processor"
	"call-sync-engine/internal/progress"
	"call-sync-engine/internal/ratelimit"
	"call-sync-engine/internal/retry"
	"call-sync-engine/internal/store"
	"call-sync-engine/internal/telemetry"
)

// Options tune the engine.
type Options struct {
	PageSize          int
	MaxPages          int
	MaxRecordRetries  int
	MaxRangeDays      int
	RejectOverlapping bool
	Policy            retry.Policy
}

// OptionsFromConfig maps sync configuration onto engine options.
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		PageSize:          cfg.PageSize,
		MaxPages:          cfg.MaxPages,
		MaxRecordRetries:  cfg.MaxRecordRetries,
		MaxRangeDays:      cfg.MaxRangeDays,
		RejectOverlapping: cfg.RejectOverlapping,
		Policy:            retry.FromConfig(cfg),
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store    store.Store
	API      dialpad.API
	Limiter  ratelimit.Limiter
	Progress *progress.Broadcaster
	// Archive is optional.
	Archive archive.Archiver
}

// SyncRequest asks for one sync run.
type SyncRequest struct {
	Range     models.DateRange
	Mode      models.Mode
	CreatedBy string
}

// Manager is the system of record for running jobs. Durable state lives in the
// store; the active map is a cache of runs owned by this process.
type Manager struct {
	store    store.Store
	api      dialpad.API
	limiter  ratelimit.Limiter
	progress *progress.Broadcaster
	archive  archive.Archiver
	proc     *processor.Processor
	opts     Options
	now      func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*run
	retrying map[string]struct{}
}

// NewManager wires a Manager. Call Recover before starting any job.
func NewManager(d Deps, opts Options) *Manager {
	if opts.MaxRecordRetries <= 0 {
		opts.MaxRecordRetries = 3
	}
	if d.Progress == nil {
		d.Progress = progress.NewBroadcaster()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		store:    d.Store,
		api:      d.API,
		limiter:  d.Limiter,
		progress: d.Progress,
		archive:  d.Archive,
		proc:     processor.New(d.Store),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		base:     base,
		stop:     stop,
		active:   make(map[string]*run),
		retrying: make(map[string]struct{}),
	}
}

// Recover fails jobs left pending or running by a previous process.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	n, err := m.store.InterruptActive(ctx, reasonRestarted, m.now())
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if n > 0 {
		logging.Warn().Int("jobs", n).Msg("marked interrupted sync jobs as failed")
	}
	return n, nil
}

// StartSync creates a job and launches its run in the background. It returns
// as soon as the job row exists.
func (m *Manager) StartSync(ctx context.Context, req SyncRequest) (string, error) {
	if err := validateRange(req.Range, m.opts.MaxRangeDays); err != nil {
		return "", err
	}
	if req.Mode == "" {
		req.Mode = models.ModeFull
	}
	if req.CreatedBy == "" {
		req.CreatedBy = models.CreatedByManual
	}
	job := models.SyncJob{
		ID:        uuid.NewString(),
		Range:     req.Range,
		Mode:      req.Mode,
		Status:    models.StatusPending,
		CreatedBy: req.CreatedBy,
		CreatedAt: m.now(),
	}
	runCtx, cancel := context.WithCancel(m.base)
	r := &run{job: job, cancel: cancel, done: make(chan struct{}), attempts: make(map[string]models.OutcomeStatus)}

	// the stop check and wg.Add share m.mu with Shutdown, so no run starts
	// after Shutdown begins waiting
	m.mu.Lock()
	if err := m.base.Err(); err != nil {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("engine stopped: %w", err)
	}
	if m.opts.RejectOverlapping {
		for _, other := range m.active {
			if other.job.Range.Overlaps(job.Range) {
				m.mu.Unlock()
				cancel()
				return "", fmt.Errorf("%w: job %s", ErrOverlappingJob, other.job.ID)
			}
		}
	}
	m.active[job.ID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.store.CreateJob(ctx, job); err != nil {
		m.mu.Lock()
		delete(m.active, job.ID)
		m.mu.Unlock()
		cancel()
		m.wg.Done()
		return "", fmt.Errorf("create job: %w", err)
	}

	telemetry.JobsStarted.Inc()
	telemetry.ActiveJobs.Inc()
	logging.Info().Str("job_id", job.ID).Str("mode", string(job.Mode)).Str("created_by", job.CreatedBy).
		Time("from", job.Range.Start).Time("to", job.Range.End).Msg("sync job created")

	go m.execute(runCtx, r)
	return job.ID, nil
}

// GetJobStatus returns a point-in-time snapshot, live counters included.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (models.SyncJob, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.SyncJob{}, ErrJobNotFound
		}
		return models.SyncJob{}, err
	}
	m.mu.Lock()
	r, ok := m.active[jobID]
	m.mu.Unlock()
	if ok {
		live := r.snapshot()
		job.Status = live.Status
		job.Counters = live.Counters
		if job.StartedAt == nil {
			job.StartedAt = live.StartedAt
		}
	}
	return job, nil
}

// Subscribe streams progress for a job until it reaches a terminal state. The
// first event is the current snapshot. cancel must be called when done.
func (m *Manager) Subscribe(ctx context.Context, jobID string) (<-chan progress.Event, func(), error) {
	m.mu.Lock()
	if r, ok := m.active[jobID]; ok {
		// under m.mu the run cannot publish its terminal event in between
		ch, cancel := m.progress.Subscribe(jobID, progress.EventFromJob(r.snapshot()))
		m.mu.Unlock()
		return ch, cancel, nil
	}
	m.mu.Unlock()

	job, err := m.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan progress.Event, 1)
	ch <- progress.EventFromJob(job)
	close(ch)
	return ch, func() {}, nil
}

// Cancel stops a running job at its next suspension point. The job ends as
// cancelled with counters as of that moment.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	r, ok := m.active[jobID]
	m.mu.Unlock()
	if !ok {
		if _, err := m.GetJobStatus(ctx, jobID); err != nil {
			return err
		}
		return ErrJobNotRunning
	}
	r.requestCancel()
	logging.Info().Str("job_id", jobID).Msg("sync job cancellation requested")
	return nil
}

// Done is closed when the job's run has finished in this process.
func (m *Manager) Done(jobID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.active[jobID]; ok {
		return r.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// ActiveJobIDs lists runs owned by this process.
func (m *Manager) ActiveJobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// ListJobs returns jobs newest first.
func (m *Manager) ListJobs(ctx context.Context, limit, offset int) ([]models.SyncJob, error) {
	limit, offset = clampPage(limit, offset)
	return m.store.ListJobs(ctx, limit, offset)
}

// ListOutcomes returns a job's ledger rows, optionally filtered by status.
func (m *Manager) ListOutcomes(ctx context.Context, jobID string, status models.OutcomeStatus, limit int) ([]models.RecordOutcome, error) {
	if _, err := m.GetJobStatus(ctx, jobID); err != nil {
		return nil, err
	}
	limit, _ = clampPage(limit, 0)
	return m.store.ListOutcomes(ctx, jobID, status, limit)
}

// RetryableJobs returns finished jobs that still have retryable outcomes.
func (m *Manager) RetryableJobs(ctx context.Context, limit int) ([]string, error) {
	return m.store.RetryableJobs(ctx, m.opts.MaxRecordRetries, limit)
}

// Shutdown cancels every run and waits for them to record their final state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stop()
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

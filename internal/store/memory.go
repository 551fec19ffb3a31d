package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"call-sync-engine/internal/models"
)

// Memory is an in-process Store for development and tests. Data is lost on exit.
type Memory struct {
	mu         sync.RWMutex
	jobs       map[string]models.SyncJob
	outcomes   map[string]map[string]*memOutcome
	seq        int64
	calls      map[string]models.Call
	contacts   map[string]models.Party
	users      map[string]models.Party
	recordings map[string]models.Recording

	// FailWrite, when set, is consulted before every staged entity write and can
	// force a transaction to fail.
	FailWrite func(kind, id string) error
}

type memOutcome struct {
	seq int64
	models.RecordOutcome
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]models.SyncJob),
		outcomes:   make(map[string]map[string]*memOutcome),
		calls:      make(map[string]models.Call),
		contacts:   make(map[string]models.Party),
		users:      make(map[string]models.Party),
		recordings: make(map[string]models.Recording),
	}
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateJob(_ context.Context, job models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.SyncJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, limit, offset int) ([]models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]models.SyncJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) ActiveJobs(_ context.Context) ([]models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SyncJob
	for _, j := range m.jobs {
		if j.Status == models.StatusPending || j.Status == models.StatusRunning {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *Memory) MarkRunning(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusPending {
		return fmt.Errorf("job %s is not pending: %w", id, ErrNotFound)
	}
	job.Status = models.StatusRunning
	job.StartedAt = &at
	m.jobs[id] = job
	return nil
}

func (m *Memory) UpdateCounters(_ context.Context, id string, c models.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.Counters = c
	m.jobs[id] = job
	return nil
}

func (m *Memory) FinishJob(_ context.Context, id string, f Finish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.Status = f.Status
	job.Counters = f.Counters
	job.Error = f.Error
	ended := f.EndedAt
	job.EndedAt = &ended
	m.jobs[id] = job
	return nil
}

func (m *Memory) InterruptActive(_ context.Context, reason string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, job := range m.jobs {
		if job.Status != models.StatusPending && job.Status != models.StatusRunning {
			continue
		}
		msg := reason
		ended := at
		job.Status = models.StatusFailed
		job.Error = &msg
		job.EndedAt = &ended
		m.jobs[id] = job
		n++
	}
	return n, nil
}

func (m *Memory) UpsertOutcome(_ context.Context, o models.RecordOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRecord, ok := m.outcomes[o.JobID]
	if !ok {
		byRecord = make(map[string]*memOutcome)
		m.outcomes[o.JobID] = byRecord
	}
	if existing, ok := byRecord[o.RecordID]; ok {
		if len(o.Payload) == 0 {
			o.Payload = existing.Payload
		}
		if existing.Status == models.OutcomeFailed && o.Status == models.OutcomeFailed {
			o.RetryCount = existing.RetryCount + 1
		}
		existing.RecordOutcome = o
		return nil
	}
	m.seq++
	byRecord[o.RecordID] = &memOutcome{seq: m.seq, RecordOutcome: o}
	return nil
}

func (m *Memory) ListOutcomes(_ context.Context, jobID string, status models.OutcomeStatus, limit int) ([]models.RecordOutcome, error) {
	return m.filterOutcomes(jobID, limit, func(o models.RecordOutcome) bool {
		return status == "" || o.Status == status
	}), nil
}

func (m *Memory) FailedOutcomes(_ context.Context, jobID string) ([]models.RecordOutcome, error) {
	return m.filterOutcomes(jobID, 0, func(o models.RecordOutcome) bool {
		return o.Status != models.OutcomeSuccess
	}), nil
}

func (m *Memory) filterOutcomes(jobID string, limit int, keep func(models.RecordOutcome) bool) []models.RecordOutcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]*memOutcome, 0, len(m.outcomes[jobID]))
	for _, o := range m.outcomes[jobID] {
		if keep(o.RecordOutcome) {
			rows = append(rows, o)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]models.RecordOutcome, len(rows))
	for i, r := range rows {
		out[i] = r.RecordOutcome
	}
	return out
}

func (m *Memory) RetryableJobs(_ context.Context, maxRetries, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []models.SyncJob
	for jobID, byRecord := range m.outcomes {
		job, ok := m.jobs[jobID]
		if !ok || (job.Status != models.StatusPartial && job.Status != models.StatusFailed) {
			continue
		}
		for _, o := range byRecord {
			if o.Retryable(maxRetries) {
				jobs = append(jobs, job)
				break
			}
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids, nil
}

func (m *Memory) GetCall(_ context.Context, callID string) (models.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return models.Call{}, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return c, nil
}

// Contact returns a stored contact.
func (m *Memory) Contact(id string) (models.Party, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.contacts[id]
	return p, ok
}

// User returns a stored user.
func (m *Memory) User(id string) (models.Party, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[id]
	return p, ok
}

// Recording returns stored recording metadata.
func (m *Memory) Recording(id string) (models.Recording, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recordings[id]
	return r, ok
}

// WithTx stages writes and applies them only if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(w CallWriter) error) error {
	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, apply := range tx.ops {
		apply()
	}
	return nil
}

type memTx struct {
	store *Memory
	ops   []func()
}

func (t *memTx) check(kind, id string) error {
	if t.store.FailWrite == nil {
		return nil
	}
	if err := t.store.FailWrite(kind, id); err != nil {
		return fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}
	return nil
}

func (t *memTx) UpsertCall(_ context.Context, c models.Call) error {
	if err := t.check("call", c.CallID); err != nil {
		return err
	}
	t.ops = append(t.ops, func() { t.store.calls[c.CallID] = c })
	return nil
}

func (t *memTx) UpsertContact(_ context.Context, p models.Party) error {
	if err := t.check("contact", p.ID); err != nil {
		return err
	}
	t.ops = append(t.ops, func() { t.store.contacts[p.ID] = mergeParty(t.store.contacts[p.ID], p) })
	return nil
}

func (t *memTx) UpsertUser(_ context.Context, p models.Party) error {
	if err := t.check("user", p.ID); err != nil {
		return err
	}
	t.ops = append(t.ops, func() { t.store.users[p.ID] = mergeParty(t.store.users[p.ID], p) })
	return nil
}

func (t *memTx) UpsertRecording(_ context.Context, r models.Recording) error {
	if err := t.check("recording", r.ID); err != nil {
		return err
	}
	t.ops = append(t.ops, func() { t.store.recordings[r.ID] = r })
	return nil
}

func mergeParty(old, p models.Party) models.Party {
	merged := old
	merged.ID = p.ID
	if p.Name != nil {
		merged.Name = p.Name
	}
	if p.Email != nil {
		merged.Email = p.Email
	}
	if p.Phone != nil {
		merged.Phone = p.Phone
	}
	if p.Type != nil {
		merged.Type = p.Type
	}
	return merged
}

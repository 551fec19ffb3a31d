package worker

import (
	"context"
	"errors"
	"time"

	"call-sync-engine/internal/config"
	"call-sync-engine/internal/engine"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
)

// sweepBatch caps how many jobs one retry sweep visits.
const sweepBatch = 20

// Engine is the part of the sync engine the worker drives.
type Engine interface {
	StartSync(ctx context.Context, req engine.SyncRequest) (string, error)
	RetryableJobs(ctx context.Context, limit int) ([]string, error)
	RetryFailed(ctx context.Context, jobID string, refetch bool) (models.RetryResult, error)
}

// Processor drives the background loops: a recurring trailing-window sync
// and a periodic retry sweep over jobs with failed records.
type Processor struct {
	cfg      config.WorkerConfig
	engine   Engine
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.WorkerConfig, eng Engine) *Processor {
	return NewProcessorWithID(cfg, eng, "")
}

// NewProcessorWithID creates a processor whose log lines carry workerID.
func NewProcessorWithID(cfg config.WorkerConfig, eng Engine, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		engine:   eng,
		workerID: workerID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the enabled loops and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var syncTick, sweepTick <-chan time.Time
	if p.cfg.SyncInterval > 0 {
		t := time.NewTicker(p.cfg.SyncInterval)
		defer t.Stop()
		syncTick = t.C
		p.TriggerSync(ctx)
	}
	if p.cfg.RetrySweepInterval > 0 {
		t := time.NewTicker(p.cfg.RetrySweepInterval)
		defer t.Stop()
		sweepTick = t.C
	}
	logging.Info().Str("worker_id", p.workerID).
		Dur("sync_interval", p.cfg.SyncInterval).
		Dur("retry_sweep_interval", p.cfg.RetrySweepInterval).
		Msg("worker loops started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-syncTick:
			p.TriggerSync(ctx)
		case <-sweepTick:
			p.SweepRetries(ctx)
		}
	}
}

// TriggerSync starts a full sync over the trailing lookback window. A run
// still covering part of that window is left alone.
func (p *Processor) TriggerSync(ctx context.Context) (string, bool) {
	end := p.now()
	lookback := p.cfg.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	req := engine.SyncRequest{
		Range:     models.DateRange{Start: end.Add(-lookback), End: end},
		Mode:      models.ModeFull,
		CreatedBy: models.CreatedByScheduler,
	}
	jobID, err := p.engine.StartSync(ctx, req)
	switch {
	case errors.Is(err, engine.ErrOverlappingJob):
		logging.Debug().Str("worker_id", p.workerID).Msg("previous scheduled sync still running")
		return "", false
	case err != nil:
		logging.Error().Err(err).Str("worker_id", p.workerID).Msg("start scheduled sync")
		return "", false
	}
	logging.Info().Str("worker_id", p.workerID).Str("job_id", jobID).Msg("scheduled sync started")
	return jobID, true
}

// SweepRetries runs a retry pass for every finished job that still has
// retryable records. It returns the number of records recovered.
func (p *Processor) SweepRetries(ctx context.Context) int {
	ids, err := p.engine.RetryableJobs(ctx, sweepBatch)
	if err != nil {
		logging.Error().Err(err).Str("worker_id", p.workerID).Msg("list retryable jobs")
		return 0
	}
	recovered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := p.engine.RetryFailed(ctx, id, false)
		if errors.Is(err, engine.ErrJobActive) {
			continue
		}
		if err != nil {
			logging.Warn().Err(err).Str("worker_id", p.workerID).Str("job_id", id).Msg("retry sweep")
		}
		recovered += res.Succeeded
	}
	if len(ids) > 0 {
		logging.Info().Str("worker_id", p.workerID).Int("jobs", len(ids)).Int("recovered", recovered).Msg("retry sweep finished")
	}
	return recovered
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-sync-engine/internal/app"
	"call-sync-engine/internal/config"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/telemetry"
	workerproc "call-sync-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("load config")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logging.Error().Err(err).Msg("build engine")
		os.Exit(1)
	}
	defer a.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	processor := workerproc.NewProcessorWithID(cfg.Worker, a.Engine, workerID)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				logging.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	logging.Info().Str("worker_id", workerID).
		Dur("sync_interval", cfg.Worker.SyncInterval).
		Dur("lookback", cfg.Worker.Lookback).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("sync jobs did not stop in time")
	}
}

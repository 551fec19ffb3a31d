package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-sync-engine/internal/api"
	"call-sync-engine/internal/app"
	"call-sync-engine/internal/config"
	"call-sync-engine/internal/logging"
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

	// this process owns the job table, so it also runs the background loops
	processor := workerproc.NewProcessorWithID(cfg.Worker, a.Engine, "api")
	go func() {
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("worker loops stopped")
		}
	}()

	server := api.New(a.Engine, a.Store, a.Ingress, cfg.Location())
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info().Str("addr", httpServer.Addr).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("listen")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := a.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("sync jobs did not stop in time")
	}
	logging.Info().Msg("api stopped")
}

// Package app assembles the sync engine and its collaborators from config.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"call-sync-engine/internal/api"
	"call-sync-engine/internal/archive"
	"call-sync-engine/internal/config"
	"call-sync-engine/internal/dialpad"
	"call-sync-engine/internal/engine"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/progress"
	"call-sync-engine/internal/ratelimit"
	"call-sync-engine/internal/store"
)

const outboundLimitKey = "ratelimit:dialpad"

// App is a wired engine plus the resources it owns.
type App struct {
	Config config.Config
	Store  store.Store
	Engine *engine.Manager
	// Ingress limits sync creation per client IP; nil when disabled.
	Ingress func(http.Handler) http.Handler

	redis *redis.Client
}

// Build connects to the configured backends, recovers interrupted jobs and
// returns a ready engine. Close releases what Build opened.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = st

	if cfg.RateLimit.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	var limiter ratelimit.Limiter
	rl := cfg.RateLimit
	if a.redis != nil {
		limiter = ratelimit.NewRedisWindow(a.redis, outboundLimitKey, rl.Requests, rl.Window, rl.SafetyBuffer)
		if rl.IngressPerMinute > 0 {
			a.Ingress = api.SharedIngressLimit(ratelimit.NewRedisWindow(a.redis, "ratelimit:ingress", rl.IngressPerMinute, time.Minute, 0))
		}
	} else {
		limiter = ratelimit.NewSlidingWindow(rl.Requests, rl.Window, rl.SafetyBuffer)
		if rl.IngressPerMinute > 0 {
			a.Ingress = api.LocalIngressLimit(rl.IngressPerMinute)
		}
	}

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init archive: %w", err)
	}

	client := dialpad.NewBreakerClient(dialpad.NewClient(cfg.Dialpad), dialpad.DefaultBreakerSettings())
	a.Engine = engine.NewManager(engine.Deps{
		Store:    st,
		API:      client,
		Limiter:  limiter,
		Progress: progress.NewBroadcaster(),
		Archive:  arch,
	}, engine.OptionsFromConfig(cfg.Sync))

	if _, err := a.Engine.Recover(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logging.Info().
		Str("store", cfg.Store.Driver).
		Str("limiter", rl.Backend).
		Str("archive", cfg.Archive.Destination).
		Msg("sync engine ready")
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		logging.Warn().Msg("using in-memory store; job history is lost on exit")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return pg, nil
}

// Shutdown stops running jobs and waits for their final state to be written.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Engine == nil {
		return nil
	}
	return a.Engine.Shutdown(ctx)
}

// Close releases connections. Call after Shutdown.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

// Package app assembles the shared runtime graph used by the API, the worker
// and orchctl from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"generation-orchestrator/internal/archive"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/events"
	"generation-orchestrator/internal/lease"
	"generation-orchestrator/internal/orchestrator"
	"generation-orchestrator/internal/ratelimit"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/sweeper"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config     config.Config
	Store      store.Store
	Redis      *redis.Client
	Log        *events.Log
	Leases     *lease.Manager
	Controller *orchestrator.Controller
	Logger     *slog.Logger
}

// New opens the store, migrates it and connects Redis when REDIS_ADDR is
// set. Without Redis, stream followers in this process are woken by an
// in-process hub and fall back to polling for writes from other processes.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a := &App{Config: cfg, Store: st, Logger: logger}
	var notifier events.Notifier = events.NewHub()
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		notifier = events.NewRedisNotifier(a.Redis, logger)
	}

	a.Log = events.NewLog(st, notifier, logger)
	a.Leases = lease.NewManager(st, cfg.LeaseTTL, lease.WithLogger(logger))
	a.Controller = orchestrator.New(st, a.Leases, a.Log, orchestrator.Options{
		MaxAttempts:        cfg.MaxAttempts,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		StreamPollInterval: cfg.StreamPollInterval,
		StreamHeartbeat:    cfg.StreamHeartbeat,
	}, logger)
	return a, nil
}

// Limiter returns the order-creation token bucket, or nil without Redis.
func (a *App) Limiter() *ratelimit.TokenBucket {
	if a.Redis == nil {
		return nil
	}
	return ratelimit.NewTokenBucket(a.Redis, a.Config.RateLimitCapacity, a.Config.RateLimitRefill, time.Hour)
}

// Sweeper builds the maintenance loop with the configured archive sink.
func (a *App) Sweeper(ctx context.Context) (*sweeper.Sweeper, error) {
	sink, err := archive.New(ctx, a.Config)
	if err != nil {
		return nil, fmt.Errorf("archive sink: %w", err)
	}
	return sweeper.New(a.Controller, a.Store, sink, sweeper.Options{
		Interval:       a.Config.SweepInterval,
		MaxRunDuration: a.Config.MaxRunDuration,
		RetentionTTL:   a.Config.EventRetentionTTL,
		RetentionKeep:  a.Config.EventRetentionKeep,
	}, a.Logger), nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Store.Close()
}

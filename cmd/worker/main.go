package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"generation-orchestrator/internal/app"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/telemetry"
	workerproc "generation-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel).With("service", "worker", "env", cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	workerID := cfg.WorkerID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		}
	}

	processor := workerproc.NewProcessor(a.Controller, a.Leases, workerproc.Options{
		WorkerID:            workerID,
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		MaxPollInterval:     cfg.WorkerMaxPollInterval,
		CancelCheckInterval: cfg.CancelCheckInterval,
		LeaseRenewInterval:  cfg.LeaseRenewInterval,
	}, logger)
	if cfg.GenerationWebhookURL != "" {
		webhook := workerproc.NewWebhookHandler(cfg.GenerationWebhookURL, cfg.GenerationWebhookTimeout)
		for _, kind := range []string{models.KindSearchGenerate, models.KindSearchSpellcheck, models.KindSearchIntents, models.KindSearchArticles, models.KindMailGenerate} {
			processor.RegisterHandler(kind, webhook.Handle)
		}
	}
	processor.SetDefaultHandler(workerproc.SimulatedHandler)

	sw, err := a.Sweeper(ctx)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker starting", "worker_id", processor.WorkerID(), "concurrency", cfg.WorkerConcurrency,
		"lease_ttl", cfg.LeaseTTL, "backoff_initial", cfg.BackoffInitial, "webhook", cfg.GenerationWebhookURL != "")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}

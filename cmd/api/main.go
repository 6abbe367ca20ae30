package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bookline-ai/intake-platform/cmd/mainconfig"
	"github.com/bookline-ai/intake-platform/internal/api/router"
	"github.com/bookline-ai/intake-platform/internal/audit"
	appconfig "github.com/bookline-ai/intake-platform/internal/config"
	"github.com/bookline-ai/intake-platform/internal/deadletter"
	"github.com/bookline-ai/intake-platform/internal/observability/metrics"
	"github.com/bookline-ai/intake-platform/internal/tenancy"
	"github.com/bookline-ai/intake-platform/internal/webhook"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

const (
	webhookRatePerSec = 20
	webhookBurst      = 60
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting intake api",
		"env", cfg.Env,
		"port", cfg.Port,
		"platform", cfg.Platform,
		"queue_backend", cfg.QueueBackend,
	)

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	auditDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = auditDB.Close() }()
	auditSvc := audit.NewService(auditDB, logger)

	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(reg)

	dlStore, err := deadletter.NewStore(pool, cfg.DeadLetterKeyHex, logger)
	if err != nil {
		logger.Error("failed to create dead-letter store", "error", err)
		os.Exit(1)
	}

	jobQueue, err := mainconfig.BuildQueue(ctx, cfg, pool, dlStore, logger)
	if err != nil {
		logger.Error("failed to build queue", "error", err)
		os.Exit(1)
	}

	idemStore, err := mainconfig.BuildIdempotencyStore(ctx, cfg, pool)
	if err != nil {
		logger.Error("failed to build idempotency store", "error", err)
		os.Exit(1)
	}

	resolver := tenancy.NewPostgresResolver(pool)

	receiver := webhook.NewReceiver(
		cfg.Platform,
		cfg.WebhookSecret,
		cfg.WebhookVerifyToken,
		resolver,
		idemStore,
		jobQueue,
		auditSvc,
		logger,
		webhook.WithMaxAttempts(cfg.MaxAttempts),
		webhook.WithMetrics(m),
	)

	r := router.New(&router.Config{
		Logger:            logger,
		Receivers:         map[string]*webhook.Receiver{cfg.Platform: receiver},
		DeadLetters:       deadletter.NewHandler(dlStore, jobQueue, auditSvc, logger),
		AuditHandler:      audit.NewHandler(auditSvc, logger),
		AdminAuthSecret:   cfg.AdminJWTSecret,
		MetricsHandler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		WebhookRatePerSec: webhookRatePerSec,
		WebhookBurst:      webhookBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/bookline-ai/intake-platform/cmd/mainconfig"
	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/internal/booking"
	"github.com/bookline-ai/intake-platform/internal/classifier"
	appconfig "github.com/bookline-ai/intake-platform/internal/config"
	"github.com/bookline-ai/intake-platform/internal/conversation"
	"github.com/bookline-ai/intake-platform/internal/deadletter"
	"github.com/bookline-ai/intake-platform/internal/messenger"
	"github.com/bookline-ai/intake-platform/internal/observability/metrics"
	"github.com/bookline-ai/intake-platform/internal/worker"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting intake pipeline worker",
		"env", cfg.Env,
		"queue_backend", cfg.QueueBackend,
		"workers", cfg.WorkerCount,
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

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		os.Exit(1)
	}
	redisOpts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	m := metrics.NewPipelineMetrics(prometheus.NewRegistry())

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

	cls, err := buildClassifier(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build classifier", "error", err)
		os.Exit(1)
	}

	book := conversation.NewAuditedBooking(
		booking.NewHTTPAdapter(cfg.BookingBaseURL, cfg.BookingAPIKey, cfg.BookingTimeout, logger),
		auditSvc,
	)
	sender := conversation.NewAuditedSender(
		messenger.NewHTTPMessenger(cfg.SendBaseURL, cfg.SendAPIKey, cfg.SendTimeout, logger),
		auditSvc,
	)

	engine := conversation.NewEngine(
		conversation.NewStore(pool),
		conversation.NewHistoryStore(rdb, cfg.HistoryWindow, nil),
		cls,
		book,
		sender,
		logger,
		conversation.WithConfidenceThreshold(cfg.ConfidenceThreshold),
		conversation.WithDefaultRegion(cfg.DefaultRegion),
	)

	pipelinePool := worker.NewPool(jobQueue, idemStore, engine, auditSvc, m, logger,
		worker.WithWorkerCount(cfg.WorkerCount),
		worker.WithReceiveBatch(cfg.ReceiveBatch),
		worker.WithReceiveWait(cfg.ReceiveWait),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipelinePool.Start(runCtx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down pipeline worker...")
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()

	waitCh := make(chan struct{})
	go func() {
		pipelinePool.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("pipeline worker stopped")
	case <-drainCtx.Done():
		logger.Error("pipeline worker shutdown timed out", "error", drainCtx.Err())
	}
}

func buildClassifier(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (classifier.Adapter, error) {
	switch cfg.ClassifierBackend {
	case "bedrock":
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return classifier.NewBedrockClassifier(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), nil
	default:
		return classifier.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierAPIKey, cfg.ClassifierTimeout, logger), nil
	}
}

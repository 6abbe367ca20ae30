package mainconfig

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	appconfig "github.com/bookline-ai/intake-platform/internal/config"
	"github.com/bookline-ai/intake-platform/internal/deadletter"
	"github.com/bookline-ai/intake-platform/internal/idempotency"
	"github.com/bookline-ai/intake-platform/internal/queue"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// BuildQueue constructs the job queue named by QUEUE_BACKEND. Both binaries
// must agree on the backend or jobs enqueued by one are invisible to the
// other.
func BuildQueue(ctx context.Context, cfg *appconfig.Config, pool *pgxpool.Pool, dead *deadletter.Store, logger *logging.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "postgres":
		return queue.NewPostgresQueue(pool, dead, logger,
			queue.WithLeaseDuration(cfg.LeaseDuration),
			queue.WithBackoff(queue.BackoffConfig{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}),
		), nil
	case "sqs":
		if cfg.JobsQueueURL == "" {
			return nil, fmt.Errorf("mainconfig: JOBS_QUEUE_URL is required for the sqs backend")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("mainconfig: load aws config: %w", err)
		}
		return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.JobsQueueURL, dead), nil
	case "memory":
		return queue.NewMemoryQueue(dead), nil
	default:
		return nil, fmt.Errorf("mainconfig: unknown queue backend %q", cfg.QueueBackend)
	}
}

// BuildIdempotencyStore constructs the processed-event store named by
// IDEMPOTENCY_BACKEND.
func BuildIdempotencyStore(ctx context.Context, cfg *appconfig.Config, pool *pgxpool.Pool) (idempotency.Store, error) {
	switch cfg.IdempotencyBackend {
	case "postgres":
		return idempotency.NewPostgresStore(pool), nil
	case "dynamo":
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("mainconfig: load aws config: %w", err)
		}
		return idempotency.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.IdempotencyTable), nil
	default:
		return nil, fmt.Errorf("mainconfig: unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
}

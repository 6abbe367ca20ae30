package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const historyTTL = 24 * time.Hour

// HistoryStore keeps a rolling window of recent message texts per
// conversation in Redis. The window gives the intent classifier context
// without persisting full transcripts.
type HistoryStore struct {
	redis  *redis.Client
	window int
	tracer trace.Tracer
}

// NewHistoryStore creates a Redis-backed history window. window is the
// number of most recent messages retained per conversation.
func NewHistoryStore(rdb *redis.Client, window int, tracer trace.Tracer) *HistoryStore {
	if rdb == nil {
		panic("conversation: redis client cannot be nil")
	}
	if window <= 0 {
		window = 10
	}
	if tracer == nil {
		tracer = otel.Tracer("intake.internal.conversation.history")
	}
	return &HistoryStore{redis: rdb, window: window, tracer: tracer}
}

// Append records one message text and trims the window.
func (s *HistoryStore) Append(ctx context.Context, threadKey, text string) error {
	ctx, span := s.tracer.Start(ctx, "conversation.append_history")
	defer span.End()

	key := historyKey(threadKey)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, text)
	pipe.LTrim(ctx, key, int64(-s.window), -1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: append history: %w", err)
	}
	return nil
}

// Recent returns the window's messages, oldest first. A missing key is an
// empty history, not an error.
func (s *HistoryStore) Recent(ctx context.Context, threadKey string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.load_history")
	defer span.End()

	texts, err := s.redis.LRange(ctx, historyKey(threadKey), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: load history: %w", err)
	}
	return texts, nil
}

// Clear drops the history window, used on consent revocation.
func (s *HistoryStore) Clear(ctx context.Context, threadKey string) error {
	if err := s.redis.Del(ctx, historyKey(threadKey)).Err(); err != nil {
		return fmt.Errorf("conversation: clear history: %w", err)
	}
	return nil
}

func historyKey(threadKey string) string {
	return fmt.Sprintf("history:%s", threadKey)
}

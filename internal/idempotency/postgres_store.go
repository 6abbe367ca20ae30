package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists done markers in the processed_events table.
type PostgresStore struct {
	pool rowQuerier
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("idempotency: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(exec rowQuerier) *PostgresStore {
	if exec == nil {
		panic("idempotency: exec required")
	}
	return &PostgresStore{pool: exec}
}

// AlreadyDone checks for a prior done marker for this platform event id.
func (s *PostgresStore) AlreadyDone(ctx context.Context, platform, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE platform = $1 AND event_id = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, platform, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("idempotency: check done: %w", err)
	}
	return true, nil
}

// MarkDone inserts the marker, returning false if it already exists.
func (s *PostgresStore) MarkDone(ctx context.Context, platform, eventID string, outcome Outcome) (bool, error) {
	query := `
		INSERT INTO processed_events (platform, event_id, outcome)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, platform, eventID, string(outcome))
	if err != nil {
		return false, fmt.Errorf("idempotency: mark done: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresResolver resolves owners from the platform_accounts table.
type PostgresResolver struct {
	pool rowQuerier
}

// NewPostgresResolver builds a resolver backed by the provided pool.
func NewPostgresResolver(pool *pgxpool.Pool) *PostgresResolver {
	if pool == nil {
		panic("tenancy: pgx pool required")
	}
	return &PostgresResolver{pool: pool}
}

func newPostgresResolverWithQuerier(q rowQuerier) *PostgresResolver {
	if q == nil {
		panic("tenancy: querier required")
	}
	return &PostgresResolver{pool: q}
}

// Resolve implements Resolver.
func (r *PostgresResolver) Resolve(ctx context.Context, platform, platformAccountID string) (Account, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	platformAccountID = strings.TrimSpace(platformAccountID)
	if platform == "" || platformAccountID == "" {
		return Account{}, ErrAccountNotFound
	}

	query := `
		SELECT owner_id, display_name
		FROM platform_accounts
		WHERE platform = $1 AND platform_account_id = $2
	`
	acct := Account{Platform: platform, PlatformAccountID: platformAccountID}
	err := r.pool.QueryRow(ctx, query, platform, platformAccountID).Scan(&acct.OwnerID, &acct.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("tenancy: resolve account: %w", err)
	}
	return acct, nil
}

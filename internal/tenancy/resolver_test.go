package tenancy

import (
	"context"
	"errors"
	"testing"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestStaticResolver(t *testing.T) {
	resolver := NewStaticResolver([]Account{
		{OwnerID: "org-1", Platform: "Messaging", PlatformAccountID: "page-100"},
		{OwnerID: "", Platform: "messaging", PlatformAccountID: "page-skipped"},
	})

	acct, err := resolver.Resolve(context.Background(), "messaging", "page-100")
	if err != nil {
		t.Fatalf("expected resolution, got %v", err)
	}
	if acct.OwnerID != "org-1" {
		t.Errorf("expected owner org-1, got %s", acct.OwnerID)
	}

	if _, err := resolver.Resolve(context.Background(), "messaging", "page-404"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), "messaging", "page-skipped"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("accounts without owners must not resolve, got %v", err)
	}
}

func TestPostgresResolver(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	resolver := newPostgresResolverWithQuerier(mock)

	mock.ExpectQuery("SELECT owner_id, display_name").
		WithArgs("messaging", "page-100").
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "display_name"}).AddRow("org-1", "North Clinic"))

	acct, err := resolver.Resolve(context.Background(), "Messaging", "page-100")
	if err != nil {
		t.Fatalf("expected resolution, got %v", err)
	}
	if acct.OwnerID != "org-1" || acct.DisplayName != "North Clinic" {
		t.Errorf("unexpected account %+v", acct)
	}

	mock.ExpectQuery("SELECT owner_id, display_name").
		WithArgs("messaging", "page-404").
		WillReturnError(pgx.ErrNoRows)

	if _, err := resolver.Resolve(context.Background(), "messaging", "page-404"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

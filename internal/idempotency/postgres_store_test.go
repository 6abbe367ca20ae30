package idempotency

import (
	"context"
	"testing"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestPostgresStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)

	mock.ExpectQuery("SELECT 1 FROM processed_events").
		WithArgs("messaging", "mid.1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	done, err := store.AlreadyDone(context.Background(), "messaging", "mid.1")
	if err != nil || !done {
		t.Fatalf("expected existing marker, got done=%v err=%v", done, err)
	}

	mock.ExpectQuery("SELECT 1 FROM processed_events").
		WithArgs("messaging", "mid.miss").
		WillReturnError(pgx.ErrNoRows)
	done, err = store.AlreadyDone(context.Background(), "messaging", "mid.miss")
	if err != nil || done {
		t.Fatalf("expected missing marker, got done=%v err=%v", done, err)
	}

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("messaging", "mid.new", "replied").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkDone(context.Background(), "messaging", "mid.new", OutcomeReplied)
	if err != nil || !ok {
		t.Fatalf("expected mark done success, got %v %v", ok, err)
	}

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("messaging", "mid.dup", "replied").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = store.MarkDone(context.Background(), "messaging", "mid.dup", OutcomeReplied)
	if err != nil || ok {
		t.Fatalf("expected duplicate marker to report false, got %v %v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

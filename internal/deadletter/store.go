// Package deadletter stores jobs that exhausted their retry budget so an
// operator can inspect and re-drive them. Payloads are encrypted at rest.
package deadletter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// ErrNotFound is returned when no dead-letter entry matches the event id.
var ErrNotFound = errors.New("deadletter: entry not found")

// Enqueuer re-drives a recovered job. Satisfied by every queue backend.
type Enqueuer interface {
	Enqueue(ctx context.Context, job pipeline.Job) error
}

type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists dead-letter entries in Postgres.
type Store struct {
	conn   pgxConn
	cipher *payloadCipher
	logger *logging.Logger
}

// NewStore builds a dead-letter store. keyHex is the hex-encoded 32-byte
// AES key used to encrypt payloads at rest.
func NewStore(pool *pgxpool.Pool, keyHex string, logger *logging.Logger) (*Store, error) {
	if pool == nil {
		panic("deadletter: pgx pool required")
	}
	return newStore(pool, keyHex, logger)
}

func newStore(conn pgxConn, keyHex string, logger *logging.Logger) (*Store, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("deadletter: decode encryption key: %w", err)
	}
	cipher, err := newPayloadCipher(key)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{conn: conn, cipher: cipher, logger: logger}, nil
}

const insertEntrySQL = `
	INSERT INTO dead_letters (event_id, platform_account_id, payload, last_error, attempts, correlation_id, stored_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (event_id) DO NOTHING
`

// Archive stores the entry, encrypting its payload. Archiving the same event
// id twice keeps the first entry.
func (s *Store) Archive(ctx context.Context, entry pipeline.DeadLetterEntry) error {
	sealed, err := s.cipher.encrypt(entry.Payload)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, insertEntrySQL,
		entry.EventID, entry.PlatformAccountID, sealed, entry.LastError,
		entry.Attempts, entry.CorrelationID, entry.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("deadletter: archive entry: %w", err)
	}
	return nil
}

// ArchiveTx stores the entry inside the caller's transaction so that the
// queue can delete the exhausted job and insert the entry atomically.
func (s *Store) ArchiveTx(ctx context.Context, tx pgx.Tx, entry pipeline.DeadLetterEntry) error {
	sealed, err := s.cipher.encrypt(entry.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertEntrySQL,
		entry.EventID, entry.PlatformAccountID, sealed, entry.LastError,
		entry.Attempts, entry.CorrelationID, entry.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("deadletter: archive entry in tx: %w", err)
	}
	return nil
}

// List returns the newest entries up to limit, payloads excluded.
func (s *Store) List(ctx context.Context, limit int) ([]pipeline.DeadLetterEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `
		SELECT event_id, platform_account_id, last_error, attempts, correlation_id, stored_at
		FROM dead_letters
		ORDER BY stored_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list entries: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.DeadLetterEntry
	for rows.Next() {
		var e pipeline.DeadLetterEntry
		if err := rows.Scan(&e.EventID, &e.PlatformAccountID, &e.LastError, &e.Attempts, &e.CorrelationID, &e.StoredAt); err != nil {
			return nil, fmt.Errorf("deadletter: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: list rows: %w", err)
	}
	return entries, nil
}

// Get loads one entry with its decrypted payload.
func (s *Store) Get(ctx context.Context, eventID string) (pipeline.DeadLetterEntry, error) {
	var (
		e      pipeline.DeadLetterEntry
		sealed []byte
	)
	err := s.conn.QueryRow(ctx, `
		SELECT event_id, platform_account_id, payload, last_error, attempts, correlation_id, stored_at
		FROM dead_letters
		WHERE event_id = $1
	`, eventID).Scan(&e.EventID, &e.PlatformAccountID, &sealed, &e.LastError, &e.Attempts, &e.CorrelationID, &e.StoredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.DeadLetterEntry{}, ErrNotFound
		}
		return pipeline.DeadLetterEntry{}, fmt.Errorf("deadletter: load entry %s: %w", eventID, err)
	}
	payload, err := s.cipher.decrypt(sealed)
	if err != nil {
		return pipeline.DeadLetterEntry{}, err
	}
	e.Payload = payload
	return e, nil
}

// Requeue re-drives the archived job with a fresh attempt budget and removes
// the entry. The queue's enqueue dedupe has been cleared by the original
// job's removal, so the event id is accepted again.
func (s *Store) Requeue(ctx context.Context, eventID string, q Enqueuer) error {
	entry, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}

	var job pipeline.Job
	if err := json.Unmarshal(entry.Payload, &job); err != nil {
		return fmt.Errorf("deadletter: decode archived job %s: %w", eventID, err)
	}
	job.JobID = uuid.NewString()
	job.Attempt = 0
	job.EnqueuedAt = time.Now().UTC()
	job.VisibleAfter = time.Time{}

	if err := q.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("deadletter: requeue %s: %w", eventID, err)
	}
	if err := s.Delete(ctx, eventID); err != nil {
		return err
	}
	s.logger.Info("dead letter requeued", "event_id", eventID, "job_id", job.JobID)
	return nil
}

// Delete removes the entry.
func (s *Store) Delete(ctx context.Context, eventID string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM dead_letters WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("deadletter: delete entry %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

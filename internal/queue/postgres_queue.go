package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

const claimPollInterval = 250 * time.Millisecond

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresQueue is the default durable queue: a jobs table claimed with
// FOR UPDATE SKIP LOCKED, per-conversation-key leases for ordering, and
// visible_after scheduling for backoff.
type PostgresQueue struct {
	pool    pgxPool
	dead    TxArchiver
	lease   time.Duration
	backoff BackoffConfig
	rng     *lockedRand
	logger  *logging.Logger
}

var _ Queue = (*PostgresQueue)(nil)

// PostgresOption customizes queue behavior.
type PostgresOption func(*PostgresQueue)

// WithLeaseDuration sets how long a claimed job stays invisible to other
// workers. Expired leases make the job re-deliverable after a crash.
func WithLeaseDuration(d time.Duration) PostgresOption {
	return func(q *PostgresQueue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithBackoff sets the retry delay schedule.
func WithBackoff(cfg BackoffConfig) PostgresOption {
	return func(q *PostgresQueue) {
		q.backoff = cfg
	}
}

// NewPostgresQueue builds a queue over the provided pool. dead receives jobs
// that exhaust their attempts, inside the same transaction that removes them.
func NewPostgresQueue(pool *pgxpool.Pool, dead TxArchiver, logger *logging.Logger, opts ...PostgresOption) *PostgresQueue {
	if pool == nil {
		panic("queue: pgx pool required")
	}
	return newPostgresQueue(pool, dead, logger, opts...)
}

func newPostgresQueue(pool pgxPool, dead TxArchiver, logger *logging.Logger, opts ...PostgresOption) *PostgresQueue {
	if dead == nil {
		panic("queue: dead-letter archiver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	q := &PostgresQueue{
		pool:    pool,
		dead:    dead,
		lease:   2 * time.Minute,
		backoff: DefaultBackoff(),
		rng:     newLockedRand(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts the job with attempt=0. A job for an already-enqueued
// event id is silently dropped.
func (q *PostgresQueue) Enqueue(ctx context.Context, job pipeline.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}

	query := `
		INSERT INTO jobs (job_id, event_id, conversation_key, payload, attempt, max_attempts, enqueued_at, visible_after)
		VALUES ($1, $2, $3, $4, 0, $5, now(), now())
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err = q.pool.Exec(ctx, query,
		job.JobID,
		job.Event.EventID,
		job.ThreadKey(),
		payload,
		job.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue job: %w", err)
	}
	return nil
}

// Receive leases up to max jobs, polling until wait elapses or ctx is done.
// Only the oldest unleased job of each conversation key is eligible.
func (q *PostgresQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		msgs, err := q.claim(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || wait <= 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimPollInterval):
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, max int) ([]Message, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A job is eligible only when no sibling of its conversation key is
	// older (ordering) or currently leased (single consumer per key).
	query := `
		SELECT job_id, payload, attempt
		FROM jobs j
		WHERE j.visible_after <= now()
		  AND (j.leased_until IS NULL OR j.leased_until <= now())
		  AND NOT EXISTS (
			SELECT 1 FROM jobs h
			WHERE h.conversation_key = j.conversation_key
			  AND ((h.enqueued_at, h.job_id) < (j.enqueued_at, j.job_id)
			       OR (h.job_id <> j.job_id AND h.leased_until > now()))
		  )
		ORDER BY j.enqueued_at, j.job_id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.Query(ctx, query, max)
	if err != nil {
		return nil, fmt.Errorf("queue: claim jobs: %w", err)
	}

	var msgs []Message
	for rows.Next() {
		var (
			jobID   string
			payload []byte
			attempt int
		)
		if err := rows.Scan(&jobID, &payload, &attempt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan job: %w", err)
		}
		var job pipeline.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: decode job %s: %w", jobID, err)
		}
		job.Attempt = attempt
		msgs = append(msgs, Message{Job: job, Receipt: jobID})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: claim rows: %w", err)
	}
	if len(msgs) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("queue: commit empty claim: %w", err)
		}
		return nil, nil
	}

	leaseUntil := time.Now().Add(q.lease).UTC()
	for _, msg := range msgs {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET leased_until = $2 WHERE job_id = $1`, msg.Receipt, leaseUntil); err != nil {
			return nil, fmt.Errorf("queue: lease job %s: %w", msg.Receipt, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit claim: %w", err)
	}
	return msgs, nil
}

// Ack removes the job permanently.
func (q *PostgresQueue) Ack(ctx context.Context, msg Message) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, msg.Receipt); err != nil {
		return fmt.Errorf("queue: ack job %s: %w", msg.Receipt, err)
	}
	return nil
}

// Nack reschedules the job with backoff, or moves it to the dead-letter
// store once attempts are exhausted. The move is atomic: the dead-letter
// insert and the job delete share one transaction.
func (q *PostgresQueue) Nack(ctx context.Context, msg Message, cause error) error {
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: begin nack: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempt, maxAttempts int
	err = tx.QueryRow(ctx, `
		UPDATE jobs
		SET attempt = attempt + 1, last_error = $2, leased_until = NULL
		WHERE job_id = $1
		RETURNING attempt, max_attempts
	`, msg.Receipt, causeText).Scan(&attempt, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Job already acked or dead-lettered by another path.
			return tx.Commit(ctx)
		}
		return fmt.Errorf("queue: nack job %s: %w", msg.Receipt, err)
	}

	if attempt >= maxAttempts {
		payload, err := json.Marshal(msg.Job)
		if err != nil {
			return fmt.Errorf("queue: encode dead letter payload: %w", err)
		}
		entry := pipeline.DeadLetterEntry{
			EventID:           msg.Job.Event.EventID,
			PlatformAccountID: msg.Job.Event.PlatformAccountID,
			Payload:           payload,
			LastError:         causeText,
			Attempts:          attempt,
			CorrelationID:     msg.Job.Event.CorrelationID,
			StoredAt:          time.Now().UTC(),
		}
		if err := q.dead.ArchiveTx(ctx, tx, entry); err != nil {
			return fmt.Errorf("queue: archive dead letter: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, msg.Receipt); err != nil {
			return fmt.Errorf("queue: remove exhausted job %s: %w", msg.Receipt, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("queue: commit dead letter: %w", err)
		}
		q.logger.Warn("job moved to dead letter store",
			"job_id", msg.Receipt,
			"event_id", msg.Job.Event.EventID,
			"attempts", attempt,
		)
		return nil
	}

	visibleAfter := NextVisibleAfter(time.Now(), attempt, q.backoff, q.rng)
	if _, err := tx.Exec(ctx, `UPDATE jobs SET visible_after = $2 WHERE job_id = $1`, msg.Receipt, visibleAfter); err != nil {
		return fmt.Errorf("queue: reschedule job %s: %w", msg.Receipt, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("queue: commit nack: %w", err)
	}
	q.logger.Debug("job rescheduled",
		"job_id", msg.Receipt,
		"attempt", attempt,
		"visible_after", visibleAfter,
	)
	return nil
}

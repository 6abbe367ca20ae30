// Package queue provides the durable, ordered-per-key job queue feeding the
// worker pool. Jobs for one conversation key are delivered in enqueue order
// and never leased to two workers at once; different keys run in parallel.
package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
)

// Message is one leased job. Receipt identifies the lease for Ack/Nack.
type Message struct {
	Job     pipeline.Job
	Receipt string
}

// Queue is the contract shared by the Postgres, SQS and in-memory backends.
type Queue interface {
	// Enqueue adds a job with attempt=0. Enqueueing the same event id
	// twice is a no-op.
	Enqueue(ctx context.Context, job pipeline.Job) error
	// Receive leases up to max visible jobs, waiting up to wait for work.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// Ack removes the job permanently.
	Ack(ctx context.Context, msg Message) error
	// Nack increments the attempt counter. Below max attempts the job is
	// rescheduled with backoff; at max attempts it is atomically replaced
	// by exactly one dead-letter entry.
	Nack(ctx context.Context, msg Message, cause error) error
}

// Archiver receives jobs that exhausted their attempts.
type Archiver interface {
	Archive(ctx context.Context, entry pipeline.DeadLetterEntry) error
}

// TxArchiver archives inside the queue's own transaction so the job delete
// and the dead-letter insert commit together.
type TxArchiver interface {
	ArchiveTx(ctx context.Context, tx pgx.Tx, entry pipeline.DeadLetterEntry) error
}

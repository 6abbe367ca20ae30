// Package worker consumes intake jobs from the queue, suppresses duplicates
// through the idempotency store and hands each event to the conversation
// engine.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/internal/idempotency"
	"github.com/bookline-ai/intake-platform/internal/observability/metrics"
	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/internal/queue"
	"github.com/bookline-ai/intake-platform/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one job and returns the outcome recorded against its
// event id.
type Handler interface {
	HandleEvent(ctx context.Context, job pipeline.Job) (pipeline.Outcome, error)
}

// Pool runs concurrent queue consumers.
type Pool struct {
	queue   queue.Queue
	idem    idempotency.Store
	handler Handler
	audit   *audit.Service
	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
	tracer  trace.Tracer

	cfg poolConfig
	wg  sync.WaitGroup
}

type poolConfig struct {
	workers        int
	receiveBatch   int
	receiveWait    time.Duration
	processTimeout time.Duration
}

const (
	defaultWorkerCount    = 4
	defaultReceiveBatch   = 5
	defaultReceiveWait    = 2 * time.Second
	defaultProcessTimeout = 30 * time.Second
	maxReceiveBatch       = 10
)

// PoolOption customizes pool behavior.
type PoolOption func(*poolConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) PoolOption {
	return func(cfg *poolConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveBatch sets how many jobs one receive call may lease.
func WithReceiveBatch(n int) PoolOption {
	return func(cfg *poolConfig) {
		if n > 0 && n <= maxReceiveBatch {
			cfg.receiveBatch = n
		}
	}
}

// WithReceiveWait sets how long a receive call waits for work.
func WithReceiveWait(d time.Duration) PoolOption {
	return func(cfg *poolConfig) {
		if d > 0 {
			cfg.receiveWait = d
		}
	}
}

// WithProcessTimeout bounds the handling of one job.
func WithProcessTimeout(d time.Duration) PoolOption {
	return func(cfg *poolConfig) {
		if d > 0 {
			cfg.processTimeout = d
		}
	}
}

// NewPool constructs the consumer pool.
func NewPool(q queue.Queue, idem idempotency.Store, handler Handler, auditSvc *audit.Service, m *metrics.PipelineMetrics, logger *logging.Logger, opts ...PoolOption) *Pool {
	if q == nil {
		panic("worker: queue cannot be nil")
	}
	if idem == nil {
		panic("worker: idempotency store cannot be nil")
	}
	if handler == nil {
		panic("worker: handler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := poolConfig{
		workers:        defaultWorkerCount,
		receiveBatch:   defaultReceiveBatch,
		receiveWait:    defaultReceiveWait,
		processTimeout: defaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{
		queue:   q,
		idem:    idem,
		handler: handler,
		audit:   auditSvc,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("intake.internal.worker"),
		cfg:     cfg,
	}
}

// Start launches consumer goroutines until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i+1)
	}
}

// Wait blocks until all consumer goroutines exit.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	p.logger.Debug("intake worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("intake worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := p.queue.Receive(ctx, p.cfg.receiveBatch, p.cfg.receiveWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("failed to receive jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			// Shutdown stops the loop between jobs; a job already started
			// finishes its current step instead of being aborted mid-write.
			p.handleMessage(context.WithoutCancel(ctx), msg)
		}
	}
}

func (p *Pool) handleMessage(ctx context.Context, msg queue.Message) {
	event := msg.Job.Event
	started := time.Now()

	ctx, span := p.tracer.Start(ctx, "worker.handle_job",
		trace.WithAttributes(
			attribute.String("event_id", event.EventID),
			attribute.String("platform", event.Platform),
			attribute.Int("attempt", msg.Job.Attempt),
		))
	defer span.End()

	done, err := p.idem.AlreadyDone(ctx, event.Platform, event.EventID)
	if err != nil {
		p.logger.Error("idempotency check failed", "event_id", event.EventID, "error", err)
		p.nack(ctx, msg, err)
		return
	}
	if done {
		// Redelivery of a finished job: drop it without re-running effects.
		p.logger.Debug("duplicate suppressed",
			"event_id", event.EventID,
			"correlation_id", event.CorrelationID,
		)
		p.metrics.ObserveDuplicate()
		p.ack(ctx, msg)
		return
	}

	procCtx, cancel := context.WithTimeout(ctx, p.cfg.processTimeout)
	res, err := p.handler.HandleEvent(procCtx, msg.Job)
	cancel()

	if err != nil {
		span.RecordError(err)
		category := pipeline.CategoryOf(err)
		if category == pipeline.CategoryValidation {
			// Malformed jobs never succeed on retry. Record and drop.
			p.logger.Warn("job rejected",
				"event_id", event.EventID,
				"error", err,
				"correlation_id", event.CorrelationID,
			)
			p.audit.Failure(ctx, audit.ActionJobProcessed, "job", msg.Job.JobID, event.CorrelationID, err.Error(), nil)
			p.metrics.ObserveJob("rejected", time.Since(started).Seconds())
			p.ack(ctx, msg)
			return
		}

		p.logger.Error("job failed",
			"event_id", event.EventID,
			"attempt", msg.Job.Attempt,
			"category", string(category),
			"error", err,
			"correlation_id", event.CorrelationID,
		)
		p.metrics.ObserveRetry()
		if msg.Job.Attempt+1 >= msg.Job.MaxAttempts {
			p.metrics.ObserveDeadLetter()
			p.audit.Failure(ctx, audit.ActionDeadLetterStored, "event", event.EventID, event.CorrelationID, err.Error(),
				map[string]any{"attempts": msg.Job.Attempt + 1})
		}
		p.nack(ctx, msg, err)
		return
	}

	// MarkDone must land before the ack: a crash in between redelivers the
	// job and the idempotency check suppresses the duplicate.
	first, err := p.idem.MarkDone(ctx, event.Platform, event.EventID, idempotency.Outcome(res.Name))
	if err != nil {
		p.logger.Error("failed to record outcome", "event_id", event.EventID, "error", err)
		p.nack(ctx, msg, err)
		return
	}
	if !first {
		p.logger.Debug("outcome already recorded by a concurrent delivery", "event_id", event.EventID)
	}

	p.audit.Success(ctx, audit.ActionJobProcessed, "job", msg.Job.JobID, event.CorrelationID,
		map[string]any{"outcome": res.Name, "redacted": res.Redacted})
	p.metrics.ObserveJob(res.Name, time.Since(started).Seconds())
	p.ack(ctx, msg)
}

func (p *Pool) ack(ctx context.Context, msg queue.Message) {
	if err := p.queue.Ack(ctx, msg); err != nil {
		p.logger.Error("failed to ack job", "job_id", msg.Job.JobID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, msg queue.Message, cause error) {
	if err := p.queue.Nack(ctx, msg, cause); err != nil {
		p.logger.Error("failed to nack job", "job_id", msg.Job.JobID, "error", err)
	}
}

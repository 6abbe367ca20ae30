package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/internal/idempotency"
	"github.com/bookline-ai/intake-platform/internal/observability/metrics"
	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/internal/queue"
	"github.com/bookline-ai/intake-platform/internal/tenancy"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	maxPayloadBytes = 1 << 20
)

// Receiver terminates platform webhooks: it verifies, parses and enqueues,
// leaving all processing to the workers so the platform gets its 200
// quickly.
type Receiver struct {
	platform    string
	secret      string
	verifyToken string
	maxAttempts int

	resolver tenancy.Resolver
	idem     idempotency.Store
	queue    queue.Queue
	audit    *audit.Service
	metrics  *metrics.PipelineMetrics
	logger   *logging.Logger
	tracer   trace.Tracer
}

// ReceiverOption customizes receiver behavior.
type ReceiverOption func(*Receiver)

// WithMaxAttempts sets the retry budget stamped on enqueued jobs.
func WithMaxAttempts(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithMetrics wires pipeline metrics.
func WithMetrics(m *metrics.PipelineMetrics) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// NewReceiver creates the webhook receiver for one platform.
func NewReceiver(platform, secret, verifyToken string, resolver tenancy.Resolver, idem idempotency.Store, q queue.Queue, auditSvc *audit.Service, logger *logging.Logger, opts ...ReceiverOption) *Receiver {
	if platform == "" {
		panic("webhook: platform cannot be empty")
	}
	if resolver == nil {
		panic("webhook: resolver cannot be nil")
	}
	if idem == nil {
		panic("webhook: idempotency store cannot be nil")
	}
	if q == nil {
		panic("webhook: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Receiver{
		platform:    platform,
		secret:      secret,
		verifyToken: verifyToken,
		maxAttempts: 5,
		resolver:    resolver,
		idem:        idem,
		queue:       q,
		audit:       auditSvc,
		logger:      logger,
		tracer:      otel.Tracer("intake.internal.webhook"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Verify answers the platform's subscription handshake.
// GET /webhooks/{platform}
func (rc *Receiver) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == rc.verifyToken && rc.verifyToken != "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(w, "verification failed", http.StatusForbidden)
}

// Receive ingests one webhook delivery.
// POST /webhooks/{platform}
func (rc *Receiver) Receive(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()

	ctx, span := rc.tracer.Start(r.Context(), "webhook.receive",
		trace.WithAttributes(attribute.String("platform", rc.platform)))
	defer span.End()
	r = r.WithContext(ctx)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		rc.metrics.ObserveInbound(rc.platform, "read_error")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(rc.secret, payload, r.Header.Get(signatureHeader)) {
		rc.logger.Warn("webhook signature rejected", "platform", rc.platform, "correlation_id", correlationID)
		rc.metrics.ObserveInbound(rc.platform, "bad_signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	events, err := ParseEnvelope(rc.platform, payload, correlationID)
	if err != nil {
		// A malformed but authentic payload is acknowledged: the platform
		// redelivering the same bytes cannot make them parseable.
		rc.logger.Warn("webhook payload rejected", "platform", rc.platform, "error", err, "correlation_id", correlationID)
		rc.metrics.ObserveInbound(rc.platform, "malformed")
		rc.audit.Failure(r.Context(), audit.ActionEventDropped, "webhook", pipeline.PayloadRef(payload), correlationID, err.Error(), nil)
		rc.respond(w, http.StatusOK, map[string]any{"accepted": 0})
		return
	}

	accepted := 0
	var ingestErr error
	for _, event := range events {
		ok, err := rc.ingest(r, event)
		if err != nil {
			ingestErr = err
			continue
		}
		if ok {
			accepted++
		}
	}

	if ingestErr != nil {
		// At least one event is not durably queued, so the delivery must be
		// answered with a failure: the platform redelivers the whole batch
		// and the idempotency check absorbs the siblings that did land.
		span.RecordError(ingestErr)
		rc.audit.Failure(r.Context(), audit.ActionEventReceived, "webhook", pipeline.PayloadRef(payload), correlationID,
			ingestErr.Error(), map[string]any{"events": len(events), "accepted": accepted})
		http.Error(w, "temporarily unable to accept delivery", http.StatusServiceUnavailable)
		return
	}

	rc.audit.Success(r.Context(), audit.ActionEventReceived, "webhook", pipeline.PayloadRef(payload), correlationID,
		map[string]any{"events": len(events), "accepted": accepted})
	rc.respond(w, http.StatusOK, map[string]any{"accepted": accepted})
}

// ingest enqueues one event. Dropped events (unknown tenant, duplicates)
// return false with no error and are still acknowledged upstream; a returned
// error means the event is not durably queued and the delivery must fail.
func (rc *Receiver) ingest(r *http.Request, event pipeline.InboundEvent) (bool, error) {
	ctx := r.Context()

	account, err := rc.resolver.Resolve(ctx, event.Platform, event.PlatformAccountID)
	if err != nil {
		if errors.Is(err, tenancy.ErrAccountNotFound) {
			rc.logger.Warn("event for unknown platform account dropped",
				"platform", event.Platform,
				"platform_account_id", event.PlatformAccountID,
				"event_id", event.EventID,
				"correlation_id", event.CorrelationID,
			)
			rc.metrics.ObserveInbound(rc.platform, "unknown_account")
			rc.audit.Failure(ctx, audit.ActionTenantResolution, "platform_account", event.PlatformAccountID,
				event.CorrelationID, "account not registered", map[string]any{"event_id": event.EventID})
			return false, nil
		}
		rc.logger.Error("tenant resolution failed", "event_id", event.EventID, "error", err)
		rc.metrics.ObserveInbound(rc.platform, "resolver_error")
		return false, fmt.Errorf("webhook: resolve tenant for %s: %w", event.EventID, err)
	}

	done, err := rc.idem.AlreadyDone(ctx, event.Platform, event.EventID)
	if err != nil {
		rc.logger.Error("idempotency check failed at ingest", "event_id", event.EventID, "error", err)
		// Enqueue anyway; the worker-side check still suppresses duplicates.
	} else if done {
		rc.metrics.ObserveInbound(rc.platform, "duplicate")
		return false, nil
	}

	job := pipeline.Job{
		JobID:       uuid.NewString(),
		Event:       event,
		OwnerID:     account.OwnerID,
		MaxAttempts: rc.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := rc.queue.Enqueue(ctx, job); err != nil {
		rc.logger.Error("failed to enqueue job", "event_id", event.EventID, "error", err)
		rc.metrics.ObserveInbound(rc.platform, "enqueue_error")
		return false, fmt.Errorf("webhook: enqueue %s: %w", event.EventID, err)
	}

	rc.metrics.ObserveInbound(rc.platform, "accepted")
	rc.audit.Success(ctx, audit.ActionEventEnqueued, "event", event.EventID, event.CorrelationID,
		map[string]any{"owner_id": account.OwnerID, "job_id": job.JobID})
	return true, nil
}

func (rc *Receiver) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

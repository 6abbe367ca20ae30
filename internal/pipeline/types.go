// Package pipeline holds the shared domain types flowing through the intake
// pipeline: normalized inbound events, queued jobs and dead-letter entries.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// InboundEvent is one normalized unit of work extracted from a webhook
// payload. Immutable once created; never mutated after enqueue.
type InboundEvent struct {
	EventID           string    `json:"event_id"`
	Platform          string    `json:"platform"`
	PlatformAccountID string    `json:"platform_account_id"`
	SenderExternalID  string    `json:"sender_external_id"`
	Text              string    `json:"text"`
	ReceivedAt        time.Time `json:"received_at"`
	RawPayloadRef     string    `json:"raw_payload_ref"`
	CorrelationID     string    `json:"correlation_id"`
}

// ThreadKey identifies the conversation the event belongs to. Jobs sharing a
// thread key must be processed in enqueue order, never concurrently.
func (e InboundEvent) ThreadKey(ownerID string) string {
	return ThreadKey(ownerID, e.Platform, e.SenderExternalID)
}

// ThreadKey builds the (owner, platform, external thread) conversation key.
func ThreadKey(ownerID, platform, externalThreadID string) string {
	return fmt.Sprintf("%s/%s/%s", ownerID, platform, externalThreadID)
}

// PayloadRef derives the opaque reference stored in place of a raw webhook
// body. The raw bytes are never logged or persisted unencrypted.
func PayloadRef(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Job wraps an InboundEvent queued for asynchronous processing. Attempt and
// VisibleAfter are mutated only by the queue.
type Job struct {
	JobID        string       `json:"job_id"`
	Event        InboundEvent `json:"event"`
	OwnerID      string       `json:"owner_id"`
	Attempt      int          `json:"attempt"`
	MaxAttempts  int          `json:"max_attempts"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
	VisibleAfter time.Time    `json:"visible_after,omitempty"`
}

// ThreadKey returns the conversation key used for per-key ordering.
func (j Job) ThreadKey() string {
	return j.Event.ThreadKey(j.OwnerID)
}

// Outcome describes the handled result of one job: the name recorded against
// the event id and whether the inbound text was redacted before any external
// service saw it.
type Outcome struct {
	Name     string `json:"name"`
	Redacted bool   `json:"redacted"`
}

// DeadLetterEntry preserves a permanently failed job for manual review. The
// payload is encrypted at rest by the dead-letter store.
type DeadLetterEntry struct {
	EventID           string    `json:"event_id"`
	PlatformAccountID string    `json:"platform_account_id"`
	Payload           []byte    `json:"-"`
	LastError         string    `json:"last_error"`
	Attempts          int       `json:"attempts"`
	CorrelationID     string    `json:"correlation_id"`
	StoredAt          time.Time `json:"stored_at"`
}

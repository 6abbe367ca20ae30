// Package idempotency records event ids whose side effects already happened.
// The "mark done" write is the last write of a successful processing path so
// a crash before it causes a safe duplicate re-delivery, never a lost event.
package idempotency

import "context"

// Outcome summarizes what happened to an event, stored alongside the marker.
type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeBooked  Outcome = "booked"
	OutcomeDropped Outcome = "dropped"
)

// Store tracks which platform event ids have been fully processed.
type Store interface {
	// AlreadyDone reports whether the event id carries a done marker.
	AlreadyDone(ctx context.Context, platform, eventID string) (bool, error)
	// MarkDone records the done marker. Returns false when a marker
	// already existed (a concurrent duplicate won the race).
	MarkDone(ctx context.Context, platform, eventID string, outcome Outcome) (bool, error)
}

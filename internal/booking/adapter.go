// Package booking talks to the scheduling backend: it fetches open
// appointment slots and commits a visitor's selection.
package booking

import (
	"context"
	"errors"
	"time"
)

// ErrSlotConflict is returned when the selected slot was taken between the
// offer and the commit. The caller re-fetches availability and re-prompts.
var ErrSlotConflict = errors.New("booking: slot no longer available")

// Slot is one open appointment time.
type Slot struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Request describes the booking to commit.
type Request struct {
	OwnerID        string `json:"owner_id"`
	SlotID         string `json:"slot_id"`
	FullName       string `json:"full_name"`
	ContactNumber  string `json:"contact_number"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Confirmation is the committed booking.
type Confirmation struct {
	BookingID string    `json:"booking_id"`
	SlotID    string    `json:"slot_id"`
	Start     time.Time `json:"start"`
}

// Adapter is the scheduling backend contract. CommitBooking is idempotent
// on the request's IdempotencyKey: committing the same key twice returns
// the original confirmation.
type Adapter interface {
	FetchSlots(ctx context.Context, ownerID string, limit int) ([]Slot, error)
	CommitBooking(ctx context.Context, req Request) (Confirmation, error)
}

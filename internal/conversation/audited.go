package conversation

import (
	"context"

	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/internal/booking"
	"github.com/bookline-ai/intake-platform/internal/messenger"
)

type auditedSender struct {
	next  messenger.Sender
	audit *audit.Service
}

// NewAuditedSender wraps a sender so every reply attempt lands in the
// audit trail.
func NewAuditedSender(next messenger.Sender, svc *audit.Service) messenger.Sender {
	if next == nil {
		panic("conversation: sender cannot be nil")
	}
	return &auditedSender{next: next, audit: svc}
}

func (s *auditedSender) Send(ctx context.Context, reply messenger.Reply) error {
	if err := s.next.Send(ctx, reply); err != nil {
		s.audit.Failure(ctx, audit.ActionReplySent, "reply", reply.RecipientExternalID, reply.CorrelationID, err.Error(),
			map[string]any{"platform": reply.Platform})
		return err
	}
	s.audit.Success(ctx, audit.ActionReplySent, "reply", reply.RecipientExternalID, reply.CorrelationID,
		map[string]any{"platform": reply.Platform})
	return nil
}

type auditedBooking struct {
	next  booking.Adapter
	audit *audit.Service
}

// NewAuditedBooking wraps a booking adapter so committed and failed
// bookings land in the audit trail.
func NewAuditedBooking(next booking.Adapter, svc *audit.Service) booking.Adapter {
	if next == nil {
		panic("conversation: booking adapter cannot be nil")
	}
	return &auditedBooking{next: next, audit: svc}
}

func (b *auditedBooking) FetchSlots(ctx context.Context, ownerID string, limit int) ([]booking.Slot, error) {
	return b.next.FetchSlots(ctx, ownerID, limit)
}

func (b *auditedBooking) CommitBooking(ctx context.Context, req booking.Request) (booking.Confirmation, error) {
	conf, err := b.next.CommitBooking(ctx, req)
	if err != nil {
		b.audit.Failure(ctx, audit.ActionBookingPlaced, "booking", req.SlotID, "", err.Error(),
			map[string]any{"owner_id": req.OwnerID, "idempotency_key": req.IdempotencyKey})
		return conf, err
	}
	b.audit.Success(ctx, audit.ActionBookingPlaced, "booking", conf.BookingID, "",
		map[string]any{"owner_id": req.OwnerID, "slot_id": conf.SlotID, "idempotency_key": req.IdempotencyKey})
	return conf, nil
}

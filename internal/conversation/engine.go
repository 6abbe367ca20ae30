package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bookline-ai/intake-platform/internal/booking"
	"github.com/bookline-ai/intake-platform/internal/classifier"
	"github.com/bookline-ai/intake-platform/internal/messenger"
	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// Outcomes reported to the idempotency store after a job is handled.
const (
	OutcomeReplied = "replied"
	OutcomeBooked  = "booked"
	OutcomeDropped = "dropped"
)

const slotOfferLimit = 3

// StateStore is the durable conversation record contract.
type StateStore interface {
	Load(ctx context.Context, ownerID, platform, senderExternalID string) (State, error)
	Save(ctx context.Context, state State) error
}

// History is the rolling context window contract.
type History interface {
	Append(ctx context.Context, threadKey, text string) error
	Recent(ctx context.Context, threadKey string) ([]string, error)
	Clear(ctx context.Context, threadKey string) error
}

// Engine drives one conversation step per inbound event. State is persisted
// before any reply leaves the pipeline, so a crash between persist and send
// can only repeat a send, never lose progress.
type Engine struct {
	store      StateStore
	history    History
	classifier classifier.Adapter
	booking    booking.Adapter
	sender     messenger.Sender
	collector  *fieldCollector
	threshold  float64
	logger     *logging.Logger
}

// EngineOption customizes engine behavior.
type EngineOption func(*Engine)

// WithConfidenceThreshold sets the minimum classifier confidence accepted
// before acting on an intent.
func WithConfidenceThreshold(threshold float64) EngineOption {
	return func(e *Engine) {
		if threshold > 0 && threshold <= 1 {
			e.threshold = threshold
		}
	}
}

// WithDefaultRegion sets the region used to parse phone numbers without a
// country prefix.
func WithDefaultRegion(region string) EngineOption {
	return func(e *Engine) {
		e.collector = newFieldCollector(region)
	}
}

// NewEngine wires the conversation engine.
func NewEngine(store StateStore, history History, cls classifier.Adapter, book booking.Adapter, sender messenger.Sender, logger *logging.Logger, opts ...EngineOption) *Engine {
	if store == nil {
		panic("conversation: state store cannot be nil")
	}
	if cls == nil {
		panic("conversation: classifier cannot be nil")
	}
	if book == nil {
		panic("conversation: booking adapter cannot be nil")
	}
	if sender == nil {
		panic("conversation: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		store:      store,
		history:    history,
		classifier: cls,
		booking:    book,
		sender:     sender,
		collector:  newFieldCollector("US"),
		threshold:  0.6,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleEvent advances the conversation for one inbound event and returns
// the outcome to record against the event id. Transient errors are returned
// without persisting state, so a retried job replays the same step.
func (e *Engine) HandleEvent(ctx context.Context, job pipeline.Job) (pipeline.Outcome, error) {
	event := job.Event
	if strings.TrimSpace(event.Text) == "" {
		return pipeline.Outcome{}, pipeline.E(pipeline.CategoryValidation, "conversation.handle",
			fmt.Errorf("event %s has no text", event.EventID))
	}

	state, err := e.store.Load(ctx, job.OwnerID, event.Platform, event.SenderExternalID)
	if errors.Is(err, ErrNotFound) {
		state = NewState(job.OwnerID, event.Platform, event.SenderExternalID)
	} else if err != nil {
		return pipeline.Outcome{}, pipeline.E(pipeline.CategoryTransient, "conversation.handle", err)
	}

	// This event already advanced the conversation: the previous attempt
	// crashed between persisting and recording the done marker. Re-send the
	// persisted reply; re-running the step would read the message again,
	// this time against the advanced state.
	if event.EventID != "" && state.LastEventID == event.EventID {
		return e.replay(ctx, &state, event)
	}

	// A message after completion or abandonment starts a fresh conversation.
	if state.Step.Terminal() {
		state = NewState(job.OwnerID, event.Platform, event.SenderExternalID)
	}

	redacted, wasRedacted := e.redactInbound(&state, event.Text)
	state.LastEventID = event.EventID

	var reply string
	var outcome string
	switch state.Step {
	case StepIdle, StepClassifyingIntent, StepResponding:
		reply, outcome, err = e.handleClassify(ctx, &state, event.Text, redacted)
	case StepCollectingFields:
		reply, outcome, err = e.handleCollecting(ctx, &state, event.Text, redacted)
	case StepCheckingAvailability:
		reply, outcome, err = e.handleAvailability(ctx, &state)
	case StepAwaitingConfirmation:
		reply, outcome, err = e.handleConfirmation(ctx, &state, event.Text, redacted, event.EventID)
	default:
		return pipeline.Outcome{}, pipeline.E(pipeline.CategoryInternal, "conversation.handle",
			fmt.Errorf("unexpected step %q", state.Step))
	}
	if err != nil {
		return pipeline.Outcome{}, err
	}
	state.LastReply = reply

	if state.Step == StepAbandoned && state.Intent == classifier.IntentRevokeConsent {
		if err := e.finishRevocation(ctx, &state, event); err != nil {
			return pipeline.Outcome{}, err
		}
		return pipeline.Outcome{Name: outcome, Redacted: wasRedacted}, nil
	}

	if err := e.store.Save(ctx, state); err != nil {
		return pipeline.Outcome{}, pipeline.E(pipeline.CategoryTransient, "conversation.handle", err)
	}
	e.appendHistory(ctx, &state, redacted)

	if reply != "" {
		if err := e.send(ctx, event, reply); err != nil {
			return pipeline.Outcome{}, err
		}
	}
	return pipeline.Outcome{Name: outcome, Redacted: wasRedacted}, nil
}

// replay handles a redelivered event whose transition is already durable:
// re-send the persisted reply and re-report the recorded outcome, with no
// state change and no second booking or classification.
func (e *Engine) replay(ctx context.Context, state *State, event pipeline.InboundEvent) (pipeline.Outcome, error) {
	e.logger.Debug("re-sending persisted reply for redelivered event",
		"event_id", event.EventID,
		"step", string(state.Step),
	)
	if state.LastReply != "" {
		if err := e.send(ctx, event, state.LastReply); err != nil {
			return pipeline.Outcome{}, err
		}
	}
	return pipeline.Outcome{Name: outcomeForStep(state.Step)}, nil
}

func outcomeForStep(step Step) string {
	switch step {
	case StepCompleted:
		return OutcomeBooked
	case StepAbandoned:
		return OutcomeDropped
	default:
		return OutcomeReplied
	}
}

func (e *Engine) handleClassify(ctx context.Context, state *State, text, redacted string) (string, string, error) {
	result, err := e.classify(ctx, state, redacted)
	if err != nil {
		return "", "", err
	}

	if result.Confidence < e.threshold {
		state.Step = StepResponding
		return clarifyReply(), OutcomeReplied, nil
	}

	switch result.Intent {
	case classifier.IntentBookAppointment:
		state.Intent = result.Intent
		state.Step = StepCollectingFields
		// The opening message may already carry an answer, but the first
		// prompt always asks for the name explicitly.
		return promptForField(nextMissing(state)), OutcomeReplied, nil

	case classifier.IntentCheckAvailability:
		state.Intent = result.Intent
		return e.offerAvailability(ctx, state)

	case classifier.IntentCancel:
		state.Intent = result.Intent
		state.Step = StepAbandoned
		return cancelledReply(), OutcomeDropped, nil

	case classifier.IntentRevokeConsent:
		state.Intent = result.Intent
		state.Step = StepAbandoned
		return consentRevokedReply(), OutcomeDropped, nil

	default:
		state.Step = StepResponding
		return clarifyReply(), OutcomeReplied, nil
	}
}

func (e *Engine) handleCollecting(ctx context.Context, state *State, text, redacted string) (string, string, error) {
	expected := nextMissing(state)
	if expected == "" {
		return e.proceedAfterFields(ctx, state)
	}

	// A message mid-collection may be a change of direction rather than an
	// answer, so check the intent before reading it as a field value.
	result, err := e.classify(ctx, state, redacted)
	if err != nil {
		return "", "", err
	}
	if result.Confidence >= e.threshold {
		switch result.Intent {
		case classifier.IntentCancel:
			state.Intent = result.Intent
			state.Step = StepAbandoned
			return cancelledReply(), OutcomeDropped, nil
		case classifier.IntentRevokeConsent:
			state.Intent = result.Intent
			state.Step = StepAbandoned
			return consentRevokedReply(), OutcomeDropped, nil
		}
	}

	value, ferr := e.collector.extract(expected, text)
	if ferr != nil {
		return retryPromptForField(expected), OutcomeReplied, nil
	}
	state.SetField(expected, value)
	if next := nextMissing(state); next != "" {
		return promptForField(next), OutcomeReplied, nil
	}
	return e.proceedAfterFields(ctx, state)
}

// proceedAfterFields runs once all required fields are collected: commit a
// previously selected slot, or move on to availability.
func (e *Engine) proceedAfterFields(ctx context.Context, state *State) (string, string, error) {
	if state.SelectedSlotID != "" {
		return e.commitSelected(ctx, state, state.SelectedSlotID, state.LastEventID)
	}
	return e.offerAvailability(ctx, state)
}

func (e *Engine) handleAvailability(ctx context.Context, state *State) (string, string, error) {
	// Persisted mid-availability means a crash interrupted the fetch.
	// Re-fetch and offer again.
	return e.offerAvailability(ctx, state)
}

func (e *Engine) handleConfirmation(ctx context.Context, state *State, text, redacted, eventID string) (string, string, error) {
	if idx, ok := parseSelection(text, len(state.OfferedSlots)); ok {
		slot := state.OfferedSlots[idx]
		if missing := nextMissing(state); missing != "" {
			// Hold the selection while the intake fields are collected.
			state.SelectedSlotID = slot.ID
			state.Step = StepCollectingFields
			return promptForField(missing), OutcomeReplied, nil
		}
		return e.commitSelected(ctx, state, slot.ID, eventID)
	}

	result, err := e.classify(ctx, state, redacted)
	if err != nil {
		return "", "", err
	}
	if result.Confidence >= e.threshold {
		switch result.Intent {
		case classifier.IntentCancel:
			state.Intent = result.Intent
			state.Step = StepAbandoned
			return cancelledReply(), OutcomeDropped, nil
		case classifier.IntentRevokeConsent:
			state.Intent = result.Intent
			state.Step = StepAbandoned
			return consentRevokedReply(), OutcomeDropped, nil
		}
	}
	return selectionRetryReply(len(state.OfferedSlots)), OutcomeReplied, nil
}

func (e *Engine) offerAvailability(ctx context.Context, state *State) (string, string, error) {
	state.Step = StepCheckingAvailability
	slots, err := e.booking.FetchSlots(ctx, state.OwnerID, slotOfferLimit)
	if err != nil {
		return "", "", err
	}
	if len(slots) == 0 {
		state.Step = StepResponding
		state.OfferedSlots = nil
		return noSlotsReply(), OutcomeReplied, nil
	}

	state.OfferedSlots = state.OfferedSlots[:0]
	for _, s := range slots {
		state.OfferedSlots = append(state.OfferedSlots, Slot(s))
	}
	state.Step = StepAwaitingConfirmation
	return offerSlots(state.OfferedSlots), OutcomeReplied, nil
}

func (e *Engine) commitSelected(ctx context.Context, state *State, slotID, eventID string) (string, string, error) {
	conf, err := e.booking.CommitBooking(ctx, booking.Request{
		OwnerID:        state.OwnerID,
		SlotID:         slotID,
		FullName:       state.FieldValue(FieldFullName),
		ContactNumber:  state.FieldValue(FieldContactNumber),
		Reason:         state.FieldValue(FieldReason),
		IdempotencyKey: bookingIdempotencyKey(eventID),
	})
	if errors.Is(err, booking.ErrSlotConflict) {
		// Someone else took the slot. Offer fresh times and keep waiting.
		state.SelectedSlotID = ""
		slots, ferr := e.booking.FetchSlots(ctx, state.OwnerID, slotOfferLimit)
		if ferr != nil {
			return "", "", ferr
		}
		if len(slots) == 0 {
			state.Step = StepResponding
			state.OfferedSlots = nil
			return noSlotsReply(), OutcomeReplied, nil
		}
		state.OfferedSlots = state.OfferedSlots[:0]
		for _, s := range slots {
			state.OfferedSlots = append(state.OfferedSlots, Slot(s))
		}
		state.Step = StepAwaitingConfirmation
		return slotTakenReply(state.OfferedSlots), OutcomeReplied, nil
	}
	if err != nil {
		return "", "", err
	}

	var booked Slot
	for _, s := range state.OfferedSlots {
		if s.ID == conf.SlotID {
			booked = s
			break
		}
	}
	if booked.ID == "" {
		booked = Slot{ID: conf.SlotID, Start: conf.Start}
	}

	state.Step = StepCompleted
	state.SelectedSlotID = conf.SlotID
	state.OfferedSlots = nil
	e.logger.Info("booking confirmed",
		"owner_id", state.OwnerID,
		"booking_id", conf.BookingID,
		"slot_id", conf.SlotID,
	)
	return confirmBooking(booked), OutcomeBooked, nil
}

func (e *Engine) classify(ctx context.Context, state *State, redacted string) (classifier.Result, error) {
	var history []string
	if e.history != nil {
		recent, err := e.history.Recent(ctx, state.ThreadKey())
		if err != nil {
			e.logger.Warn("history window unavailable", "error", err)
		} else {
			history = recent
		}
	}
	return e.classifier.Classify(ctx, classifier.Request{
		Text:    redacted,
		History: history,
		Labels:  classifier.Labels,
	})
}

// redactInbound strips personal data from the inbound text before it is
// used as classifier input or history. The flag reports whether anything was
// substituted, for the audit trail.
func (e *Engine) redactInbound(state *State, text string) (string, bool) {
	redacted, hit := Redact(text)
	redacted, hitKnown := redactKnown(state, redacted)
	return redacted, hit || hitKnown
}

func (e *Engine) appendHistory(ctx context.Context, state *State, redacted string) {
	if e.history == nil {
		return
	}
	if err := e.history.Append(ctx, state.ThreadKey(), redacted); err != nil {
		e.logger.Warn("history append failed", "error", err)
	}
}

// finishRevocation strips everything held about the visitor, keeping only
// the abandoned marker so the thread stays terminal without retaining data.
// The stripped row is persisted before the acknowledgment is sent, for the
// same reason state is normally persisted first.
func (e *Engine) finishRevocation(ctx context.Context, state *State, event pipeline.InboundEvent) error {
	state.Fields = nil
	state.OfferedSlots = nil
	state.SelectedSlotID = ""
	if err := e.store.Save(ctx, *state); err != nil {
		return pipeline.E(pipeline.CategoryTransient, "conversation.revoke", err)
	}
	if e.history != nil {
		if err := e.history.Clear(ctx, state.ThreadKey()); err != nil {
			e.logger.Warn("history clear failed", "error", err)
		}
	}
	return e.send(ctx, event, state.LastReply)
}

func (e *Engine) send(ctx context.Context, event pipeline.InboundEvent, text string) error {
	return e.sender.Send(ctx, messenger.Reply{
		Platform:            event.Platform,
		PlatformAccountID:   event.PlatformAccountID,
		RecipientExternalID: event.SenderExternalID,
		Text:                text,
		CorrelationID:       event.CorrelationID,
	})
}

// parseSelection reads a 1-based slot choice out of the text.
func parseSelection(text string, count int) (int, bool) {
	if count == 0 {
		return 0, false
	}
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimRight(fields[0], ".)"))
	if err != nil || n < 1 || n > count {
		return 0, false
	}
	return n - 1, true
}

func bookingIdempotencyKey(eventID string) string {
	return "booking:" + eventID
}

// Package conversation holds the per-thread intake state machine: it
// classifies the visitor's intent, collects the fields a booking needs,
// offers appointment slots and confirms the selection.
package conversation

import "time"

// Step is the current position of a conversation in the intake flow.
type Step string

const (
	StepIdle                 Step = "idle"
	StepClassifyingIntent    Step = "classifying_intent"
	StepCollectingFields     Step = "collecting_fields"
	StepCheckingAvailability Step = "checking_availability"
	StepAwaitingConfirmation Step = "awaiting_confirmation"
	StepResponding           Step = "responding"
	StepCompleted            Step = "completed"
	StepAbandoned            Step = "abandoned"
)

// Terminal reports whether the conversation has ended. A new inbound
// message on a terminal conversation starts a fresh one.
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepAbandoned
}

// Field is one collected intake value. Fields keep their collection order.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Slot is an appointment slot offered to the visitor.
type Slot struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// State is the durable conversation record, keyed by owner, platform and
// the sender's thread.
type State struct {
	OwnerID          string    `json:"owner_id"`
	Platform         string    `json:"platform"`
	SenderExternalID string    `json:"sender_external_id"`
	Step             Step      `json:"step"`
	Intent           string    `json:"intent,omitempty"`
	Fields           []Field   `json:"fields,omitempty"`
	OfferedSlots     []Slot    `json:"offered_slots,omitempty"`
	SelectedSlotID   string    `json:"selected_slot_id,omitempty"`
	LastEventID      string    `json:"last_event_id,omitempty"`
	LastReply        string    `json:"last_reply,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewState starts a conversation at the idle step.
func NewState(ownerID, platform, senderExternalID string) State {
	return State{
		OwnerID:          ownerID,
		Platform:         platform,
		SenderExternalID: senderExternalID,
		Step:             StepIdle,
	}
}

// SetField records a collected value. Setting an already-collected field
// replaces its value in place so the collection order is preserved and
// a redelivered message cannot duplicate a field.
func (s *State) SetField(name, value string) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			s.Fields[i].Value = value
			return
		}
	}
	s.Fields = append(s.Fields, Field{Name: name, Value: value})
}

// FieldValue returns the collected value for name, or "".
func (s *State) FieldValue(name string) string {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// ThreadKey returns the queue ordering key for this conversation.
func (s *State) ThreadKey() string {
	return s.OwnerID + "/" + s.Platform + "/" + s.SenderExternalID
}

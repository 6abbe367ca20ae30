package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
)

// Envelope is the platform's webhook batch format: one POST may carry
// events for several business accounts, each with several messages.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the messaging events of one business account.
type Entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

// MessagingEvent is one inbound message.
type MessagingEvent struct {
	Sender    Party    `json:"sender"`
	Recipient Party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message,omitempty"`
}

// Party identifies a sender or recipient by the platform's scoped id.
type Party struct {
	ID string `json:"id"`
}

// Message is the message body with its platform-unique id.
type Message struct {
	MID  string `json:"mid"`
	Text string `json:"text"`
}

// ParseEnvelope decodes the payload and flattens it into inbound events.
// Events without a message body (delivery receipts, read markers) are
// skipped. An empty or undecodable payload is a validation error.
func ParseEnvelope(platform string, payload []byte, correlationID string) ([]pipeline.InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, pipeline.E(pipeline.CategoryValidation, "webhook.parse",
			fmt.Errorf("undecodable payload: %w", err))
	}
	if len(env.Entry) == 0 {
		return nil, pipeline.E(pipeline.CategoryValidation, "webhook.parse",
			fmt.Errorf("payload has no entries"))
	}

	ref := pipeline.PayloadRef(payload)
	var events []pipeline.InboundEvent
	for _, entry := range env.Entry {
		for _, me := range entry.Messaging {
			if me.Message == nil || me.Message.MID == "" {
				continue
			}
			received := time.UnixMilli(me.Timestamp).UTC()
			if me.Timestamp == 0 {
				received = time.Now().UTC()
			}
			events = append(events, pipeline.InboundEvent{
				EventID:           me.Message.MID,
				Platform:          platform,
				PlatformAccountID: entry.ID,
				SenderExternalID:  me.Sender.ID,
				Text:              me.Message.Text,
				ReceivedAt:        received,
				RawPayloadRef:     ref,
				CorrelationID:     correlationID,
			})
		}
	}
	return events, nil
}

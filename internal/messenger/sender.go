// Package messenger sends replies back to the visitor over the platform's
// messaging API.
package messenger

import "context"

// Reply is one outbound message.
type Reply struct {
	Platform            string `json:"platform"`
	PlatformAccountID   string `json:"platform_account_id"`
	RecipientExternalID string `json:"recipient_external_id"`
	Text                string `json:"text"`
	CorrelationID       string `json:"correlation_id,omitempty"`
}

// Sender delivers replies. Implementations return transient errors for
// timeouts and platform overload so the job can be retried.
type Sender interface {
	Send(ctx context.Context, reply Reply) error
}

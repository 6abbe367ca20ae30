// Package classifier labels visitor messages with an intake intent. Text
// sent to a classifier backend is already redacted by the caller.
package classifier

import "context"

// Intent labels the pipeline understands.
const (
	IntentBookAppointment   = "book_appointment"
	IntentCheckAvailability = "check_availability"
	IntentCancel            = "cancel"
	IntentRevokeConsent     = "revoke_consent"
	IntentGeneralQuestion   = "general_question"
	IntentUnknown           = "unknown"
)

// Labels is the closed set of intents a backend may return.
var Labels = []string{
	IntentBookAppointment,
	IntentCheckAvailability,
	IntentCancel,
	IntentRevokeConsent,
	IntentGeneralQuestion,
	IntentUnknown,
}

// Request carries the redacted message and recent context to classify.
type Request struct {
	Text    string   `json:"text"`
	History []string `json:"history,omitempty"`
	Labels  []string `json:"labels"`
}

// Result is the backend's labeled intent with its confidence in [0, 1].
type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Adapter classifies one message. Implementations return transient errors
// for timeouts and backend overload so the caller can retry the job.
type Adapter interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// KnownIntent reports whether the backend returned a label from the closed
// set. Anything else is treated as unknown.
func KnownIntent(intent string) bool {
	for _, l := range Labels {
		if l == intent {
			return true
		}
	}
	return false
}

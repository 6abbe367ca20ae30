package conversation

import (
	"regexp"
	"strings"
)

// Redaction placeholders substituted before text leaves the pipeline for
// the intent classifier.
const (
	placeholderName  = "[NAME]"
	placeholderPhone = "[PHONE]"
	placeholderEmail = "[EMAIL]"
	placeholderDOB   = "[DOB]"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	dobPattern   = regexp.MustCompile(`\b\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}\b`)
	// "my name is X Y" and "I'm X Y" style introductions.
	namePattern = regexp.MustCompile(`(?i)\b(my name is|i am|i'm|this is)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`)
)

// Redact substitutes personal data in text with placeholders. It returns
// the redacted text and whether anything was substituted.
func Redact(text string) (string, bool) {
	original := text

	text = emailPattern.ReplaceAllString(text, placeholderEmail)
	text = dobPattern.ReplaceAllString(text, placeholderDOB)
	text = phonePattern.ReplaceAllString(text, placeholderPhone)
	text = namePattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := namePattern.FindStringSubmatch(match)
		return sub[1] + " " + placeholderName
	})

	return text, text != original
}

// redactKnown removes the values already collected in state from text, so a
// visitor repeating their details never leaks them downstream.
func redactKnown(state *State, text string) (string, bool) {
	redacted := false
	for _, f := range state.Fields {
		if f.Value == "" {
			continue
		}
		placeholder := placeholderForField(f.Name)
		if strings.Contains(text, f.Value) {
			text = strings.ReplaceAll(text, f.Value, placeholder)
			redacted = true
		}
	}
	return text, redacted
}

func placeholderForField(name string) string {
	switch name {
	case FieldFullName:
		return placeholderName
	case FieldContactNumber:
		return placeholderPhone
	default:
		return "[REDACTED]"
	}
}

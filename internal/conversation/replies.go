package conversation

import (
	"fmt"
	"strings"
)

// Reply texts sent back to the visitor. Kept in one place so the tone is
// consistent across the flow.

func promptForField(name string) string {
	switch name {
	case FieldFullName:
		return "Happy to help you book an appointment. Could you share your full name?"
	case FieldContactNumber:
		return "Thanks! What's the best phone number to reach you?"
	case FieldReason:
		return "Got it. What's the reason for your visit?"
	default:
		return "Could you tell me a bit more?"
	}
}

func retryPromptForField(name string) string {
	switch name {
	case FieldFullName:
		return "Sorry, I didn't catch that. Could you share your first and last name?"
	case FieldContactNumber:
		return "That doesn't look like a valid phone number. Could you double-check it?"
	default:
		return "Sorry, I didn't catch that. Could you rephrase?"
	}
}

func offerSlots(slots []Slot) string {
	var b strings.Builder
	b.WriteString("Here are the next available times:\n")
	for i, slot := range slots {
		fmt.Fprintf(&b, "%d. %s\n", i+1, slot.Start.Format("Mon Jan 2, 3:04 PM"))
	}
	b.WriteString("Reply with the number that works for you.")
	return b.String()
}

func confirmBooking(slot Slot) string {
	return fmt.Sprintf("You're all set for %s. We'll send a reminder before your appointment.",
		slot.Start.Format("Monday, January 2 at 3:04 PM"))
}

func slotTakenReply(slots []Slot) string {
	return "Apologies, that time was just taken. " + offerSlots(slots)
}

func noSlotsReply() string {
	return "I'm sorry, there are no open times right now. We'll reach out as soon as something frees up."
}

func clarifyReply() string {
	return "Thanks for reaching out! Are you looking to book an appointment, check availability, or something else?"
}

func cancelledReply() string {
	return "No problem, I've cancelled that request. Message us any time."
}

func consentRevokedReply() string {
	return "Understood. We've removed your details from this conversation."
}

func selectionRetryReply(count int) string {
	return fmt.Sprintf("Please reply with a number between 1 and %d to pick a time.", count)
}

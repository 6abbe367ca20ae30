package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category classifies a processing failure and drives the retry decision.
type Category string

const (
	// CategoryValidation marks errors retrying cannot fix: malformed
	// payloads, unknown tenants, unparseable events. Never retried.
	CategoryValidation Category = "validation"
	// CategoryTransient marks timeouts, rate limits and network failures.
	// Retried with backoff up to the job's max attempts.
	CategoryTransient Category = "transient"
	// CategoryConflict marks a booking slot lost between listing and
	// commit. Surfaced as a conversational re-prompt, not a retry.
	CategoryConflict Category = "conflict"
	// CategoryInternal marks unexpected programming errors. Retried like
	// transient failures but logged at higher severity.
	CategoryInternal Category = "internal"
)

// Error carries a failure category through the pipeline so the worker can
// map it to an ack, a retry or a drop.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a category and the operation that produced it.
func E(category Category, op string, err error) error {
	return &Error{Category: category, Op: op, Err: err}
}

// CategoryOf extracts the failure category from err. Unclassified errors are
// treated as internal; context deadline and network errors as transient.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}
	return CategoryInternal
}

// Retryable reports whether the worker should Nack the job for another
// attempt. Validation and conflict failures are never requeued.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryTransient, CategoryInternal:
		return true
	default:
		return false
	}
}

package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. The typed errors below report Is() == true
// against the matching sentinel so callers never need errors.As unless they
// want the details.
var (
	ErrStaleState  = errors.New("stale state")
	ErrNotEligible = errors.New("not eligible")
	ErrValidation  = errors.New("validation failed")
	ErrTransport   = errors.New("participant unreachable")
	ErrNotFound    = errors.New("not found")
)

// StaleStateError means a compare-and-swap lost a race or targeted a booking
// that is no longer in the expected state. It is surfaced as "already handled".
type StaleStateError struct {
	BookingID string
	Expected  BookingStatus
	Actual    BookingStatus
	Target    BookingStatus
}

func (e *StaleStateError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("booking %s: illegal transition %s -> %s", e.BookingID, e.Actual, e.Target)
	}
	return fmt.Sprintf("booking %s: expected status %s, found %s", e.BookingID, e.Expected, e.Actual)
}

func (e *StaleStateError) Is(target error) bool { return target == ErrStaleState }

// NotEligibleError means the actor is not a member of the room or booking it
// acted on. Never retried.
type NotEligibleError struct {
	ActorID  string
	Resource string
	Reason   string
}

func (e *NotEligibleError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is not eligible for %s", e.ActorID, e.Resource)
	}
	return fmt.Sprintf("%s is not eligible for %s: %s", e.ActorID, e.Resource, e.Reason)
}

func (e *NotEligibleError) Is(target error) bool { return target == ErrNotEligible }

// ValidationError is a malformed payload rejected at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransportError means none of a participant's connections accepted the event.
type TransportError struct {
	ParticipantID string
	Err           error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("participant %s is offline", e.ParticipantID)
	}
	return fmt.Sprintf("deliver to %s: %v", e.ParticipantID, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

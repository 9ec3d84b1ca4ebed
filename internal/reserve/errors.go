package reserve

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrTransportUnavailable = errors.New("push channel unavailable")
	ErrRemoteRejected       = errors.New("remote rejected")
	ErrTimeout              = errors.New("request timeout")
)

// GenericFailureMessage is surfaced when a rejection carries no message of
// its own.
const GenericFailureMessage = "The operation could not be completed"

// TimeoutMessage is the fixed message for acknowledgement timeouts.
const TimeoutMessage = "Request timeout"

// ValidationError reports a missing or malformed field before any network or
// cache effect has happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("field %s is required", e.Field)
	}
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RejectionError carries the remote's failure message after a nack or a
// non-success fallback response. Mutations that see it roll back.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return GenericFailureMessage
	}
	return e.Message
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRemoteRejected
}

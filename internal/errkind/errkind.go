// Package errkind provides the Run-Session Core's error taxonomy: a small
// set of classifiable failure kinds that callers can match on with
// errors.As instead of matching on message text.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the purposes of client-visible error
// reporting and session-fault escalation.
type Kind string

const (
	Unauthenticated       Kind = "Unauthenticated"
	NotFound              Kind = "NotFound"
	AlreadyExists         Kind = "AlreadyExists"
	UnknownKind           Kind = "UnknownKind"
	CapabilityUnsupported Kind = "CapabilityUnsupported"
	SessionNotRunning     Kind = "SessionNotRunning"
	SessionTerminated     Kind = "SessionTerminated"
	InvalidInput          Kind = "InvalidInput"
	Persistence           Kind = "Persistence"
	AdapterFault          Kind = "AdapterFault"
	SubscriberSlow        Kind = "SubscriberSlow"
)

// Error pairs a Kind with a human-readable message and an optional
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether the first *Error in err's chain carries the given
// Kind; kinds of *Errors wrapped deeper inside it are not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Of extracts the Kind of err, returning ok=false if err is not (or does
// not wrap) an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

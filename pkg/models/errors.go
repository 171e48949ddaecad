package models

import "errors"

// ErrorKind classifies failures by cause, never by transport code.
// Handlers map kinds to HTTP statuses at the edge.
type ErrorKind string

const (
	KindBadRequest          ErrorKind = "BadRequest"
	KindMissingCredential   ErrorKind = "MissingCredential"
	KindUpstreamTimeout     ErrorKind = "UpstreamTimeout"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindToolError           ErrorKind = "ToolError"
	KindToolTimeout         ErrorKind = "ToolTimeout"
	KindForbidden           ErrorKind = "Forbidden"
	KindNotFound            ErrorKind = "NotFound"
	KindConstraintViolation ErrorKind = "ConstraintViolation"
	KindInternal            ErrorKind = "Internal"
)

// Error is a kinded error. Components wrap causes with %w internally and
// attach a kind at the boundary where the cause is understood.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error with a plain message.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a kinded error around a cause.
func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, walking the Unwrap chain.
// Unclassified errors are Internal.
func KindOf(err error) ErrorKind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

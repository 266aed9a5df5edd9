package entity

import (
	"errors"
	"fmt"
)

// ErrorKind classifies business-rule failures with the taxonomy exposed to
// API clients. Engines raise these before staging any write, so an aborted
// transaction leaves no partial effect.
type ErrorKind string

const (
	KindInvalidArgument    ErrorKind = "invalid-argument"
	KindNotFound           ErrorKind = "not-found"
	KindFailedPrecondition ErrorKind = "failed-precondition"
	KindAlreadyExists      ErrorKind = "already-exists"
	KindInternal           ErrorKind = "internal"
)

type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func InvalidArgument(msg string) *Error {
	return &Error{Kind: KindInvalidArgument, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func FailedPrecondition(msg string) *Error {
	return &Error{Kind: KindFailedPrecondition, Message: msg}
}

func AlreadyExists(msg string) *Error {
	return &Error{Kind: KindAlreadyExists, Message: msg}
}

func Internal(msg string) *Error {
	return &Error{Kind: KindInternal, Message: msg}
}

// KindOf extracts the taxonomy kind from any error; unclassified errors are
// reported as internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

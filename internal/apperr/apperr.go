// Package apperr is the error taxonomy shared by every core component.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindUnavailable  Kind = "unavailable"
	KindNotFound     Kind = "not_found"
	KindInvalid      Kind = "invalid"
	KindInternal     Kind = "internal"
)

// Preconditions reported to callers so they can decide between prompting a
// login, showing the anti-automation gate, or retrying.
const (
	PreLogin     = "login"
	PreGate      = "gate"
	PreRole      = "role"
	PreOwnership = "ownership"
	PreRowPolicy = "row-policy"
	PreConflict  = "conflict"
)

type Error struct {
	Kind         Kind
	Code         string
	Message      string
	Precondition string
	Err          error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, message, precondition string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Precondition: precondition}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Unauthorized(precondition, message string) *Error {
	return New(KindUnauthorized, "UNAUTHORIZED", message, precondition)
}

func Forbidden(message string) *Error {
	return New(KindForbidden, "FORBIDDEN", message, PreRole)
}

func NotFound(message string) *Error {
	return New(KindNotFound, "NOT_FOUND", message, "")
}

func Invalid(message string) *Error {
	return New(KindInvalid, "VALIDATION_ERROR", message, "")
}

func Conflict(message string, err error) *Error {
	e := Wrap(KindConflict, "CONFLICT", message, err)
	e.Precondition = PreConflict
	return e
}

func Unavailable(message string, err error) *Error {
	return Wrap(KindUnavailable, "UNAVAILABLE", message, err)
}

// KindOf returns KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a transparent retry may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindConflict:
		return true
	default:
		return false
	}
}

func PreconditionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Precondition
	}
	return ""
}

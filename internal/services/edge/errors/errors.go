// Package errors defines typed edge failures and their HTTP mapping.
package errors

import (
	stderrors "errors"
	"net/http"
)

// Kind classifies edge failures for consistent HTTP mapping.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindNetwork      Kind = "network"
	KindInstall      Kind = "install"
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindUnavailable  Kind = "unavailable"
)

// Error is a typed edge failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error renders the human-readable message.
func (e Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e Error) Unwrap() error {
	return e.Cause
}

// Is matches any Error of the same kind, so sentinels work with errors.Is.
func (e Error) Is(target error) bool {
	var t Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// ErrNetwork matches every network failure.
var ErrNetwork = Error{Kind: KindNetwork, Message: "network error"}

// ErrInstall matches every install failure.
var ErrInstall = Error{Kind: KindInstall, Message: "install failed"}

// E builds a typed Error.
func E(kind Kind, message string) error {
	return Error{Kind: kind, Message: message}
}

// Wrap builds a typed Error around cause.
func Wrap(kind Kind, message string, cause error) error {
	return Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var appErr Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsNetwork reports whether err is a network failure.
func IsNetwork(err error) bool {
	return stderrors.Is(err, ErrNetwork)
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var appErr Error
	if !stderrors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindNetwork, KindUnavailable, KindInstall:
		return http.StatusServiceUnavailable
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

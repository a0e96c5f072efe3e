// Package fluiderr defines the classified error vocabulary shared by all
// gateway components. Components return a *Error with a Kind and a human
// message; the HTTP layer owns the single translation to status codes.
package fluiderr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure. The set is closed: handlers switch on it
// to pick an HTTP status, so adding a kind means updating the API translator.
type Kind string

const (
	// KindNotFound: unknown server or model id.
	KindNotFound Kind = "not_found"
	// KindCapabilityMismatch: model lacks a required capability.
	KindCapabilityMismatch Kind = "capability_mismatch"
	// KindNotImplemented: feature unsupported for this provider.
	KindNotImplemented Kind = "not_implemented"
	// KindAuthError: missing or wrong bearer token, or provider-side 401.
	KindAuthError Kind = "auth_error"
	// KindRateLimited: local limiter exhausted or provider 429 after retries.
	KindRateLimited Kind = "rate_limited"
	// KindClientError: non-retryable 4xx from a provider.
	KindClientError Kind = "client_error"
	// KindServerError: provider 5xx after retries.
	KindServerError Kind = "server_error"
	// KindIOError: transport failure: broken pipe to a child or provider.
	KindIOError Kind = "io_error"
	// KindTimeout: deadline exceeded on a call, poll, or probe.
	KindTimeout Kind = "timeout"
	// KindInvalidState: lifecycle operation illegal in the current state.
	KindInvalidState Kind = "invalid_state"
)

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string

	// Status is the upstream HTTP status, when the failure originated from a
	// provider response. Zero otherwise. Used to echo non-retryable 4xx.
	Status int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// E constructs a classified error without a cause.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a classified error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithStatus attaches the upstream HTTP status to the error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// KindOf extracts the classification from an error chain.
// Unclassified errors default to server_error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindServerError
}

// StatusOf extracts the upstream HTTP status from an error chain, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

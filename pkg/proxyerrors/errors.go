// Package proxyerrors defines the domain error type the server loop
// translates into the client-facing {"error":{"type":...}} envelope.
package proxyerrors

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category, mirrored onto the client
// response's "error.type" field.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
	KindRateLimit          Kind = "rate_limit_error"
	KindServiceUnavailable Kind = "service_unavailable"
	KindCountTokensFailed  Kind = "count_tokens_failed"
	KindUpstream           Kind = "upstream_error"
)

var (
	// ErrNoCandidate indicates the balancer found no acquirable endpoint
	// for a requested slot.
	ErrNoCandidate = errors.New("no candidate endpoint available")

	// ErrMissingAPIKey indicates a request carried no usable credential.
	ErrMissingAPIKey = errors.New("missing api key")
)

// ProxyError is the error type every handler-facing failure in the server
// loop is wrapped in: a kind the caller can branch on, the HTTP status to
// send, a human-readable message, and an optional wrapped cause.
type ProxyError struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter int // seconds; 0 means absent
	Cause      error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Status, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// New builds a ProxyError with no wrapped cause.
func New(kind Kind, status int, message string) *ProxyError {
	return &ProxyError{Kind: kind, Status: status, Message: message}
}

// Wrap builds a ProxyError around an existing error.
func Wrap(kind Kind, status int, message string, cause error) *ProxyError {
	return &ProxyError{Kind: kind, Status: status, Message: message, Cause: cause}
}

// WithRetryAfter returns a copy of e with RetryAfter set, for the local
// model-cooldown 429 path.
func (e *ProxyError) WithRetryAfter(seconds int) *ProxyError {
	out := *e
	out.RetryAfter = seconds
	return &out
}

// As reports whether err is (or wraps) a *ProxyError, returning it.
func As(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Kind classifies why a single attempt did not produce a response.
type Kind string

const (
	KindNone Kind = ""

	// Admission denials, decided locally before any network call.
	KindRateLimited    Kind = "rate_limited"
	KindTokenLimited   Kind = "token_limited"
	KindBudgetExceeded Kind = "budget_exceeded"

	// Backend failures, translated by adapters.
	KindTimeout              Kind = "timeout"
	KindAuth                 Kind = "auth_error"
	KindRateLimitedByBackend Kind = "rate_limited_by_backend"
	KindInvalidRequest       Kind = "invalid_request"
	KindTransientServer      Kind = "transient_server_error"
	KindUnknown              Kind = "unknown"
)

// Retryable reports whether another provider may reasonably succeed where
// this one failed for a transient reason.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimitedByBackend, KindTransientServer, KindTimeout:
		return true
	}
	return false
}

// Disqualifying reports whether the failure indicates misconfiguration
// that will not fix itself for the life of the process.
func (k Kind) Disqualifying() bool {
	return k == KindAuth || k == KindInvalidRequest
}

// IsAdmission reports whether k is a local admission-control decision.
func (k Kind) IsAdmission() bool {
	return k == KindRateLimited || k == KindTokenLimited || k == KindBudgetExceeded
}

type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(provider string, kind Kind, statusCode int, message string, err error) *Error {
	return &Error{
		Provider:   provider,
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// KindOf extracts the taxonomy kind from any error returned by an adapter
// call. Errors that never went through an adapter's translation are
// classified by shape: deadline and net timeouts become KindTimeout,
// everything else KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// KindForStatus is the status-code fallback used when a backend error
// payload carries no recognizable type.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimitedByBackend
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransientServer
	case status >= 400:
		return KindInvalidRequest
	}
	return KindUnknown
}

// TransportError classifies a failure of the HTTP round trip itself.
func TransportError(provider string, err error) *Error {
	kind := KindOf(err)
	if errors.Is(err, context.Canceled) {
		kind = KindTimeout
	}
	if kind == KindUnknown {
		// Connection refused, reset, DNS: the backend is unreachable right now.
		kind = KindTransientServer
	}
	return NewError(provider, kind, 0, "request failed", err)
}

// TruncatedStream is the error for a stream body that ended before the
// backend's end-of-stream marker.
func TruncatedStream(provider string) *Error {
	return NewError(provider, KindTransientServer, 0, "stream ended before completion", io.ErrUnexpectedEOF)
}

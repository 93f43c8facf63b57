// Package fault defines the structured error taxonomy surfaced by the
// public API. Internal helpers wrap errors freely; every error crossing a
// component boundary is mapped onto one of these kinds so callers can act
// on the kind without string matching.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindUnknownProvider    Kind = "unknown_provider"
	KindNoEligibleProvider Kind = "no_eligible_provider"
	KindShortCircuited     Kind = "short_circuited"
	KindTimeout            Kind = "timeout"
	KindTransport          Kind = "transport_error"
	KindUpstream5xx        Kind = "upstream_5xx"
	KindUpstream4xx        Kind = "upstream_4xx"
	KindInvalidRequest     Kind = "invalid_request"
	KindCancelled          Kind = "cancelled"
	KindFusionEmpty        Kind = "fusion_empty"
	KindInternal           Kind = "internal"
)

// Error carries a kind plus a human-readable message. It wraps the
// underlying cause when one exists.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. The original error remains
// reachable via errors.Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the kind from an error chain. Errors that never passed
// through the taxonomy report KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the response status used by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindUpstream4xx:
		return http.StatusBadRequest
	case KindUnknownProvider:
		return http.StatusNotFound
	case KindNoEligibleProvider, KindFusionEmpty:
		return http.StatusConflict
	case KindShortCircuited:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// Client went away; 499 in the nginx tradition.
		return 499
	case KindTransport, KindUpstream5xx:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Outcome is the terminal disposition of a single upstream call.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeError          Outcome = "error"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeShortCircuited Outcome = "short_circuited"
)

// OutcomeForKind maps an error kind onto the call outcome recorded by the
// health tracker and reported to callers.
func OutcomeForKind(kind Kind) Outcome {
	switch kind {
	case KindTimeout:
		return OutcomeTimeout
	case KindCancelled:
		return OutcomeCancelled
	case KindShortCircuited:
		return OutcomeShortCircuited
	default:
		return OutcomeError
	}
}

// CountsAsCircuitFailure reports whether the kind should trip a circuit
// breaker. Input faults and caller cancellation are not dependency faults.
func CountsAsCircuitFailure(kind Kind) bool {
	switch kind {
	case KindTimeout, KindTransport, KindUpstream5xx:
		return true
	default:
		return false
	}
}

// Retryable reports whether the dispatcher may retry the call on another
// endpoint of the same provider.
func Retryable(kind Kind) bool {
	return kind == KindTimeout || kind == KindTransport || kind == KindUpstream5xx
}

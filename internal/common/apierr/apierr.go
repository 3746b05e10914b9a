// Package apierr defines the error taxonomy surfaced by HTTP and WebSocket
// edges. Internal packages wrap causes with %w as usual; edges classify them
// into a Kind for clients.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for API consumers.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindRateLimited      Kind = "rate_limited"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindMaliciousInput   Kind = "malicious_input"
	KindSubprocessFailed Kind = "subprocess_failed"
	KindTimeout          Kind = "timeout"
	KindStalled          Kind = "stalled"
	KindMergeConflict    Kind = "merge_conflict"
	KindUnknown          Kind = "unknown"
)

// E is an error with a client-facing kind. RetryAfterMillis is only set for
// rate_limited errors.
type E struct {
	Kind             Kind
	Message          string
	RetryAfterMillis int64
	cause            error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *E) Unwrap() error { return e.cause }

// New creates an E with the given kind and message.
func New(kind Kind, message string) *E {
	return &E{Kind: kind, Message: message}
}

// Newf creates an E with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *E {
	return &E{Kind: kind, Message: message, cause: cause}
}

// RateLimited creates a rate_limited error with a retry hint.
func RateLimited(message string, retryAfterMillis int64) *E {
	return &E{Kind: KindRateLimited, Message: message, RetryAfterMillis: retryAfterMillis}
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfter extracts the retry hint from an error chain, or 0.
func RetryAfter(err error) int64 {
	var e *E
	if errors.As(err, &e) {
		return e.RetryAfterMillis
	}
	return 0
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindMaliciousInput:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindSubprocessFailed, KindStalled, KindMergeConflict, KindUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Package scheduler implements the Key Scheduler: an in-memory policy layer
// over the Key Store that dispenses keys, classifies failures, computes
// backoff, drives reactivation and health checks, and publishes wakeups to
// its background loops.
package scheduler

import "fmt"

// FailureKind is the error taxonomy every mark_fail call is classified into.
// All kinds are surfaced verbatim in logs and request_logs.error_type.
type FailureKind string

const (
	AuthError                 FailureKind = "auth_error"
	RateLimitError             FailureKind = "rate_limit_error"
	OtherHTTPError             FailureKind = "other_http_error"
	RequestError               FailureKind = "request_error"
	StreamingCompletionError   FailureKind = "streaming_completion_error"
	HealthCheckError           FailureKind = "health_check_error"
	UseTimeoutError            FailureKind = "use_timeout_error"
	UnexpectedError            FailureKind = "unexpected_error"
)

// alwaysCoolsDown reports whether a kind cools down unconditionally,
// independent of the failure-count threshold (§4.B's classification table).
func (k FailureKind) alwaysCoolsDown() bool {
	switch k {
	case AuthError, RateLimitError, StreamingCompletionError, HealthCheckError, UseTimeoutError, UnexpectedError:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps an upstream failure with its taxonomy kind and,
// where applicable, the HTTP status that produced it.
type ClassifiedError struct {
	Kind       FailureKind
	StatusCode int // 0 if not HTTP-status-derived
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// ClassifyHTTPStatus maps an upstream HTTP status code to a FailureKind,
// per §4.B's exact classification table.
func ClassifyHTTPStatus(status int) FailureKind {
	switch status {
	case 401, 403:
		return AuthError
	case 429:
		return RateLimitError
	default:
		return OtherHTTPError
	}
}

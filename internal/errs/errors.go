// Package errs defines the error taxonomy shared by every component and
// the credential sanitization applied at emission boundaries.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind categorizes a failure for retry policy and reporting. Kinds are
// contracts, not implementation types.
type Kind string

const (
	KindNetwork    Kind = "network"    // connection, DNS, socket
	KindTimeout    Kind = "timeout"    // upstream did not respond in budget
	KindRateLimit  Kind = "rate_limit" // upstream or internal limiter saturated
	KindCancelled  Kind = "cancelled"  // caller abandoned the work
	KindAuth       Kind = "auth"       // credentials rejected
	KindPermission Kind = "permission" // credentials valid, action forbidden
	KindNotFound   Kind = "not_found"  // resource absent
	KindValidation Kind = "validation" // input/output failed schema or invariant
	KindParsing    Kind = "parsing"    // upstream payload malformed
	KindExtraction Kind = "extraction" // LLM output unparseable and fallback failed
	KindInternal   Kind = "internal"   // bug; report, do not retry
)

// Retryable reports whether work failing with this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	}
	return false
}

// Error carries a failure with its kind and the logical resource it hit.
// Messages are sanitized on construction so an Error can be logged or
// dead-lettered as is.
type Error struct {
	Kind       Kind
	Resource   string // logical resource, e.g. "assessor_api", "llm"
	StatusCode int
	Msg        string
	RetryAfter time.Duration // upstream backoff hint, rate_limit only
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %v", e.Resource, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s %s", e.Resource, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Resource, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Resource, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a sanitized taxonomy error.
func E(kind Kind, resource, msg string) *Error {
	return &Error{Kind: kind, Resource: resource, Msg: Sanitize(msg)}
}

// Ef builds a sanitized taxonomy error with a formatted message.
func Ef(kind Kind, resource, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Resource: resource, Msg: Sanitize(fmt.Sprintf(format, args...))}
}

// Wrap attaches kind and resource to an underlying error. The message is
// sanitized; the wrapped error remains reachable via errors.Is/As.
func Wrap(kind Kind, resource, msg string, err error) *Error {
	return &Error{Kind: kind, Resource: resource, Msg: Sanitize(msg), Err: err}
}

// KindOf extracts the kind from an error chain. Errors outside the
// taxonomy are classified by Classify.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// IsRetryable reports whether the error's kind permits a retry.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfterHint returns an upstream-provided backoff hint when present.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Classify maps errors from the standard library and net stack onto the
// taxonomy. Unknown errors are internal: surfaced, never retried.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindInternal
}

// StatusKind maps an HTTP status code onto the taxonomy. 2xx codes map to
// the empty kind.
func StatusKind(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == 401:
		return KindAuth
	case code == 403:
		return KindPermission
	case code == 404 || code == 410:
		return KindNotFound
	case code == 408:
		return KindTimeout
	case code == 429:
		return KindRateLimit
	case code >= 500:
		return KindNetwork
	case code == 400 || code == 422:
		return KindValidation
	default:
		return KindValidation
	}
}

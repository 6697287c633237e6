// Package errs provides structured error types and helpers shared across the outbox stack.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeDurability indicates that a persisted write could not be verified.
	CodeDurability Code = "durability"
	// CodeIdentity indicates that a mutation's target record could not be resolved.
	CodeIdentity Code = "identity"
	// CodeNotImplemented indicates a reserved operation that has no implementation.
	CodeNotImplemented Code = "not_implemented"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeRemote indicates a remote-side failure without a more specific category.
	CodeRemote Code = "remote_error"
)

// E captures structured error information produced across the outbox stack.
type E struct {
	Scope   string
	Code    Code
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		HTTP:    0,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HTTPStatus extracts the HTTP status carried by an error envelope.
// It returns 0 when the error chain carries no status.
func HTTPStatus(err error) int {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.HTTP
	}
	return 0
}

// CodeOf extracts the error code carried by an error envelope, or an empty code.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// Retryable reports whether retrying the failed operation verbatim can succeed.
//
// Client errors (HTTP 4xx) are considered permanent with two exceptions:
// 408 request-timeout and 429 rate-limited, both of which clear up on their
// own. Everything else, including plain transport failures carrying no
// status, is treated as transient. Not-implemented errors never clear up
// and are always permanent.
func Retryable(err error) bool {
	if CodeOf(err) == CodeNotImplemented {
		return false
	}
	status := HTTPStatus(err)
	if status < 400 || status >= 500 {
		return true
	}
	return status == 408 || status == 429
}

// NotImplemented returns a standardized error for reserved operations.
func NotImplemented(scope, msg string) *E {
	return New(scope, CodeNotImplemented, WithMessage(strings.TrimSpace(msg)))
}

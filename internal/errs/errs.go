// Package errs defines the closed error taxonomy shared by every dispatch
// component so callers can branch on error kind with errors.As instead of
// string matching.
package errs

import "fmt"

// Kind classifies a dispatch failure into one of the categories from the
// error handling design.
type Kind string

const (
	// KindInvalidKind indicates an unsupported log_kind.
	KindInvalidKind Kind = "invalid_kind"
	// KindInvalidMode indicates an unsupported mode.
	KindInvalidMode Kind = "invalid_mode"
	// KindFileTooLarge indicates the request content exceeds the configured
	// maximum size.
	KindFileTooLarge Kind = "file_too_large"
	// KindNoProvider indicates no provider could be resolved.
	KindNoProvider Kind = "no_provider"
	// KindBudgetExceeded indicates a pre-flight cost check failed.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindRateLimited indicates the rate limiter denied the request after
	// the wait budget was exhausted.
	KindRateLimited Kind = "rate_limited"
	// KindQueueFull indicates the task queue's pending count is already at
	// capacity; callers must retry or fail, the queue never blocks submission.
	KindQueueFull Kind = "queue_full"
	// KindProviderTransient indicates a retryable upstream failure.
	KindProviderTransient Kind = "provider_transient"
	// KindProviderFatal indicates a non-retryable upstream failure.
	KindProviderFatal Kind = "provider_fatal"
	// KindTimeout indicates the dispatch wall-clock deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindCancelled indicates cooperative cancellation fired.
	KindCancelled Kind = "cancelled"
	// KindCacheError indicates a cache-tier failure; never fatal to a
	// dispatch, always treated as a cache miss.
	KindCacheError Kind = "cache_error"
	// KindStorageError indicates an audit-store failure.
	KindStorageError Kind = "storage_error"
	// KindConfigError indicates a startup configuration problem.
	KindConfigError Kind = "config_error"
)

// Retryable reports whether this kind may legitimately be retried by the
// dispatch engine itself (as opposed to caller-level resubmission).
func (k Kind) Retryable() bool {
	return k == KindProviderTransient
}

// Error is the structured error type threaded across component boundaries.
type Error struct {
	Kind      Kind
	Provider  string
	Op        string
	RetryAfterSeconds float64
	Message   string
	Cause     error
}

// New constructs an Error. kind is required.
func New(kind Kind, op, message string, cause error) *Error {
	if kind == "" {
		panic("errs: kind is required")
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// WithProvider sets the originating provider identifier and returns e for
// chaining.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryAfter sets a caller-facing retry hint (seconds) and returns e.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	e.RetryAfterSeconds = seconds
	return e
}

func (e *Error) Error() string {
	op := e.Op
	if op == "" {
		op = "dispatch"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (%s): %s", op, e.Kind, e.Provider, msg)
	}
	return fmt.Sprintf("%s: %s: %s", op, e.Kind, msg)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, errs.New(errs.KindCancelled, "", "", nil)) matches any
// error of that Kind regardless of its other fields; Kind comparisons via
// errors.As work as well.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

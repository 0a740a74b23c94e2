// Package reliability implements the cross-cutting failure-handling
// primitives every provider adapter and the session runtime sit behind:
// the normalized error taxonomy, retry policy, per-endpoint circuit
// breaker, timeout watchdogs, and resource caps.
package reliability

import "fmt"

// Kind classifies an Error into one of the taxonomy's nine buckets so a
// caller can decide how to react without inspecting a provider-specific
// payload.
type Kind string

const (
	// KindConfig marks invalid or missing parameters; fatal to the session.
	KindConfig Kind = "config"
	// KindAuth marks rejected credentials; fatal to that provider,
	// recoverable to the session only via a provider swap.
	KindAuth Kind = "auth"
	// KindTransport marks a connect/read/write failure or protocol
	// violation; retryable subject to the retry policy.
	KindTransport Kind = "transport"
	// KindTimeout marks a deadline exceeded; retryable.
	KindTimeout Kind = "timeout"
	// KindRateLimit marks provider-signalled throttling; retryable after
	// the carried RetryAfter hint.
	KindRateLimit Kind = "rate_limit"
	// KindResourceLimit marks a local cap exceeded; never retried.
	KindResourceLimit Kind = "resource_limit"
	// KindCircuitOpen marks a call short-circuited by the breaker;
	// retryable only after its cooldown elapses.
	KindCircuitOpen Kind = "circuit_open"
	// KindProviderError marks an explicit provider error payload;
	// retryable iff the provider flagged it retryable.
	KindProviderError Kind = "provider_error"
	// KindInternal marks a bug in this runtime; surfaced as a
	// 5xx-equivalent to the caller.
	KindInternal Kind = "internal"
)

// Error is the single error type every component in this module returns
// for provider/session failures. It carries enough structure for a caller
// to branch on Kind, unwrap to the underlying cause, and decide whether a
// retry makes sense.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	StatusCode int
	// RetryAfter is set for KindRateLimit when the provider supplied a
	// hint for how long to wait before retrying.
	RetryAfter float64 // seconds, 0 if absent
	// ProviderRetryable is only meaningful for KindProviderError: it
	// mirrors whatever retryable flag the provider's error payload carried.
	ProviderRetryable bool
	Cause             error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Provider, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, reliability.New(KindTimeout, ...)) to match by
// Kind alone, independent of message/cause, matching the teacher pack's
// code-matching ProviderError.Is convention.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether a caller's retry policy should consider
// retrying this error at all, independent of attempt-count/backoff state.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindRateLimit, KindCircuitOpen:
		return true
	case KindProviderError:
		return e.ProviderRetryable
	default:
		return false
	}
}

// New constructs an Error of the given kind.
func New(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// Sentinels for errors.Is matching against a bare Kind, mirroring the
// pack's ErrTimeout/ErrRateLimit-style sentinel set.
var (
	ErrConfig        = &Error{Kind: KindConfig}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrRateLimit     = &Error{Kind: KindRateLimit}
	ErrResourceLimit = &Error{Kind: KindResourceLimit}
	ErrCircuitOpen   = &Error{Kind: KindCircuitOpen}
	ErrProviderError = &Error{Kind: KindProviderError}
	ErrInternal      = &Error{Kind: KindInternal}
)

// Package errkind classifies the error kinds used across the sync engine,
// from innermost (HTTP transport) to outermost (sync abort).
package errkind

import "errors"

// Sentinel errors tested with errors.Is. Concrete call sites wrap these
// with fmt.Errorf("...: %w", Kind) to retain context.
var (
	// ErrTransientHTTP covers 502/503/504 and connect/read timeouts; retried
	// up to the caller's retry budget before surfacing.
	ErrTransientHTTP = errors.New("transient http error")

	// ErrAuthExpired is a 401 where a refresh token is configured.
	ErrAuthExpired = errors.New("access token expired")

	// ErrClientError is a non-retryable 4xx other than 408/429.
	ErrClientError = errors.New("client error")

	// ErrUpstreamLogicalFailure is a 200 response whose body reports
	// result:false.
	ErrUpstreamLogicalFailure = errors.New("upstream reported failure")

	// ErrParseError is a non-JSON or unexpected-shape response body.
	ErrParseError = errors.New("failed to parse response")

	// ErrInsufficientData means more than 10 of 96 tariff buckets are
	// missing after the rolling-window fallback; the caller must not
	// publish.
	ErrInsufficientData = errors.New("insufficient price data to build tariff")

	// ErrConfigMissing means a user's credentials or site are absent.
	ErrConfigMissing = errors.New("site or credentials not configured")

	// ErrPolicyConflict means a spike-eligible user also has sync enabled.
	ErrPolicyConflict = errors.New("spike monitoring requires sync disabled")
)

// Retryable reports whether err (or one it wraps) belongs to a class that
// the caller's retry policy should retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientHTTP)
}

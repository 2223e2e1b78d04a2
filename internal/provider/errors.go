package provider

import "errors"

// Classified provider errors. Adapters wrap raw vendor errors with exactly
// one of these sentinels; the engine picks retry and escalation policy with
// errors.Is instead of matching on message strings.
var (
	// ErrCredentialInvalid: fatal for the account. Deactivate, alert,
	// require re-auth. Never retried automatically.
	ErrCredentialInvalid = errors.New("provider: credentials rejected")

	// ErrCursorExpired: recoverable. Discard the cursor and fall back to a
	// bounded window fetch.
	ErrCursorExpired = errors.New("provider: cursor expired")

	// ErrRateLimited: retry with backoff and jitter, bounded attempts.
	ErrRateLimited = errors.New("provider: rate limited")

	// ErrUnavailable: transient provider outage. Retry within the sweep
	// deadline, otherwise defer to the next sweep.
	ErrUnavailable = errors.New("provider: unavailable")

	// ErrSubscriptionRejected: fatal for one renewal attempt. Escalates the
	// renewal failure counter, never loops.
	ErrSubscriptionRejected = errors.New("provider: subscription rejected")

	// ErrNotFound: the provider has no item with that id.
	ErrNotFound = errors.New("provider: not found")
)

// Retryable reports whether the error class is worth retrying inside the
// same pass.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

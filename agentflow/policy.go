package agentflow

import (
	"math/rand"
	"time"
)

// RetryPolicy configures the automatic retry wrapper every agent
// invocation runs under. Non-transient errors never reach this policy —
// the caller's classification (TransientError vs PermanentError) decides
// whether a retry is attempted at all.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of invocation attempts, including
	// the first. Must be >= 1; the default is 3.
	MaxAttempts int

	// BaseDelay is the base exponential-backoff delay. Default 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default 30s.
	MaxDelay time.Duration

	// JitterFraction bounds the +/- jitter applied to each delay as a
	// fraction of the computed exponential delay. Default 0.2 (+/-20%).
	JitterFraction float64
}

// DefaultRetryPolicy matches the retry/budget enforcer's stated default:
// 3 attempts, base delay 1s, multiplier 2 (implicit in computeBackoff),
// jitter +/-20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before the given retry attempt.
//
//	delay = min(base * 2^attempt, maxDelay) * (1 + jitterFraction)
//
// where jitterFraction is drawn uniformly from [-JitterFraction,
// +JitterFraction]. rng is seeded per-session (from the session id) so
// that replaying a deterministic agent stub reproduces identical retry
// timings — the randomness affects only wall-clock pacing, never control
// flow, so this does not threaten the resume-idempotence property.
func computeBackoff(attempt int, policy RetryPolicy, rng *rand.Rand) time.Duration {
	exponential := policy.BaseDelay * (1 << attempt)
	if policy.MaxDelay > 0 && exponential > policy.MaxDelay {
		exponential = policy.MaxDelay
	}

	jitterFraction := policy.JitterFraction
	if jitterFraction == 0 {
		jitterFraction = 0.2
	}

	var r float64
	if rng != nil {
		r = rng.Float64()
	} else {
		r = rand.Float64() //nolint:gosec // jitter timing, not security-sensitive
	}
	// map [0,1) to [-jitterFraction, +jitterFraction]
	signedFraction := (r*2 - 1) * jitterFraction

	return time.Duration(float64(exponential) * (1 + signedFraction))
}

// isRetryable reports whether err should be retried under the retry
// enforcer: only TransientError (and StageError wrapping one) qualifies.
func isRetryable(err error) bool {
	var transient *TransientError
	if asTransient(err, &transient) {
		return true
	}
	return false
}

func asTransient(err error, target **TransientError) bool {
	for err != nil {
		if t, ok := err.(*TransientError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for an
// inconsistent configuration.
var ErrInvalidRetryPolicy = &stringError{"invalid retry policy"}

type stringError struct{ s string }

func (e *stringError) Error() string { return e.s }

// invokeWithRetry wraps a single agent invocation with the retry policy
// and returns the first successful result or the last error; it never
// sleeps past ctx's cancellation. onRetry, if
// non-nil, fires once per attempt after the first (so callers can surface
// a retries_total metric) before the delay.
func invokeWithRetry(ctxDone <-chan struct{}, policy RetryPolicy, rng *rand.Rand, onRetry func(attempt int), attemptFn func(attempt int) (InvokeResult, error)) (InvokeResult, error) {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err := attemptFn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == policy.MaxAttempts-1 {
			return InvokeResult{}, lastErr
		}
		if onRetry != nil {
			onRetry(attempt)
		}
		delay := computeBackoff(attempt, policy, rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctxDone:
			timer.Stop()
			return InvokeResult{}, lastErr
		case <-timer.C:
		}
	}
	return InvokeResult{}, lastErr
}

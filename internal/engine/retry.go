package engine

import (
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// decideRetry reports whether a failed attempt should be retried, and after
// what delay. attempt is the attempt number that just failed (starting at 1).
//
// The delay before attempt n is InitialBackoff * BackoffMultiplier^(n-2),
// capped at MaxBackoff when set. A nil policy means no retries; a zero or
// negative multiplier defaults to 2.
func decideRetry(attempt int, policy *api.RetryPolicy) (bool, time.Duration) {
	if policy == nil || policy.MaxAttempts <= 1 {
		return false, 0
	}
	if attempt >= policy.MaxAttempts {
		return false, 0
	}

	backoff := policy.InitialBackoff
	if backoff <= 0 {
		return true, 0
	}

	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	// attempt 1 failing uses InitialBackoff as-is; each further failure
	// multiplies once more.
	delay := backoff
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if policy.MaxBackoff > 0 && delay >= policy.MaxBackoff {
			delay = policy.MaxBackoff
			break
		}
	}
	if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
		delay = policy.MaxBackoff
	}
	return true, delay
}

package stepflow

import "time"

// RetryBuilder assembles the RetryPolicy for one step. Retries re-run the
// step's agent invocation on the same execution record; the backoff is
// applied by scheduling the retry job into the future, not by sleeping a
// worker.
//
//	stepflow.Retry(5).WithExponentialBackoff(time.Second, 2.0, time.Minute).Policy()
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing up to maxAttempts invocations in total,
// the first call included. Values below 1 collapse to a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff delays the n-th retry by
// initial * multiplier^(n-1), capped at max. A multiplier at or below zero
// falls back to doubling; max <= 0 leaves the growth uncapped. Suits flaky
// agent backends where hammering a saturated model makes things worse.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits the same delay before every retry, i.e. an
// exponential backoff that never grows.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate schedules every retry with no delay at all. The attempt budget
// still applies; only the waiting disappears.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialBackoff = 0
	p.MaxBackoff = 0
	p.BackoffMultiplier = 0
	return RetryBuilder{policy: p}
}

// Policy finalizes the builder for StepBuilder.Retry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

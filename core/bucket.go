package core

import (
	"math"
	"time"
)

// NewState returns a full bucket stamped at now
func NewState(config Config, now time.Time) BucketState {
	return BucketState{
		Tokens:       config.Capacity,
		LastRefillAt: now,
	}
}

// Refill credits the tokens accrued between state.LastRefillAt and now.
// Overflow beyond capacity is discarded. An instant earlier than the last
// refill credits nothing and keeps the later timestamp, so a clock that steps
// backwards can never mint tokens twice for the same interval.
func Refill(config Config, state BucketState, now time.Time) BucketState {
	elapsed := now.Sub(state.LastRefillAt)
	if elapsed <= 0 {
		state.Tokens = clamp(state.Tokens, config.Capacity)
		return state
	}

	tokens := state.Tokens + elapsed.Seconds()*config.RefillPerSec
	return BucketState{
		Tokens:       clamp(tokens, config.Capacity),
		LastRefillAt: now,
	}
}

// Take refills the bucket and then deducts amount if enough tokens are
// available. It returns the new state and the check result; the caller is
// responsible for storing the state atomically with the read that produced
// the input.
func Take(config Config, state BucketState, now time.Time, amount float64) (BucketState, CheckResult) {
	state = Refill(config, state, now)

	if amount >= 0 && state.Tokens >= amount {
		state.Tokens -= amount
		return state, CheckResult{
			Allowed:   true,
			Remaining: state.Tokens,
			Limit:     config.Capacity,
		}
	}

	return state, CheckResult{
		Allowed:    false,
		Remaining:  state.Tokens,
		RetryAfter: RetryAfter(config, state.Tokens, amount),
		Limit:      config.Capacity,
	}
}

// MaxRetryAfter is reported when the deficit takes longer to refill than a
// time.Duration can hold.
const MaxRetryAfter = time.Duration(math.MaxInt64)

// RetryAfter returns how long a bucket holding tokens needs to accrue amount.
// It returns 0 when amount is already available and never rounds a positive
// deficit down to 0, so a sleep of the returned length always makes progress.
func RetryAfter(config Config, tokens, amount float64) time.Duration {
	if tokens >= amount {
		return 0
	}

	needed := amount - tokens
	seconds := needed / config.RefillPerSec
	ns := math.Ceil(seconds * float64(time.Second))
	if ns >= float64(MaxRetryAfter) || math.IsNaN(ns) {
		return MaxRetryAfter
	}
	d := time.Duration(ns)
	if d < 1 {
		d = 1
	}
	return d
}

// WaitDuration is RetryAfter capped at maxWait. A non-positive maxWait
// disables the cap.
func WaitDuration(config Config, tokens, amount float64, maxWait time.Duration) time.Duration {
	d := RetryAfter(config, tokens, amount)
	if maxWait > 0 && d > maxWait {
		return maxWait
	}
	return d
}

func clamp(tokens, capacity float64) float64 {
	if tokens > capacity {
		return capacity
	}
	if tokens < 0 {
		return 0
	}
	return tokens
}

package core

import "time"

// Config defines the bucket policy
type Config struct {
	Capacity     float64 // Maximum tokens (burst size)
	RefillPerSec float64 // Tokens added per second
}

// BucketState is the mutable part of a token bucket
type BucketState struct {
	Tokens       float64   // Current tokens available, always within [0, Capacity]
	LastRefillAt time.Time // Monotonic instant of the last refill
}

// CheckResult describes the outcome of a Take
type CheckResult struct {
	Allowed    bool          // Whether the requested tokens were deducted
	Remaining  float64       // Tokens left after this call
	RetryAfter time.Duration // Time until the request could succeed (0 if allowed)
	Limit      float64       // Total capacity
}

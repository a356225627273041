package tokenbucket

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNegativeCapacity is returned when bucket capacity is zero or negative
	ErrNegativeCapacity = errors.New("bucket capacity must be positive")

	// ErrNegativeRefillRate is returned when refill rate is zero or negative
	ErrNegativeRefillRate = errors.New("refill rate must be positive")

	// ErrNegativeAmount is returned when a wait asks for a negative number of tokens
	ErrNegativeAmount = errors.New("token amount cannot be negative")

	// ErrExceedsCapacity is returned when a wait asks for more tokens than the
	// bucket can ever hold
	ErrExceedsCapacity = errors.New("token amount exceeds bucket capacity")

	// ErrInvalidKey is returned when the rate limit key is empty
	ErrInvalidKey = errors.New("rate limit key cannot be empty")

	// ErrStoreFailed is returned when store operations fail
	ErrStoreFailed = errors.New("store operation failed")

	// ErrKeyExtractionFailed is returned when key extraction from request fails
	ErrKeyExtractionFailed = errors.New("failed to extract key from request")
)

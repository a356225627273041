// Package tokenbucket re-exports the main types of pkg/tokenbucket so callers
// can import the module root.
package tokenbucket

import (
	"github.com/yourusername/tokenbucket/pkg/tokenbucket"
)

// Re-export main types for convenience
type (
	Bucket       = tokenbucket.Bucket
	BucketOption = tokenbucket.BucketOption
	Config       = tokenbucket.Config
	Option       = tokenbucket.Option
	RateLimiter  = tokenbucket.RateLimiter
	KeyExtractor = tokenbucket.KeyExtractor
)

var (
	// New creates a bucket that starts full.
	New = tokenbucket.New
	// NewRateLimiter creates a keyed limiter with HTTP middleware.
	NewRateLimiter = tokenbucket.NewRateLimiter

	ErrExceedsCapacity = tokenbucket.ErrExceedsCapacity
	ErrNegativeAmount  = tokenbucket.ErrNegativeAmount
)

package tokenbucket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/yourusername/tokenbucket/clock"
	"github.com/yourusername/tokenbucket/core"
)

// RateLimiter applies per-client token buckets.
type RateLimiter interface {
	// Allow consumes one token from key's default-policy bucket.
	Allow(key string) (*Decision, error)

	// AllowN consumes n tokens from key's default-policy bucket.
	AllowN(key string, n int64) (*Decision, error)

	// Wait blocks until n tokens are consumed from key's default-policy
	// bucket or ctx is done.
	Wait(ctx context.Context, key string, n int64) error

	// AllowRequest extracts the client key and route from r and consumes one
	// token under the route's policy.
	AllowRequest(r *http.Request) (*Decision, error)

	// Middleware returns an HTTP middleware that applies rate limiting.
	Middleware(next http.Handler) http.Handler

	// StartBackgroundCleanup starts a goroutine that periodically cleans up
	// idle buckets. Returns a function to stop it.
	StartBackgroundCleanup() func()
}

// Decision contains the result of a rate limit check.
type Decision struct {
	// Allowed indicates whether the request should proceed
	Allowed bool

	// Remaining is the number of whole tokens left in the bucket
	Remaining int64

	// Limit is the total capacity of the bucket (max burst)
	Limit int64

	// RetryAfter is how long until the request could succeed; 0 if allowed
	RetryAfter time.Duration

	// Key is the rate limit key that was used
	Key string

	// Route is the route path that was checked
	Route string
}

type rateLimiter struct {
	store           Store
	config          *Config
	keyExtractor    KeyExtractor
	routeExtractor  RouteExtractorFunc
	cleanupAge      *time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	clock           clock.Clock
	bucketOpts      []BucketOption
}

// NewRateLimiter creates a new RateLimiter with the given options.
//
//	limiter, err := NewRateLimiter(
//	    WithDefaults(10, 5.0),
//	    WithKeyExtractor(ExtractIPWithProxy()),
//	)
func NewRateLimiter(opts ...Option) (RateLimiter, error) {
	rl := &rateLimiter{
		config:          NewConfig(),
		routeExtractor:  func(path string) string { return path },
		cleanupInterval: 10 * time.Minute,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:           clock.System{},
	}

	for _, opt := range opts {
		if err := opt(rl); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if rl.keyExtractor == nil {
		extractor, err := ParseKeyExtractorConfig(rl.config.KeyExtractor)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key extractor config: %w", err)
		}
		rl.keyExtractor = extractor
	}

	if rl.store == nil {
		store, err := rl.defaultStore()
		if err != nil {
			return nil, fmt.Errorf("failed to create default store: %w", err)
		}
		rl.store = store
	}

	return rl, nil
}

func (rl *rateLimiter) defaultStore() (*InMemoryStore, error) {
	age, err := rl.config.CleanupDuration()
	if err != nil {
		return nil, err
	}
	if rl.cleanupAge != nil {
		age = *rl.cleanupAge
	}
	poll, err := rl.config.PollDuration()
	if err != nil {
		return nil, err
	}

	opts := []BucketOption{WithPollInterval(poll), WithBucketLogger(rl.logger)}
	opts = append(opts, rl.bucketOpts...)

	return NewInMemoryStore(InMemoryStoreConfig{
		CleanupAge:    age,
		Clock:         rl.clock,
		BucketOptions: opts,
	})
}

// Allow consumes one token for key under the default policy.
func (rl *rateLimiter) Allow(key string) (*Decision, error) {
	return rl.AllowN(key, 1)
}

// AllowN consumes n tokens for key under the default policy.
func (rl *rateLimiter) AllowN(key string, n int64) (*Decision, error) {
	return rl.check(key, key, rl.config.Defaults, n)
}

// Wait blocks until n tokens are consumed for key under the default policy.
func (rl *rateLimiter) Wait(ctx context.Context, key string, n int64) error {
	if key == "" {
		return ErrInvalidKey
	}
	bucket, err := rl.store.GetBucket(key, rl.config.Defaults.ToBucketConfig())
	if err != nil {
		return fmt.Errorf("failed to get bucket: %w", err)
	}
	return bucket.Wait(ctx, n)
}

func (rl *rateLimiter) check(key, bucketKey string, policy PolicyConfig, n int64) (*Decision, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	bucket, err := rl.store.GetBucket(bucketKey, policy.ToBucketConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	return newDecision(key, bucket.Capacity(), bucket.Take(n)), nil
}

func newDecision(key string, limit int64, result core.CheckResult) *Decision {
	return &Decision{
		Allowed:    result.Allowed,
		Remaining:  int64(math.Floor(result.Remaining)),
		Limit:      limit,
		RetryAfter: result.RetryAfter,
		Key:        key,
	}
}

// AllowRequest checks an HTTP request against its route's policy. Routes
// with their own policy get buckets separate from the default ones.
func (rl *rateLimiter) AllowRequest(r *http.Request) (*Decision, error) {
	key, err := rl.keyExtractor(r)
	if err != nil {
		return nil, fmt.Errorf("key extraction failed: %w", err)
	}

	route := rl.routeExtractor(r.URL.Path)
	policy, override := rl.config.GetPolicy(route)

	if !policy.Enabled {
		return &Decision{
			Allowed:   true,
			Remaining: policy.Capacity,
			Limit:     policy.Capacity,
			Key:       key,
			Route:     route,
		}, nil
	}

	bucketKey := key
	if override {
		bucketKey = route + "|" + key
	}

	decision, err := rl.check(key, bucketKey, policy, 1)
	if err != nil {
		return nil, err
	}
	decision.Route = route
	return decision, nil
}

// StartBackgroundCleanup starts periodic cleanup when the store supports it.
func (rl *rateLimiter) StartBackgroundCleanup() func() {
	inMem, ok := rl.store.(*InMemoryStore)
	if !ok {
		return func() {}
	}
	return inMem.StartBackgroundCleanup(rl.cleanupInterval, func(removed int, err error) {
		if err != nil {
			rl.logger.Warn("bucket cleanup failed", "error", err)
			return
		}
		if removed > 0 {
			rl.logger.Info("removed idle buckets", "count", removed)
		}
	})
}

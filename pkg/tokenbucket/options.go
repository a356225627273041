package tokenbucket

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/yourusername/tokenbucket/clock"
)

// BucketOption configures a single Bucket.
type BucketOption func(*Bucket) error

// WithClock replaces the system clock. Tests use clock.Fake to drive refill
// without sleeping.
func WithClock(c clock.Clock) BucketOption {
	return func(b *Bucket) error {
		if c == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		b.clock = c
		return nil
	}
}

// WithPollInterval caps a single sleep inside Wait. It bounds the worst-case
// wake-up latency of a waiter after tokens become available.
func WithPollInterval(d time.Duration) BucketOption {
	return func(b *Bucket) error {
		if d <= 0 {
			return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
		}
		b.pollInterval = d
		return nil
	}
}

// WithBucketLogger sets the logger for a bucket. Rate-limited outcomes are
// logged at debug level only.
func WithBucketLogger(logger *slog.Logger) BucketOption {
	return func(b *Bucket) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		b.logger = logger
		return nil
	}
}

// WithObserver reports every decision and wait to o.
func WithObserver(o Observer) BucketOption {
	return func(b *Bucket) error {
		if o == nil {
			return fmt.Errorf("%w: observer cannot be nil", ErrInvalidConfig)
		}
		b.observer = o
		return nil
	}
}

// WithName labels the bucket in logs and observer calls.
func WithName(name string) BucketOption {
	return func(b *Bucket) error {
		b.name = name
		return nil
	}
}

// Option is a functional option for configuring a RateLimiter.
type Option func(*rateLimiter) error

// WithStore sets a custom store for the rate limiter.
// If not provided, an in-memory store is created from the config.
func WithStore(store Store) Option {
	return func(rl *rateLimiter) error {
		if store == nil {
			return fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
		}
		rl.store = store
		return nil
	}
}

// WithConfig sets the configuration for the rate limiter.
func WithConfig(config *Config) Option {
	return func(rl *rateLimiter) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		rl.config = config
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(rl *rateLimiter) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		rl.config = config
		return nil
	}
}

// WithKeyExtractor sets a custom key extractor function.
func WithKeyExtractor(extractor KeyExtractor) Option {
	return func(rl *rateLimiter) error {
		if extractor == nil {
			return fmt.Errorf("%w: key extractor cannot be nil", ErrInvalidConfig)
		}
		rl.keyExtractor = extractor
		return nil
	}
}

// WithDefaults replaces the config with a single default policy.
func WithDefaults(capacity int64, refillRate float64) Option {
	return func(rl *rateLimiter) error {
		config := NewConfig()
		config.Defaults = PolicyConfig{
			Capacity:   capacity,
			RefillRate: refillRate,
			Enabled:    true,
		}
		if err := config.Defaults.Validate(); err != nil {
			return err
		}
		rl.config = config
		return nil
	}
}

// WithCleanupAge overrides the config's cleanup_age. 0 disables cleanup.
func WithCleanupAge(age time.Duration) Option {
	return func(rl *rateLimiter) error {
		if age < 0 {
			return fmt.Errorf("%w: cleanup age cannot be negative", ErrInvalidConfig)
		}
		rl.cleanupAge = &age
		return nil
	}
}

// WithCleanupInterval sets how often the cleanup goroutine runs.
// Default: 10 minutes
func WithCleanupInterval(interval time.Duration) Option {
	return func(rl *rateLimiter) error {
		if interval < 0 {
			return fmt.Errorf("%w: cleanup interval cannot be negative", ErrInvalidConfig)
		}
		rl.cleanupInterval = interval
		return nil
	}
}

// RouteExtractorFunc maps a request path to the route used for policy lookup.
type RouteExtractorFunc func(path string) string

// WithRouteExtractor sets a function to extract the route from a request.
// By default, r.URL.Path is used.
func WithRouteExtractor(fn RouteExtractorFunc) Option {
	return func(rl *rateLimiter) error {
		if fn == nil {
			return fmt.Errorf("%w: route extractor cannot be nil", ErrInvalidConfig)
		}
		rl.routeExtractor = fn
		return nil
	}
}

// WithLogger sets the limiter logger; buckets created by the default store
// inherit it.
func WithLogger(logger *slog.Logger) Option {
	return func(rl *rateLimiter) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		rl.logger = logger
		return nil
	}
}

// WithBucketOptions appends options applied to every bucket the default
// store creates.
func WithBucketOptions(opts ...BucketOption) Option {
	return func(rl *rateLimiter) error {
		rl.bucketOpts = append(rl.bucketOpts, opts...)
		return nil
	}
}

// WithLimiterClock sets the clock used by the default store and its buckets.
func WithLimiterClock(c clock.Clock) Option {
	return func(rl *rateLimiter) error {
		if c == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		rl.clock = c
		return nil
	}
}

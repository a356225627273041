package tokenbucket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/yourusername/tokenbucket/clock"
	"github.com/yourusername/tokenbucket/core"
)

// DefaultPollInterval bounds a single sleep inside Wait. A waiter re-checks
// the bucket at least this often, so tokens drained by another caller during
// the sleep are noticed promptly instead of causing an overshoot.
const DefaultPollInterval = 100 * time.Millisecond

// Observer receives bucket outcomes. Implementations must be safe for
// concurrent use; calls are made outside the bucket lock.
type Observer interface {
	// RecordDecision is called once per TryConsume/Take.
	RecordDecision(name string, allowed bool)

	// RecordWait is called once per Wait with the time spent blocked and the
	// terminal error (nil on success).
	RecordWait(name string, waited time.Duration, err error)
}

// Bucket is a thread-safe token bucket with lazy refill.
//
// Every public operation runs refill, check and deduct as one critical
// section under mu, so two callers can never both spend the same tokens.
type Bucket struct {
	name         string
	capacity     int64
	config       core.Config
	clock        clock.Clock
	pollInterval time.Duration
	logger       *slog.Logger
	observer     Observer

	mu    sync.Mutex       // Protects state
	state core.BucketState // Tokens and last refill instant
}

// New creates a bucket that holds at most capacity tokens and refills at
// refillRate tokens per second. The bucket starts full.
//
// Example: New(10, 5.0) allows a burst of 10 and then 5 requests/second.
func New(capacity int64, refillRate float64, opts ...BucketOption) (*Bucket, error) {
	if capacity <= 0 {
		return nil, ErrNegativeCapacity
	}
	if refillRate <= 0 || math.IsNaN(refillRate) || math.IsInf(refillRate, 0) {
		return nil, ErrNegativeRefillRate
	}

	b := &Bucket{
		capacity: capacity,
		config: core.Config{
			Capacity:     float64(capacity),
			RefillPerSec: refillRate,
		},
		clock:        clock.System{},
		pollInterval: DefaultPollInterval,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	b.state = core.NewState(b.config, b.clock.Now())
	return b, nil
}

// TryConsume attempts to deduct amount tokens without blocking.
// Running out of tokens is an expected outcome reported as false.
func (b *Bucket) TryConsume(amount int64) bool {
	return b.Take(amount).Allowed
}

// Take is TryConsume that also reports the remaining tokens and, on failure,
// how long until amount would be available. All fields come from the same
// critical section.
func (b *Bucket) Take(amount int64) core.CheckResult {
	b.mu.Lock()
	state, result := core.Take(b.config, b.state, b.clock.Now(), float64(amount))
	b.state = state
	b.mu.Unlock()

	if !result.Allowed {
		b.logger.Debug("rate limited",
			"bucket", b.name,
			"requested", amount,
			"remaining", result.Remaining,
			"retry_after", result.RetryAfter)
	}
	if b.observer != nil {
		b.observer.RecordDecision(b.name, result.Allowed)
	}
	return result
}

// Peek reports what Take(amount) would return now without deducting or
// notifying the observer.
func (b *Bucket) Peek(amount int64) core.CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	tokens := b.state.Tokens
	return core.CheckResult{
		Allowed:    amount >= 0 && tokens >= float64(amount),
		Remaining:  tokens,
		RetryAfter: core.RetryAfter(b.config, tokens, float64(amount)),
		Limit:      b.config.Capacity,
	}
}

// ConsumeWithWait blocks until amount tokens have been deducted.
// It is Wait without cancellation.
func (b *Bucket) ConsumeWithWait(amount int64) error {
	return b.Wait(context.Background(), amount)
}

// Wait blocks until amount tokens have been deducted or ctx is done.
//
// Requests for more than the capacity can never be satisfied and fail fast
// with ErrExceedsCapacity. The lock is released while sleeping, and no single
// sleep is longer than the poll interval. Waiters are not queued: whichever
// waiter re-checks first after enough tokens accrue wins.
func (b *Bucket) Wait(ctx context.Context, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeAmount, amount)
	}
	if amount > b.capacity {
		return fmt.Errorf("%w: requested %d, capacity %d", ErrExceedsCapacity, amount, b.capacity)
	}

	start := b.clock.Now()
	err := b.waitLoop(ctx, amount)
	if b.observer != nil {
		b.observer.RecordWait(b.name, b.clock.Now().Sub(start), err)
	}
	return err
}

func (b *Bucket) waitLoop(ctx context.Context, amount int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, ok := b.takeOrWait(amount)
		if ok {
			return nil
		}

		b.logger.Debug("waiting for tokens", "bucket", b.name, "requested", amount, "sleep", wait)
		if err := b.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// takeOrWait deducts amount if available, otherwise returns the next sleep.
func (b *Bucket) takeOrWait(amount int64) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, result := core.Take(b.config, b.state, b.clock.Now(), float64(amount))
	b.state = state
	if result.Allowed {
		return 0, true
	}
	return core.WaitDuration(b.config, state.Tokens, float64(amount), b.pollInterval), false
}

// refillLocked brings b.state up to date. Caller must hold b.mu.
func (b *Bucket) refillLocked() {
	b.state = core.Refill(b.config, b.state, b.clock.Now())
}

// Tokens returns the current, possibly fractional, token count.
// This is a snapshot and may change immediately due to concurrent access.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.state.Tokens
}

// Remaining returns the number of whole tokens currently available.
func (b *Bucket) Remaining() int64 {
	return int64(math.Floor(b.Tokens()))
}

// RetryAfter returns how long until amount tokens will be available.
// Returns 0 if they are available now.
func (b *Bucket) RetryAfter(amount int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return core.RetryAfter(b.config, b.state.Tokens, float64(amount))
}

// Reset refills the bucket to capacity.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = core.NewState(b.config, b.clock.Now())
}

// Capacity returns the maximum capacity of the bucket.
func (b *Bucket) Capacity() int64 {
	return b.capacity
}

// RefillRate returns the refill rate (tokens per second).
func (b *Bucket) RefillRate() float64 {
	return b.config.RefillPerSec
}

// PollInterval returns the longest single sleep Wait will take.
func (b *Bucket) PollInterval() time.Duration {
	return b.pollInterval
}

// Name returns the label the bucket reports to its observer.
func (b *Bucket) Name() string {
	return b.name
}

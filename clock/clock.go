// Package clock abstracts the monotonic time source used by token buckets so
// refill arithmetic can be driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current instant and a cancellable sleep.
//
// Instants returned by Now are only ever compared with each other, never with
// calendar time, so implementations must be monotonic.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the real clock. time.Now carries a monotonic reading, and
// time.Time.Sub prefers it, so wall-clock adjustments never affect elapsed
// time between two System instants.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is a manually driven clock. Sleep returns immediately after advancing
// the clock by the requested duration, so blocking loops run to completion
// without real waiting.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d. Negative values move it backwards,
// which is useful for exercising non-monotonic edge cases.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleep records d and advances the clock by it. A done ctx wins over the
// sleep and leaves the clock untouched.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}

// Sleeps returns a copy of every duration passed to Sleep, in call order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Elapsed returns how far the clock has moved from since.
func (f *Fake) Elapsed(since time.Time) time.Duration {
	return f.Now().Sub(since)
}

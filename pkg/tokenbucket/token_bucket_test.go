package tokenbucket

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/tokenbucket/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newFakeBucket(t *testing.T, capacity int64, rate float64, opts ...BucketOption) (*Bucket, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	bucket, err := New(capacity, rate, append([]BucketOption{WithClock(clk)}, opts...)...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return bucket, clk
}

func drain(t *testing.T, b *Bucket) {
	t.Helper()
	if !b.TryConsume(b.Capacity()) {
		t.Fatalf("draining a full bucket of %d failed", b.Capacity())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		capacity    int64
		refillRate  float64
		expectedErr error
	}{
		{name: "valid bucket", capacity: 100, refillRate: 10.0},
		{name: "fractional rate", capacity: 1, refillRate: 0.01},
		{name: "zero capacity", capacity: 0, refillRate: 10.0, expectedErr: ErrNegativeCapacity},
		{name: "negative capacity", capacity: -10, refillRate: 10.0, expectedErr: ErrNegativeCapacity},
		{name: "zero refill rate", capacity: 100, refillRate: 0, expectedErr: ErrNegativeRefillRate},
		{name: "negative refill rate", capacity: 100, refillRate: -5.0, expectedErr: ErrNegativeRefillRate},
		{name: "NaN refill rate", capacity: 100, refillRate: math.NaN(), expectedErr: ErrNegativeRefillRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, err := New(tt.capacity, tt.refillRate)
			if tt.expectedErr != nil {
				if !errors.Is(err, tt.expectedErr) {
					t.Errorf("New() error = %v, want %v", err, tt.expectedErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
			if bucket.Capacity() != tt.capacity {
				t.Errorf("Capacity() = %d, want %d", bucket.Capacity(), tt.capacity)
			}
			if bucket.RefillRate() != tt.refillRate {
				t.Errorf("RefillRate() = %f, want %f", bucket.RefillRate(), tt.refillRate)
			}
			if bucket.PollInterval() != DefaultPollInterval {
				t.Errorf("PollInterval() = %v, want %v", bucket.PollInterval(), DefaultPollInterval)
			}
			// Bucket should start full
			if bucket.Remaining() != tt.capacity {
				t.Errorf("Remaining() = %d, want %d (full)", bucket.Remaining(), tt.capacity)
			}
		})
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  BucketOption
	}{
		{"nil clock", WithClock(nil)},
		{"zero poll interval", WithPollInterval(0)},
		{"nil logger", WithBucketLogger(nil)},
		{"nil observer", WithObserver(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(10, 1, tt.opt); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

// capacity=10, rate=5/s, full: TryConsume(10) succeeds, TryConsume(1) fails.
func TestBucket_DrainThenImmediateRetry(t *testing.T) {
	bucket, _ := newFakeBucket(t, 10, 5)

	if !bucket.TryConsume(10) {
		t.Fatal("TryConsume(10) on a full bucket should succeed")
	}
	if tokens := bucket.Tokens(); tokens != 0 {
		t.Errorf("Tokens() = %v, want 0", tokens)
	}
	if bucket.TryConsume(1) {
		t.Error("TryConsume(1) with no elapsed time should fail")
	}
}

// capacity=10, rate=5/s, empty, one second later TryConsume(5) succeeds.
func TestBucket_RefillAfterOneSecond(t *testing.T) {
	bucket, clk := newFakeBucket(t, 10, 5)
	drain(t, bucket)

	clk.Advance(time.Second)

	if !bucket.TryConsume(5) {
		t.Fatal("TryConsume(5) should succeed after 1s at 5/s")
	}
	if tokens := bucket.Tokens(); math.Abs(tokens) > 1e-9 {
		t.Errorf("Tokens() = %v, want ~0", tokens)
	}
}

func TestBucket_TryConsumeN(t *testing.T) {
	bucket, _ := newFakeBucket(t, 10, 1)

	if !bucket.TryConsume(3) {
		t.Error("TryConsume(3) should succeed")
	}
	if remaining := bucket.Remaining(); remaining != 7 {
		t.Errorf("Remaining() = %d, want 7", remaining)
	}

	if bucket.TryConsume(8) {
		t.Error("TryConsume(8) should fail with 7 tokens")
	}
	if remaining := bucket.Remaining(); remaining != 7 {
		t.Errorf("failed TryConsume changed Remaining() to %d", remaining)
	}

	if !bucket.TryConsume(7) {
		t.Error("TryConsume(7) should succeed")
	}
	if !bucket.TryConsume(0) {
		t.Error("TryConsume(0) should always succeed")
	}
	if bucket.TryConsume(-1) {
		t.Error("TryConsume(-1) should fail")
	}
}

func TestBucket_RefillCap(t *testing.T) {
	bucket, clk := newFakeBucket(t, 5, 10)

	// Long enough to theoretically add 100 tokens
	clk.Advance(10 * time.Second)

	if tokens := bucket.Tokens(); tokens != 5 {
		t.Errorf("Tokens() = %v, want 5 (capped at capacity)", tokens)
	}
}

func TestBucket_FractionalRefill(t *testing.T) {
	bucket, clk := newFakeBucket(t, 10, 0.5)
	drain(t, bucket)

	clk.Advance(2 * time.Second)

	if !bucket.TryConsume(1) {
		t.Error("should allow 1 request after 2 seconds at 0.5 tokens/sec")
	}
	if bucket.TryConsume(1) {
		t.Error("should deny next request (only 1 token refilled)")
	}

	clk.Advance(time.Second)
	if tokens := bucket.Tokens(); math.Abs(tokens-0.5) > 1e-9 {
		t.Errorf("Tokens() = %v, want 0.5", tokens)
	}
}

func TestBucket_InvariantHoldsUnderRandomOps(t *testing.T) {
	bucket, clk := newFakeBucket(t, 7, 3)

	steps := []struct {
		advance time.Duration
		amount  int64
	}{
		{0, 3}, {100 * time.Millisecond, 5}, {2 * time.Second, 7}, {0, 1},
		{10 * time.Second, 2}, {333 * time.Millisecond, 6}, {0, 0}, {time.Hour, 7},
	}

	for i, step := range steps {
		clk.Advance(step.advance)
		before := bucket.Tokens()
		ok := bucket.TryConsume(step.amount)
		after := bucket.Tokens()

		if after < 0 || after > float64(bucket.Capacity()) {
			t.Fatalf("step %d: tokens %v outside [0, %d]", i, after, bucket.Capacity())
		}
		if ok && math.Abs(before-after-float64(step.amount)) > 1e-9 {
			t.Errorf("step %d: success deducted %v, want %d", i, before-after, step.amount)
		}
		if !ok && before != after {
			t.Errorf("step %d: failed call changed tokens %v -> %v", i, before, after)
		}
		if ok && before < float64(step.amount) {
			t.Errorf("step %d: succeeded with only %v tokens for %d", i, before, step.amount)
		}
	}
}

func TestBucket_RetryAfter(t *testing.T) {
	bucket, _ := newFakeBucket(t, 1, 10)

	if retry := bucket.RetryAfter(1); retry != 0 {
		t.Errorf("RetryAfter(1) = %v, want 0 (bucket has tokens)", retry)
	}

	bucket.TryConsume(1)

	if retry := bucket.RetryAfter(1); retry != 100*time.Millisecond {
		t.Errorf("RetryAfter(1) = %v, want 100ms", retry)
	}
}

func TestBucket_Reset(t *testing.T) {
	bucket, _ := newFakeBucket(t, 4, 1)
	drain(t, bucket)

	bucket.Reset()
	if remaining := bucket.Remaining(); remaining != 4 {
		t.Errorf("Remaining() after Reset = %d, want 4", remaining)
	}
}

// capacity=10, rate=2/s, empty: ConsumeWithWait(5) blocks ~2.5s.
func TestBucket_ConsumeWithWait(t *testing.T) {
	bucket, clk := newFakeBucket(t, 10, 2)
	drain(t, bucket)

	start := clk.Now()
	if err := bucket.ConsumeWithWait(5); err != nil {
		t.Fatalf("ConsumeWithWait(5) unexpected error: %v", err)
	}

	waited := clk.Elapsed(start)
	if waited < 2500*time.Millisecond || waited > 2600*time.Millisecond {
		t.Errorf("waited %v, want ~2.5s", waited)
	}
	if tokens := bucket.Tokens(); tokens > 0.2 {
		t.Errorf("Tokens() = %v, want ~0", tokens)
	}

	for i, d := range clk.Sleeps() {
		if d > DefaultPollInterval {
			t.Errorf("sleep %d = %v, exceeds poll interval", i, d)
		}
	}
}

func TestBucket_WaitFinalSleepIsShort(t *testing.T) {
	bucket, clk := newFakeBucket(t, 10, 10, WithPollInterval(time.Second))
	drain(t, bucket)
	clk.Advance(450 * time.Millisecond) // 4.5 tokens

	if err := bucket.Wait(context.Background(), 5); err != nil {
		t.Fatalf("Wait(5) unexpected error: %v", err)
	}

	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 50*time.Millisecond {
		t.Errorf("Sleeps() = %v, want [50ms]", sleeps)
	}
}

func TestBucket_WaitImmediateWhenAvailable(t *testing.T) {
	bucket, clk := newFakeBucket(t, 10, 1)

	if err := bucket.Wait(context.Background(), 10); err != nil {
		t.Fatalf("Wait(10) unexpected error: %v", err)
	}
	if len(clk.Sleeps()) != 0 {
		t.Errorf("Wait slept %v with tokens available", clk.Sleeps())
	}
}

func TestBucket_WaitRejectsUnsatisfiable(t *testing.T) {
	bucket, clk := newFakeBucket(t, 10, 2)

	err := bucket.Wait(context.Background(), 11)
	if !errors.Is(err, ErrExceedsCapacity) {
		t.Errorf("Wait(11) error = %v, want ErrExceedsCapacity", err)
	}
	if err := bucket.Wait(context.Background(), -1); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("Wait(-1) error = %v, want ErrNegativeAmount", err)
	}
	if len(clk.Sleeps()) != 0 {
		t.Error("rejected waits must not sleep")
	}
	if remaining := bucket.Remaining(); remaining != 10 {
		t.Errorf("Remaining() = %d, want 10", remaining)
	}
}

func TestBucket_WaitCancelled(t *testing.T) {
	bucket, _ := New(10, 0.001) // real clock, effectively never refills
	drain(t, bucket)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := bucket.Wait(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait returned after %v, cancellation not honoured", elapsed)
	}
}

func TestBucket_WaitRealClock(t *testing.T) {
	bucket, _ := New(10, 100, WithPollInterval(10*time.Millisecond))
	drain(t, bucket)

	start := time.Now()
	if err := bucket.ConsumeWithWait(5); err != nil {
		t.Fatalf("ConsumeWithWait(5) unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	// 5 tokens at 100/s = 50ms, plus at most one poll interval of slack
	if elapsed < 45*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("ConsumeWithWait took %v, want ~50ms", elapsed)
	}
}

func TestBucket_ConcurrentExactlyCapacitySucceed(t *testing.T) {
	bucket, _ := newFakeBucket(t, 100, 1) // fake clock never advances: no refill

	var wg sync.WaitGroup
	var allowed atomic.Int64

	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if bucket.TryConsume(1) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 100 {
		t.Errorf("allowed %d requests, want exactly 100", got)
	}
	if remaining := bucket.Remaining(); remaining != 0 {
		t.Errorf("Remaining() = %d, want 0", remaining)
	}
}

func TestBucket_ConcurrentWaiters(t *testing.T) {
	bucket, _ := New(10, 200, WithPollInterval(5*time.Millisecond))
	drain(t, bucket)

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- bucket.ConsumeWithWait(5)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("ConsumeWithWait unexpected error: %v", err)
		}
	}
	if tokens := bucket.Tokens(); tokens < 0 || tokens > 10 {
		t.Errorf("Tokens() = %v outside [0, 10]", tokens)
	}
}

// 50 staggered TryConsume(1) against capacity=10, rate=5/s: successes never
// exceed 10 + floor(elapsed*5).
func TestBucket_StaggeredArrivalsNeverExceedBudget(t *testing.T) {
	bucket, clk := newFakeBucket(t, 10, 5)
	start := clk.Now()

	successes := 0
	for i := 0; i < 50; i++ {
		if i > 0 {
			clk.Advance(100 * time.Millisecond)
		}
		if bucket.TryConsume(1) {
			successes++
		}
		elapsed := clk.Elapsed(start).Seconds()
		budget := 10 + int(math.Floor(elapsed*5+1e-9))
		if successes > budget {
			t.Fatalf("after %v: %d successes exceed budget %d", clk.Elapsed(start), successes, budget)
		}
	}

	// 10 burst + 4.9s * 5/s = 34 whole tokens
	if successes != 34 {
		t.Errorf("successes = %d, want 34", successes)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions map[bool]int
	waits     []error
}

func (o *recordingObserver) RecordDecision(name string, allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decisions == nil {
		o.decisions = make(map[bool]int)
	}
	o.decisions[allowed]++
}

func (o *recordingObserver) RecordWait(name string, waited time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waits = append(o.waits, err)
}

func TestBucket_Observer(t *testing.T) {
	obs := &recordingObserver{}
	bucket, _ := newFakeBucket(t, 2, 1, WithObserver(obs), WithName("client-1"))

	bucket.TryConsume(1)
	bucket.TryConsume(1)
	bucket.TryConsume(1)
	if err := bucket.Wait(context.Background(), 1); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}

	if obs.decisions[true] != 2 || obs.decisions[false] != 1 {
		t.Errorf("decisions = %v, want 2 allowed and 1 denied", obs.decisions)
	}
	if len(obs.waits) != 1 || obs.waits[0] != nil {
		t.Errorf("waits = %v, want one successful wait", obs.waits)
	}
	if bucket.Name() != "client-1" {
		t.Errorf("Name() = %q, want client-1", bucket.Name())
	}
}

// cancelAfterSleeps cancels its context once the wrapped clock has slept n times.
type cancelAfterSleeps struct {
	*clock.Fake
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfterSleeps) Sleep(ctx context.Context, d time.Duration) error {
	if err := c.Fake.Sleep(ctx, d); err != nil {
		return err
	}
	if len(c.Fake.Sleeps()) >= c.n {
		c.cancel()
	}
	return nil
}

func TestBucket_TinyRefillRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := &cancelAfterSleeps{Fake: clock.NewFake(epoch), n: 5, cancel: cancel}

	bucket, err := New(10, 1e-9, WithClock(clk))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if !bucket.TryConsume(10) {
		t.Fatal("draining a full bucket failed")
	}

	if d := bucket.RetryAfter(10); d < 1000*365*24*time.Hour {
		t.Errorf("RetryAfter(10) = %v, want centuries", d)
	}
	if result := bucket.Take(10); result.Allowed || result.RetryAfter < 1000*365*24*time.Hour {
		t.Errorf("Take(10) = %+v, want denied with a centuries-long RetryAfter", result)
	}

	if err := bucket.Wait(ctx, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	for i, d := range clk.Sleeps() {
		if d != DefaultPollInterval {
			t.Errorf("sleep %d = %v, want %v", i, d, DefaultPollInterval)
		}
	}
}

func TestBucket_Peek(t *testing.T) {
	obs := &recordingObserver{}
	bucket, clk := newFakeBucket(t, 10, 2, WithObserver(obs))
	bucket.TryConsume(9)

	result := bucket.Peek(3)
	if result.Allowed || result.Remaining != 1 || result.RetryAfter != time.Second {
		t.Errorf("Peek(3) = %+v, want denied, 1 remaining, 1s retry", result)
	}
	if got := bucket.Tokens(); got != 1 {
		t.Errorf("Peek changed tokens to %v", got)
	}

	clk.Advance(time.Second)
	if result := bucket.Peek(3); !result.Allowed || result.RetryAfter != 0 {
		t.Errorf("Peek(3) after refill = %+v, want allowed", result)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if total := obs.decisions[true] + obs.decisions[false]; total != 1 {
		t.Errorf("observer saw %d decisions, want 1 (Peek is silent)", total)
	}
}

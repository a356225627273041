// Package tokenbucket provides a thread-safe token bucket rate limiter.
//
// A Bucket holds up to a fixed capacity of tokens and refills continuously at
// a fixed rate. Refill is lazy: elapsed time is credited inside each call, so
// there is no background goroutine per bucket.
//
// # Quick Start
//
//	bucket, err := tokenbucket.New(10, 5.0) // burst 10, 5 tokens/sec
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !bucket.TryConsume(1) {
//	    // reject or throttle the caller
//	}
//
//	// Block until 5 tokens are available, or ctx is done.
//	if err := bucket.Wait(ctx, 5); err != nil {
//	    return err
//	}
//
// # Blocking waits
//
// Wait and ConsumeWithWait sleep in steps no longer than the poll interval
// (100ms by default, see WithPollInterval) and re-check the bucket after each
// step. The bucket lock is never held while sleeping. Waiters are not queued;
// whichever re-checks first after tokens accrue wins.
//
// Asking to wait for more tokens than the capacity fails immediately with
// ErrExceedsCapacity, since such a request could never be satisfied.
//
// # Keyed limiting and HTTP
//
// RateLimiter keeps one bucket per client key in a Store and can be used as
// HTTP middleware:
//
//	limiter, _ := tokenbucket.NewRateLimiter(
//	    tokenbucket.WithDefaults(10, 5.0),
//	    tokenbucket.WithKeyExtractor(tokenbucket.ExtractIPWithProxy()),
//	)
//	http.Handle("/api/", limiter.Middleware(yourHandler))
//
// Configuration can also be loaded from YAML with WithConfigFile:
//
//	defaults:
//	  capacity: 10
//	  refill_rate: 5.0
//	  enabled: true
//	policies:
//	  "/api/login":
//	    capacity: 5
//	    refill_rate: 0.083
//	    enabled: true
//	key_extractor: "ip"
//	cleanup_age: "1h"
//	poll_interval: "100ms"
//
// # Time
//
// Buckets read time through a clock.Clock. The default clock.System relies on
// the monotonic reading carried by time.Now, so wall-clock adjustments do not
// mint or destroy tokens. Tests inject clock.Fake.
package tokenbucket

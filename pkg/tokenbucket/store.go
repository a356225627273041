package tokenbucket

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/tokenbucket/clock"
)

// Store holds one bucket per rate limit key.
type Store interface {
	// GetBucket returns the bucket for key, creating it from config on first
	// use. Later calls for the same key return the existing bucket.
	GetBucket(key string, config BucketConfig) (*Bucket, error)

	// Cleanup removes idle buckets and returns how many were removed.
	Cleanup() (int, error)

	// Count returns the total number of buckets in the store.
	Count() int
}

// BucketConfig holds the parameters for creating new buckets.
type BucketConfig struct {
	Capacity   int64   // Maximum tokens (burst size)
	RefillRate float64 // Tokens added per second
}

// InMemoryStoreConfig configures an InMemoryStore.
type InMemoryStoreConfig struct {
	// CleanupAge is how long a bucket may go unused before Cleanup removes
	// it. Buckets below capacity are never removed. 0 disables cleanup.
	CleanupAge time.Duration

	// Clock stamps access times and is passed to every bucket.
	// Default: clock.System
	Clock clock.Clock

	// BucketOptions are applied to every new bucket.
	BucketOptions []BucketOption
}

// InMemoryStore implements Store using an in-memory map.
// It's thread-safe and suitable for single-instance deployments.
type InMemoryStore struct {
	buckets    map[string]*bucketEntry
	mu         sync.RWMutex
	cleanupAge time.Duration
	clock      clock.Clock
	bucketOpts []BucketOption
}

// bucketEntry wraps a bucket with its last access time.
type bucketEntry struct {
	bucket       *Bucket
	mu           sync.Mutex // Protects lastAccessed
	lastAccessed time.Time
}

func (e *bucketEntry) touch(now time.Time) {
	e.mu.Lock()
	e.lastAccessed = now
	e.mu.Unlock()
}

func (e *bucketEntry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccessed
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(config InMemoryStoreConfig) (*InMemoryStore, error) {
	if config.CleanupAge < 0 {
		return nil, fmt.Errorf("%w: cleanup age cannot be negative", ErrInvalidConfig)
	}
	if config.Clock == nil {
		config.Clock = clock.System{}
	}

	opts := make([]BucketOption, 0, len(config.BucketOptions)+1)
	opts = append(opts, WithClock(config.Clock))
	opts = append(opts, config.BucketOptions...)

	return &InMemoryStore{
		buckets:    make(map[string]*bucketEntry),
		cleanupAge: config.CleanupAge,
		clock:      config.Clock,
		bucketOpts: opts,
	}, nil
}

// GetBucket retrieves or creates a bucket for the given key.
func (s *InMemoryStore) GetBucket(key string, config BucketConfig) (*Bucket, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	now := s.clock.Now()

	// Fast path - bucket exists
	s.mu.RLock()
	entry, exists := s.buckets[key]
	s.mu.RUnlock()
	if exists {
		entry.touch(now)
		return entry.bucket, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine might have created it
	if entry, exists := s.buckets[key]; exists {
		entry.touch(now)
		return entry.bucket, nil
	}

	opts := append(s.bucketOpts[:len(s.bucketOpts):len(s.bucketOpts)], WithName(key))
	bucket, err := New(config.Capacity, config.RefillRate, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create bucket: %v", ErrStoreFailed, err)
	}

	s.buckets[key] = &bucketEntry{
		bucket:       bucket,
		lastAccessed: now,
	}
	return bucket, nil
}

// Cleanup removes buckets that haven't been accessed within the cleanup age
// and have refilled to capacity. A partly drained bucket is kept however long
// it idles, since a fresh one would hand its client a full burst early.
func (s *InMemoryStore) Cleanup() (int, error) {
	if s.cleanupAge == 0 {
		return 0, nil
	}

	cutoff := s.clock.Now().Add(-s.cleanupAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.buckets {
		if entry.idleSince().Before(cutoff) && entry.bucket.Tokens() >= float64(entry.bucket.Capacity()) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed, nil
}

// Count returns the total number of buckets in the store.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Keys returns the stored keys in sorted order.
func (s *InMemoryStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// StartBackgroundCleanup runs Cleanup every interval until the returned
// function is called. onCleanup, if non-nil, receives each result.
func (s *InMemoryStore) StartBackgroundCleanup(interval time.Duration, onCleanup func(removed int, err error)) func() {
	if s.cleanupAge == 0 || interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := s.Cleanup()
				if onCleanup != nil {
					onCleanup(removed, err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
	"github.com/yourusername/tokenbucket/metrics"
)

const (
	// KeyPrefix namespaces every key the store writes.
	KeyPrefix = "tokenbucket:stats:"

	defaultTTL         = time.Hour
	defaultAttempts    = 3
	defaultMaxDelay    = 2 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// RedisStatsStore provides Redis-backed storage for snapshots
type RedisStatsStore struct {
	client   *redis.Client
	ttl      time.Duration
	attempts uint
	maxDelay time.Duration
	logger   *slog.Logger
}

// Ensure RedisStatsStore implements StatsStore interface
var _ StatsStore = (*RedisStatsStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr     string        // Redis address (e.g., "localhost:6379")
	Password string        // Redis password (empty for no auth)
	DB       int           // Redis database number
	TTL      time.Duration // TTL for snapshots (default: 1 hour)

	// Attempts is the number of tries per command, including the first. Default: 3
	Attempts uint
	// MaxDelay caps the backoff between tries. Default: 2s
	MaxDelay time.Duration

	Logger *slog.Logger
}

// NewRedisStatsStore creates a new Redis-backed store. No connection is made
// until the first command; call Ping to verify reachability.
func NewRedisStatsStore(config RedisConfig) *RedisStatsStore {
	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: defaultDialTimeout,
	})

	ttl := config.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	attempts := config.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	maxDelay := config.MaxDelay
	if maxDelay == 0 {
		maxDelay = defaultMaxDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &RedisStatsStore{
		client:   client,
		ttl:      ttl,
		attempts: attempts,
		maxDelay: maxDelay,
		logger:   logger,
	}
}

func redisKey(name string) string {
	return KeyPrefix + name
}

// do runs fn with exponential backoff until it succeeds, returns an
// unrecoverable error, or ctx is done.
func (s *RedisStatsStore) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(s.attempts),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxDelay(s.maxDelay),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("redis command failed, retrying", "op", op, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}

// Save stores the snapshot as JSON under name with the configured TTL
func (s *RedisStatsStore) Save(ctx context.Context, name string, snap *metrics.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot %q: %w", name, err)
	}

	err = s.do(ctx, "save", func() error {
		return s.client.Set(ctx, redisKey(name), data, s.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("saving snapshot %q: %w", name, err)
	}
	return nil
}

// Load retrieves the snapshot stored under name
func (s *RedisStatsStore) Load(ctx context.Context, name string) (*metrics.Snapshot, error) {
	var (
		val      []byte
		notFound bool
	)
	err := s.do(ctx, "load", func() error {
		var err error
		val, err = s.client.Get(ctx, redisKey(name)).Bytes()
		if errors.Is(err, redis.Nil) {
			notFound = true
			return retry.Unrecoverable(err)
		}
		return err
	})
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %q: %w", name, err)
	}

	var snap metrics.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %q: %w", name, err)
	}
	return &snap, nil
}

// Delete removes the snapshot stored under name
func (s *RedisStatsStore) Delete(ctx context.Context, name string) error {
	err := s.do(ctx, "delete", func() error {
		return s.client.Del(ctx, redisKey(name)).Err()
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot %q: %w", name, err)
	}
	return nil
}

// Clear removes all keys under KeyPrefix
func (s *RedisStatsStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clearing %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

// Ping checks if Redis connection is alive
func (s *RedisStatsStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStatsStore) Close() error {
	return s.client.Close()
}

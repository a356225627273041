package store

import (
	"context"
	"errors"

	"github.com/yourusername/tokenbucket/metrics"
)

// ErrNotFound is returned by Load when no snapshot exists under the name.
var ErrNotFound = errors.New("stats snapshot not found")

// StatsStore persists published metrics snapshots. Bucket state itself is
// never stored; it lives only in the owning process.
type StatsStore interface {
	Save(ctx context.Context, name string, snap *metrics.Snapshot) error
	Load(ctx context.Context, name string) (*metrics.Snapshot, error)
	Delete(ctx context.Context, name string) error
	Clear(ctx context.Context) error
}

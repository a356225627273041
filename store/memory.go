package store

import (
	"context"
	"sync"

	"github.com/yourusername/tokenbucket/metrics"
)

// MemoryStatsStore provides thread-safe in-memory storage for snapshots
type MemoryStatsStore struct {
	snapshots sync.Map // map[string]metrics.Snapshot
}

// Ensure MemoryStatsStore implements StatsStore interface
var _ StatsStore = (*MemoryStatsStore)(nil)

// NewMemoryStatsStore creates a new in-memory store
func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{}
}

// Save stores a copy of the snapshot under name
func (s *MemoryStatsStore) Save(_ context.Context, name string, snap *metrics.Snapshot) error {
	s.snapshots.Store(name, copySnapshot(snap))
	return nil
}

// Load returns a copy of the snapshot stored under name
func (s *MemoryStatsStore) Load(_ context.Context, name string) (*metrics.Snapshot, error) {
	val, ok := s.snapshots.Load(name)
	if !ok {
		return nil, ErrNotFound
	}
	snap := val.(metrics.Snapshot)
	return copySnapshot(&snap), nil
}

// Delete removes the snapshot stored under name
func (s *MemoryStatsStore) Delete(_ context.Context, name string) error {
	s.snapshots.Delete(name)
	return nil
}

// Clear removes all snapshots
func (s *MemoryStatsStore) Clear(_ context.Context) error {
	s.snapshots.Range(func(key, _ any) bool {
		s.snapshots.Delete(key)
		return true
	})
	return nil
}

// copySnapshot deep-copies the client list so callers cannot mutate stored data.
func copySnapshot(snap *metrics.Snapshot) metrics.Snapshot {
	c := *snap
	c.TopClients = make([]*metrics.ClientStats, len(snap.TopClients))
	for i, cs := range snap.TopClients {
		v := *cs
		c.TopClients[i] = &v
	}
	return c
}

package artifacts

import (
	"context"
	"sort"
	"sync"
)

// Persister stores one artifact snapshot per thread. SaveArtifacts replaces
// the whole snapshot atomically. LoadArtifacts of an unknown thread returns
// an empty list; a snapshot that fails validation returns an error matching
// faults.ErrSnapshotCorrupt.
type Persister interface {
	LoadArtifacts(ctx context.Context, threadID string) ([]Record, error)
	SaveArtifacts(ctx context.Context, threadID string, recs []Record) error
	ThreadIDs(ctx context.Context) ([]string, error)
}

// MemoryPersister keeps snapshots in memory.
type MemoryPersister struct {
	mu    sync.RWMutex
	snaps map[string][]Record
	saves int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{snaps: make(map[string][]Record)}
}

func (m *MemoryPersister) LoadArtifacts(_ context.Context, threadID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.snaps[threadID]...), nil
}

func (m *MemoryPersister) SaveArtifacts(_ context.Context, threadID string, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[threadID] = append([]Record(nil), recs...)
	m.saves++
	return nil
}

func (m *MemoryPersister) ThreadIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.snaps))
	for id := range m.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveCount returns the number of SaveArtifacts calls.
func (m *MemoryPersister) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

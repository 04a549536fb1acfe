package audit

import (
	"context"
	"sync"
)

// MemoryTrail keeps the chain in memory. It backs tests and dry runs.
type MemoryTrail struct {
	mu       sync.RWMutex
	chain    chain
	entries  []Entry
	handlers []func(Entry)
}

func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{chain: newChain()}
}

// OnAppend registers fn to be called with every appended entry, under the
// trail lock.
func (m *MemoryTrail) OnAppend(fn func(Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

func (m *MemoryTrail) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sealed, err := m.chain.seal(e)
	if err != nil {
		return err
	}
	m.chain.commit(sealed)
	m.entries = append(m.entries, sealed)
	for _, h := range m.handlers {
		h(sealed)
	}
	return nil
}

func (m *MemoryTrail) Entries(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryTrail) Verify(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), VerifyChain(m.entries)
}

func (m *MemoryTrail) Head() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain.head
}

// Len returns the number of entries.
func (m *MemoryTrail) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

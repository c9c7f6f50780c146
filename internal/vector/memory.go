package vector

import (
	"context"
	"sync"
)

// Memory is the in-process reference Collection. Nothing survives Close.
type Memory struct {
	name string
	mu   sync.RWMutex
	ix   *Index
}

// NewMemory returns an empty in-memory collection.
func NewMemory(name string) *Memory {
	return &Memory{name: name, ix: NewIndex()}
}

func (m *Memory) Add(_ context.Context, records []Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, dim, err := PrepareBatch(records, m.ix.Dimension())
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	m.ix.Apply(batch, dim)
	return len(records), nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ix.Search(q)
}

func (m *Memory) Delete(_ context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ix.Remove(m.ix.Matching(IdentitySet(identities)))
	return nil
}

// Persist is a no-op.
func (m *Memory) Persist(context.Context) error { return nil }

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Backend: "memory", Collection: m.name, Count: m.ix.Len(), Dimension: m.ix.Dimension()}, nil
}

func (m *Memory) Close() error { return nil }

var _ Collection = (*Memory)(nil)

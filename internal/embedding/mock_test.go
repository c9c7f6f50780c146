package embedding

import (
	"context"
	"sync"
)

// mockProvider returns queued errors first, then one vector per text whose
// single component is the text length.
type mockProvider struct {
	name string

	mu     sync.Mutex
	errs   []error
	calls  int
	inputs [][]string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.inputs = append(m.inputs, texts)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

package catalog

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process catalog for tests and dry runs.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Record // keyed by build tag
}

// NewMemory returns an empty in-memory catalog.
func NewMemory() *Memory { return &Memory{recs: make(map[string]Record)} }

// Append implements Catalog.
func (m *Memory) Append(_ context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.BuildTag]; ok {
		return ErrDuplicate
	}
	for _, r := range m.recs {
		if r.BuildID == rec.BuildID {
			return ErrDuplicate
		}
	}
	m.recs[rec.BuildTag] = rec
	return nil
}

// Get implements Catalog.
func (m *Memory) Get(_ context.Context, buildTag string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[buildTag]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List implements Catalog.
func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close implements Catalog.
func (m *Memory) Close() error { return nil }

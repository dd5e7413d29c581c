// Package search mirrors persisted records into a full-text index. The
// mirror is best-effort: the document store stays the source of truth.
package search

import (
	"sort"
	"sync"
)

// IndexSpec declares one index and the attributes it exposes.
type IndexSpec struct {
	UID        string
	PrimaryKey string
	Filterable []string
	Searchable []string
}

// Indexer can push records into, and drop them from, a search index.
type Indexer interface {
	Upsert(index string, records []map[string]any) error
	Remove(index string, ids []string) error
	Healthy() bool
}

// Memory is an in-process Indexer used by tests and by deployments without
// a search backend.
type Memory struct {
	mu      sync.Mutex
	indexes map[string]map[string]map[string]any
}

func NewMemory() *Memory {
	return &Memory{indexes: make(map[string]map[string]map[string]any)}
}

func (m *Memory) Upsert(index string, records []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexes[index]
	if idx == nil {
		idx = make(map[string]map[string]any)
		m.indexes[index] = idx
	}
	for _, rec := range records {
		id, _ := rec["id"].(string)
		idx[id] = rec
	}
	return nil
}

func (m *Memory) Remove(index string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.indexes[index], id)
	}
	return nil
}

func (m *Memory) Healthy() bool { return true }

// Get returns the record stored under id, if any.
func (m *Memory) Get(index, id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.indexes[index][id]
	return rec, ok
}

// IDs lists the ids held by index in sorted order.
func (m *Memory) IDs(index string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.indexes[index]))
	for id := range m.indexes[index] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

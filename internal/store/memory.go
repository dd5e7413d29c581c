package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docstore/api/internal/query"
)

// Memory keeps documents in process. Documents are stored as encoded JSON
// so reads observe the same value kinds as the Postgres backend.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte

	// CommitErr, when set, fails every batch commit.
	CommitErr error
}

func NewMemory() *Memory {
	return &Memory{collections: map[string]map[string][]byte{}}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	raw, ok := m.collections[collection][id]
	m.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	data, err := decode(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

func (m *Memory) List(_ context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]Document, 0, len(m.collections[collection]))
	for id, raw := range m.collections[collection] {
		data, err := decode(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Data: data})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Query filters the collection with the clauses' reference semantics.
func (m *Memory) Query(ctx context.Context, collection string, clauses []query.Clause) ([]Document, error) {
	docs, err := m.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if query.MatchAll(clauses, d.WithID()) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, data map[string]any) error {
	b := m.Batch()
	b.Set(collection, id, data)
	return b.Commit(ctx)
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	b := m.Batch()
	b.Update(collection, id, patch)
	return b.Commit(ctx)
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	b := m.Batch()
	b.Delete(collection, id)
	return b.Commit(ctx)
}

func (m *Memory) Batch() Batch {
	return &memoryBatch{store: m}
}

type memoryBatch struct {
	ops
	store *Memory
}

// Commit validates every operation against a staged copy of the touched
// collections and publishes the copy only when all of them succeed.
func (b *memoryBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := b.store
	if m.CommitErr != nil {
		return m.CommitErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged := map[string]map[string][]byte{}
	collection := func(name string) map[string][]byte {
		if c, ok := staged[name]; ok {
			return c
		}
		c := make(map[string][]byte, len(m.collections[name]))
		for id, raw := range m.collections[name] {
			c[id] = raw
		}
		staged[name] = c
		return c
	}

	for _, op := range b.list {
		c := collection(op.Collection)
		switch op.Kind {
		case OpSet:
			raw, err := encode(op.Data)
			if err != nil {
				return err
			}
			c[op.ID] = raw
		case OpUpdate:
			current, ok := c[op.ID]
			if !ok {
				return fmt.Errorf("update %s/%s: %w", op.Collection, op.ID, ErrNotFound)
			}
			data, err := decode(current)
			if err != nil {
				return err
			}
			for k, v := range op.Data {
				data[k] = v
			}
			raw, err := encode(data)
			if err != nil {
				return err
			}
			c[op.ID] = raw
		case OpDelete:
			delete(c, op.ID)
		}
	}

	for name, c := range staged {
		if len(c) == 0 {
			delete(m.collections, name)
			continue
		}
		m.collections[name] = c
	}
	return nil
}

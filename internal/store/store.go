// Package store persists JSON documents grouped in collections.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"docstore/api/internal/query"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a stored record and its key within the collection.
type Document struct {
	ID   string
	Data map[string]any
}

// Documents is the document store contract shared by every backend.
type Documents interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	// Query returns the documents matching every clause.
	Query(ctx context.Context, collection string, clauses []query.Clause) ([]Document, error)
	Set(ctx context.Context, collection, id string, data map[string]any) error
	// Update shallow-merges patch into an existing document.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	// Delete is a no-op for missing documents.
	Delete(ctx context.Context, collection, id string) error
	Batch() Batch
}

// Batch queues writes that commit atomically.
type Batch interface {
	Set(collection, id string, data map[string]any)
	Update(collection, id string, patch map[string]any)
	Delete(collection, id string)
	Commit(ctx context.Context) error
}

// OpKind names a batched write.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one queued batch write.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Data       map[string]any
}

// ops is the shared recording half of Batch implementations.
type ops struct {
	list []Op
}

func (o *ops) Set(collection, id string, data map[string]any) {
	o.list = append(o.list, Op{Kind: OpSet, Collection: collection, ID: id, Data: data})
}

func (o *ops) Update(collection, id string, patch map[string]any) {
	o.list = append(o.list, Op{Kind: OpUpdate, Collection: collection, ID: id, Data: patch})
}

func (o *ops) Delete(collection, id string) {
	o.list = append(o.list, Op{Kind: OpDelete, Collection: collection, ID: id})
}

// encode renders a document as JSON, the storage format of every backend.
func encode(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// WithID returns data with "id" backfilled from the document key.
func (d Document) WithID() map[string]any {
	if v, ok := d.Data["id"]; ok && v != nil {
		return d.Data
	}
	out := make(map[string]any, len(d.Data)+1)
	for k, v := range d.Data {
		out[k] = v
	}
	out["id"] = d.ID
	return out
}

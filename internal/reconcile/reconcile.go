// Package reconcile computes and applies insert/update/delete plans between
// a desired and an existing keyed record set.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"docstore/api/internal/value"
)

var (
	ErrMissingID   = errors.New("record has no id")
	ErrDuplicateID = errors.New("duplicate record id")
)

// Record is a child document keyed by its "id" field.
type Record map[string]any

// ID returns the text form of the record's id.
func (r Record) ID() (string, bool) {
	v, ok := value.Lookup(map[string]any(r), "id")
	if !ok {
		return "", false
	}
	id := value.Text(v)
	return id, id != ""
}

// Entry pairs an id with its record; Record is nil for deletions.
type Entry struct {
	ID     string
	Record Record
}

// Plan lists the operations that move existing to desired. The three lists
// are disjoint and each is sorted by id.
type Plan struct {
	ToInsert []Entry
	ToUpdate []Entry
	ToDelete []Entry
}

// Empty reports whether the plan carries no operations.
func (p Plan) Empty() bool {
	return len(p.ToInsert)+len(p.ToUpdate)+len(p.ToDelete) == 0
}

// Len is the number of operations in the plan.
func (p Plan) Len() int {
	return len(p.ToInsert) + len(p.ToUpdate) + len(p.ToDelete)
}

// Index keys records by id.
func Index(records []Record) (map[string]Record, error) {
	out := make(map[string]Record, len(records))
	for i, r := range records {
		id, ok := r.ID()
		if !ok {
			return nil, fmt.Errorf("record %d: %w", i, ErrMissingID)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("record %d: %w %q", i, ErrDuplicateID, id)
		}
		out[id] = r
	}
	return out, nil
}

// Reconcile compares membership only: ids in both sets are updates even
// when their content is unchanged.
func Reconcile(desired, existing map[string]Record) Plan {
	var plan Plan
	for id, r := range desired {
		if _, ok := existing[id]; ok {
			plan.ToUpdate = append(plan.ToUpdate, Entry{ID: id, Record: r})
		} else {
			plan.ToInsert = append(plan.ToInsert, Entry{ID: id, Record: r})
		}
	}
	for id := range existing {
		if _, ok := desired[id]; !ok {
			plan.ToDelete = append(plan.ToDelete, Entry{ID: id})
		}
	}
	sortEntries(plan.ToInsert)
	sortEntries(plan.ToUpdate)
	sortEntries(plan.ToDelete)
	return plan
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// Batch is an atomic multi-operation write.
type Batch interface {
	Set(collection, id string, doc map[string]any)
	Update(collection, id string, patch map[string]any)
	Delete(collection, id string)
	Commit(ctx context.Context) error
}

// Stage queues every operation of plan into b without committing.
func Stage(b Batch, collection string, plan Plan) {
	for _, e := range plan.ToInsert {
		b.Set(collection, e.ID, e.Record)
	}
	for _, e := range plan.ToUpdate {
		b.Set(collection, e.ID, e.Record)
	}
	for _, e := range plan.ToDelete {
		b.Delete(collection, e.ID)
	}
}

// CommitError reports a batch that failed to commit. None of its
// operations were applied.
type CommitError struct {
	Collection string
	Ops        int
	Err        error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %d operations on %s: %v", e.Ops, e.Collection, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Commit commits b, wrapping a failure in a CommitError.
func Commit(ctx context.Context, b Batch, collection string, ops int) error {
	if err := b.Commit(ctx); err != nil {
		return &CommitError{Collection: collection, Ops: ops, Err: err}
	}
	return nil
}

// Apply stages plan into b and commits it as one unit.
func Apply(ctx context.Context, b Batch, collection string, plan Plan) error {
	Stage(b, collection, plan)
	return Commit(ctx, b, collection, plan.Len())
}

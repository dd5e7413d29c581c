// Package diff computes top-level patches between document snapshots.
package diff

import "docstore/api/internal/value"

// Patch maps a top-level field to its new value. A field removed in the
// current snapshot maps to nil.
type Patch map[string]any

// Diff returns the top-level fields whose value differs anywhere below them
// between previous and current. The second result is false when nothing
// differs.
func Diff(previous, current map[string]any) (Patch, bool) {
	patch := Patch{}
	for key, next := range current {
		prev, ok := previous[key]
		if !ok || !value.Equal(prev, next) {
			patch[key] = next
		}
	}
	for key, prev := range previous {
		if _, ok := current[key]; ok {
			continue
		}
		if prev != nil {
			patch[key] = nil
		}
	}
	if len(patch) == 0 {
		return nil, false
	}
	return patch, true
}

// Apply shallow-merges the patch onto a copy of doc.
func (p Patch) Apply(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+len(p))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Without returns a copy of the patch with the named keys removed.
func (p Patch) Without(keys ...string) Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

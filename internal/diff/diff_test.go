package diff

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/api/internal/value"
)

func TestDiff(t *testing.T) {
	cases := []struct {
		name     string
		previous map[string]any
		current  map[string]any
		want     Patch
		changed  bool
	}{
		{
			name:     "single field",
			previous: map[string]any{"a": 1, "b": 2},
			current:  map[string]any{"a": 1, "b": 9},
			want:     Patch{"b": 9},
			changed:  true,
		},
		{
			name:     "numerically equal",
			previous: map[string]any{"a": 1},
			current:  map[string]any{"a": 1.0},
			changed:  false,
		},
		{
			name:     "nested change replaces whole field",
			previous: map[string]any{"author": map[string]any{"name": "ada", "age": 36}},
			current:  map[string]any{"author": map[string]any{"name": "ada", "age": 37}},
			want:     Patch{"author": map[string]any{"name": "ada", "age": 37}},
			changed:  true,
		},
		{
			name:     "removed field",
			previous: map[string]any{"a": 1, "gone": "x"},
			current:  map[string]any{"a": 1},
			want:     Patch{"gone": nil},
			changed:  true,
		},
		{
			name:     "added field",
			previous: map[string]any{},
			current:  map[string]any{"tags": []any{"x"}},
			want:     Patch{"tags": []any{"x"}},
			changed:  true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := Diff(tc.previous, tc.current)
			assert.Equal(t, tc.changed, changed)
			assert.Equal(t, tc.want, got)
		})
	}
}

func randomDoc(r *rand.Rand) map[string]any {
	pool := []any{1, 2.0, "x", "y", true, nil, []any{1, "x"}, map[string]any{"k": 1}}
	doc := map[string]any{}
	for _, key := range []string{"a", "b", "c", "d"} {
		if r.Intn(3) == 0 {
			continue
		}
		doc[key] = pool[r.Intn(len(pool))]
	}
	return doc
}

func TestDiffProperties(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		a, b := randomDoc(r), randomDoc(r)

		_, changed := Diff(a, a)
		require.False(t, changed)

		patch, _ := Diff(a, b)
		for key := range patch {
			_, inA := a[key]
			_, inB := b[key]
			require.True(t, inA || inB, "patch key %q outside both documents", key)
		}

		merged := patch.Apply(a)
		for key, want := range b {
			require.True(t, value.Equal(want, merged[key]), "key %q: want %v got %v", key, want, merged[key])
		}
	}
}

func TestPatchWithout(t *testing.T) {
	p := Patch{"id": 5, "b": 9}
	assert.Equal(t, Patch{"b": 9}, p.Without("id"))
	assert.Len(t, p, 2)
}

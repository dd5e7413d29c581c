package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type op struct {
	kind, collection, id string
}

type fakeBatch struct {
	ops       []op
	commitErr error
	committed bool
}

func (b *fakeBatch) Set(collection, id string, _ map[string]any) {
	b.ops = append(b.ops, op{"set", collection, id})
}

func (b *fakeBatch) Update(collection, id string, _ map[string]any) {
	b.ops = append(b.ops, op{"update", collection, id})
}

func (b *fakeBatch) Delete(collection, id string) {
	b.ops = append(b.ops, op{"delete", collection, id})
}

func (b *fakeBatch) Commit(context.Context) error {
	if b.commitErr != nil {
		return b.commitErr
	}
	b.committed = true
	return nil
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestReconcileSubtracts(t *testing.T) {
	desired, err := Index([]Record{{"id": "b"}, {"id": "c"}, {"id": 4}})
	require.NoError(t, err)
	existing, err := Index([]Record{{"id": "a"}, {"id": "b"}})
	require.NoError(t, err)

	plan := Reconcile(desired, existing)
	assert.Equal(t, []string{"4", "c"}, ids(plan.ToInsert))
	assert.Equal(t, []string{"b"}, ids(plan.ToUpdate))
	assert.Equal(t, []string{"a"}, ids(plan.ToDelete))
	assert.Nil(t, plan.ToDelete[0].Record)
}

func TestIndexRejectsBadRecords(t *testing.T) {
	_, err := Index([]Record{{"name": "no id"}})
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Index([]Record{{"id": ""}})
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Index([]Record{{"id": 1}, {"id": "1"}})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestPlanIsDisjointAndCovering(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		desired, existing := map[string]Record{}, map[string]Record{}
		for n := 0; n < 10; n++ {
			id := strconv.Itoa(r.Intn(15))
			if r.Intn(2) == 0 {
				desired[id] = Record{"id": id}
			} else {
				existing[id] = Record{"id": id}
			}
		}

		plan := Reconcile(desired, existing)
		seen := map[string]int{}
		for _, list := range [][]Entry{plan.ToInsert, plan.ToUpdate, plan.ToDelete} {
			for _, e := range list {
				seen[e.ID]++
			}
		}
		for id, n := range seen {
			require.Equal(t, 1, n, "id %s appears in more than one list", id)
		}

		union := map[string]bool{}
		for id := range desired {
			union[id] = true
		}
		for id := range existing {
			union[id] = true
		}
		require.Len(t, seen, len(union))
		for id := range union {
			require.Contains(t, seen, id)
		}
	}
}

func TestApplyStagesOneBatch(t *testing.T) {
	plan := Plan{
		ToInsert: []Entry{{ID: "n", Record: Record{"id": "n"}}},
		ToUpdate: []Entry{{ID: "u", Record: Record{"id": "u"}}},
		ToDelete: []Entry{{ID: "d"}},
	}
	b := &fakeBatch{}
	require.NoError(t, Apply(context.Background(), b, "posts/1/comments", plan))
	assert.True(t, b.committed)
	assert.Equal(t, []op{
		{"set", "posts/1/comments", "n"},
		{"set", "posts/1/comments", "u"},
		{"delete", "posts/1/comments", "d"},
	}, b.ops)
}

func TestApplyReportsCommitFailure(t *testing.T) {
	boom := errors.New("tx aborted")
	b := &fakeBatch{commitErr: boom}
	err := Apply(context.Background(), b, "c", Plan{ToDelete: []Entry{{ID: "x"}}})

	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, 1, commitErr.Ops)
	assert.ErrorIs(t, err, boom)
	assert.False(t, b.committed)
}

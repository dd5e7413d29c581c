package search

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorIndexesAndRemoves(t *testing.T) {
	idx := NewMemory()
	m := NewMirror(idx, zerolog.Nop())

	m.Index("posts", "1", map[string]any{"title": "hello"})
	m.Index("posts", "2", map[string]any{"title": "world"})
	m.Wait()
	assert.Equal(t, []string{"1", "2"}, idx.IDs("posts"))

	rec, ok := idx.Get("posts", "1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": "1", "title": "hello"}, rec)

	m.Remove("posts", "1")
	m.Wait()
	assert.Equal(t, []string{"2"}, idx.IDs("posts"))
}

func TestMirrorSkipsUnindexedResources(t *testing.T) {
	idx := NewMemory()
	m := NewMirror(idx, zerolog.Nop())
	m.Index("", "1", map[string]any{"title": "hello"})
	m.Wait()
	assert.Empty(t, idx.IDs(""))

	var nilMirror *Mirror
	nilMirror.Index("posts", "1", nil)
	nilMirror.Remove("posts", "1")
	nilMirror.Wait()
}

type meiliCall struct {
	method string
	path   string
	body   string
}

func fakeMeili(t *testing.T) (*httptest.Server, func() []meiliCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []meiliCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"status":"available"}`))
			return
		}
		mu.Lock()
		calls = append(calls, meiliCall{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"taskUid":1,"indexUid":"posts","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2024-01-01T00:00:00Z"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []meiliCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]meiliCall(nil), calls...)
	}
}

func TestMeiliUpsertAndRemove(t *testing.T) {
	srv, calls := fakeMeili(t)
	m := newMeili(srv.URL, "key", []IndexSpec{{UID: "posts", Searchable: []string{"title"}}}, zerolog.Nop(), time.Hour)
	defer m.Close()
	require.True(t, m.Healthy())

	require.NoError(t, m.Upsert("posts", []map[string]any{{"id": "1", "title": "hello"}}))
	require.NoError(t, m.Remove("posts", []string{"1"}))

	var sawAdd, sawDelete, sawCreate bool
	for _, c := range calls() {
		switch {
		case c.method == http.MethodPost && c.path == "/indexes":
			sawCreate = true
		case c.method == http.MethodPost && c.path == "/indexes/posts/documents":
			var docs []map[string]any
			require.NoError(t, json.Unmarshal([]byte(c.body), &docs))
			assert.Equal(t, []map[string]any{{"id": "1", "title": "hello"}}, docs)
			sawAdd = true
		case c.method == http.MethodDelete && c.path == "/indexes/posts/documents/1":
			sawDelete = true
		}
	}
	assert.True(t, sawCreate, "index created")
	assert.True(t, sawAdd, "documents added")
	assert.True(t, sawDelete, "document deleted")
}

func TestMeiliUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := newMeili(url, "", nil, zerolog.Nop(), time.Hour)
	defer m.Close()
	assert.False(t, m.Healthy())
	assert.ErrorIs(t, m.Upsert("posts", []map[string]any{{"id": "1"}}), errUnhealthy)
	assert.ErrorIs(t, m.Remove("posts", []string{"1"}), errUnhealthy)

	// An unhealthy indexer silences the mirror instead of failing writes.
	mirror := NewMirror(m, zerolog.Nop())
	mirror.Index("posts", "1", map[string]any{})
	mirror.Wait()
}

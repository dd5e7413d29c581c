package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/api/internal/blob"
)

type countingRecorder struct {
	uploaded, deleted, failed atomic.Int64
}

func (c *countingRecorder) AttachmentUploaded(string)      { c.uploaded.Add(1) }
func (c *countingRecorder) AttachmentDeleted(string)       { c.deleted.Add(1) }
func (c *countingRecorder) AttachmentCleanupFailed(string) { c.failed.Add(1) }

func newReconciler(objects blob.Store) (*Reconciler, *countingRecorder) {
	rec := &countingRecorder{}
	return &Reconciler{
		Objects: objects,
		Logger:  zerolog.Nop(),
		Clock:   func() time.Time { return time.UnixMilli(1700000000000) },
		Metrics: rec,
	}, rec
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestClearedFieldReportsPreviousObject(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://x")
	_, err := objects.Put(ctx, "posts/1/cover/a.png", []byte("old"), "image/png")
	require.NoError(t, err)
	r, rec := newReconciler(objects)

	res, changed, err := r.Reconcile(ctx, Request{
		ResourcePath: "posts",
		RecordID:     "1",
		Field:        "cover",
		Submitted:    []any{},
		SubmittedSet: true,
		Previous:     map[string]any{"src": "https://x/a.png", "md5Hash": "H1", "path": "posts/1/cover/a.png"},
	})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, []any{}, res.Value)
	assert.Equal(t, []string{"posts/1/cover/a.png"}, res.Orphans)
	assert.Equal(t, []string{"posts/1/cover/a.png"}, objects.Paths(), "orphans stay until removed")
	assert.Zero(t, objects.Deletes())

	removed := r.Remove(ctx, "posts", "1", "cover", res.Orphans)
	assert.Equal(t, []string{"posts/1/cover/a.png"}, removed)
	assert.Empty(t, objects.Paths())
	assert.Equal(t, int64(1), rec.deleted.Load())
}

func TestUntouchedFieldIsLeftAlone(t *testing.T) {
	objects := blob.NewMemory("https://x")
	r, _ := newReconciler(objects)
	_, changed, err := r.Reconcile(context.Background(), Request{
		ResourcePath: "posts",
		RecordID:     "1",
		Field:        "cover",
		Previous:     map[string]any{"src": "https://x/a.png", "path": "posts/1/cover/a.png"},
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, objects.Deletes())
}

func TestUploadAssignsMetadata(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://objects.test/bucket")
	r, rec := newReconciler(objects)
	img := pngBytes(t, 3, 2)

	res, changed, err := r.Reconcile(ctx, Request{
		ResourcePath: "posts",
		RecordID:     "7",
		Field:        "cover",
		Submitted:    map[string]any{"name": "cover.png", "rawFile": img},
		SubmittedSet: true,
	})
	require.NoError(t, err)
	require.True(t, changed)

	entry, ok := res.Value.(map[string]any)
	require.True(t, ok, "scalar shape is kept")
	assert.Equal(t, map[string]any{
		"name":       "cover.png",
		"src":        "https://objects.test/bucket/posts/7/cover/cover.png",
		"type":       "image/png",
		"md5Hash":    blob.ContentMD5(img),
		"path":       "posts/7/cover/cover.png",
		"uploadedAt": int64(1700000000000),
		"width":      3,
		"height":     2,
	}, entry)
	stored, ok := objects.Get("posts/7/cover/cover.png")
	require.True(t, ok)
	assert.Equal(t, img, stored)
	assert.Equal(t, int64(1), rec.uploaded.Load())
}

func TestImageProbeFailureIsNotFatal(t *testing.T) {
	objects := blob.NewMemory("https://x")
	r, _ := newReconciler(objects)
	res, _, err := r.Reconcile(context.Background(), Request{
		ResourcePath: "posts",
		RecordID:     "1",
		Field:        "cover",
		Submitted:    []any{map[string]any{"name": "broken.png", "type": "image/png", "rawFile": []byte("not an image")}},
		SubmittedSet: true,
	})
	require.NoError(t, err)
	entry := res.Value.([]any)[0].(map[string]any)
	assert.NotContains(t, entry, "width")
	assert.Equal(t, "image/png", entry["type"])
}

func TestInlinePayloadForms(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
	cases := []struct {
		name  string
		entry map[string]any
		ctype string
	}{
		{name: "base64 rawFile", entry: map[string]any{"name": "a.txt", "rawFile": encoded}, ctype: "text/plain"},
		{name: "base64 src", entry: map[string]any{"name": "a.txt", "type": "base64", "src": encoded}, ctype: "text/plain"},
		{name: "data uri", entry: map[string]any{"name": "a.bin", "src": "data:text/csv;base64," + encoded}, ctype: "text/csv"},
		{name: "plain data uri", entry: map[string]any{"name": "a.bin", "src": "data:text/csv,hello"}, ctype: "text/csv"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, ok, err := pendingPayload(tc.entry)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "hello", string(p.data))
			assert.Equal(t, tc.ctype, p.contentType)
		})
	}

	_, ok, err := pendingPayload(map[string]any{"src": "https://x/a.png", "path": "p"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = pendingPayload(map[string]any{"rawFile": "aGk="})
	assert.Error(t, err, "inline payload without a name")
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://x")
	r, _ := newReconciler(objects)
	submitted := []any{
		map[string]any{"name": "a.txt", "rawFile": []byte("alpha")},
		map[string]any{"name": "b.txt", "rawFile": []byte("beta")},
		map[string]any{"src": "https://elsewhere/c.txt"},
	}
	req := Request{ResourcePath: "docs", RecordID: "1", Field: "files", Submitted: submitted, SubmittedSet: true}

	first, _, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Uploaded, 2)
	puts, deletes := objects.Puts(), objects.Deletes()

	req.Previous = first.Value
	second, _, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.Uploaded)
	assert.Empty(t, second.Orphans)
	assert.Equal(t, 2, second.Reused)
	assert.Equal(t, puts, objects.Puts())
	assert.Equal(t, deletes, objects.Deletes())
	assert.Equal(t, first.Value, second.Value)
}

func TestReplacingContentAtSamePathKeepsNewObject(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://x")
	r, _ := newReconciler(objects)
	req := Request{ResourcePath: "docs", RecordID: "1", Field: "file", SubmittedSet: true}

	req.Submitted = map[string]any{"name": "a.txt", "rawFile": []byte("v1")}
	first, _, err := r.Reconcile(ctx, req)
	require.NoError(t, err)

	req.Previous = first.Value
	req.Submitted = map[string]any{"name": "a.txt", "rawFile": []byte("v2")}
	second, _, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.Orphans)

	stored, ok := objects.Get("docs/1/file/a.txt")
	require.True(t, ok)
	assert.Equal(t, "v2", string(stored))
}

func TestOrphansByHashAndSrc(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://x")
	for _, p := range []string{"d/1/f/keep", "d/1/f/by-src", "d/1/f/by-hash"} {
		_, err := objects.Put(ctx, p, []byte(p), "text/plain")
		require.NoError(t, err)
	}
	r, _ := newReconciler(objects)
	previous := []any{
		map[string]any{"src": "https://x/keep", "md5Hash": "K", "path": "d/1/f/keep"},
		map[string]any{"src": "https://x/by-src", "path": "d/1/f/by-src"},
		map[string]any{"src": "https://x/keep", "md5Hash": "OLD", "path": "d/1/f/by-hash"},
		map[string]any{"src": "https://x/gone", "md5Hash": "G", "path": "d/1/f/missing"},
	}
	res, _, err := r.Reconcile(ctx, Request{
		ResourcePath: "d", RecordID: "1", Field: "f",
		Submitted:    []any{map[string]any{"src": "https://x/keep", "md5Hash": "K", "path": "d/1/f/keep"}},
		SubmittedSet: true,
		Previous:     previous,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d/1/f/by-src", "d/1/f/by-hash", "d/1/f/missing"}, res.Orphans)

	removed := r.Remove(ctx, "d", "1", "f", res.Orphans)
	assert.ElementsMatch(t, []string{"d/1/f/by-src", "d/1/f/by-hash", "d/1/f/missing"}, removed)
	assert.Equal(t, []string{"d/1/f/keep"}, objects.Paths())
}

func TestUploadFailureIsSurfaced(t *testing.T) {
	objects := blob.NewMemory("https://x")
	boom := errors.New("bucket offline")
	objects.PutErr = func(path string) error {
		if path == "d/1/f/b.txt" {
			return boom
		}
		return nil
	}
	_, err := objects.Put(context.Background(), "d/1/f/old.txt", []byte("old"), "text/plain")
	require.NoError(t, err)
	r, _ := newReconciler(objects)

	_, _, err = r.Reconcile(context.Background(), Request{
		ResourcePath: "d", RecordID: "1", Field: "f",
		Submitted: []any{
			map[string]any{"name": "a.txt", "rawFile": []byte("a")},
			map[string]any{"name": "b.txt", "rawFile": []byte("b")},
		},
		SubmittedSet: true,
		Previous:     map[string]any{"src": "https://x/old", "md5Hash": "O", "path": "d/1/f/old.txt"},
	})
	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, "d/1/f/b.txt", uploadErr.Path)
	assert.ErrorIs(t, err, boom)

	_, stillThere := objects.Get("d/1/f/old.txt")
	assert.True(t, stillThere, "no orphan cleanup after a failed upload")
}

func TestCleanupFailureIsCountedNotReturned(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://x")
	objects.DeleteErr = func(string) error { return errors.New("permission denied") }
	r, rec := newReconciler(objects)

	res, _, err := r.Reconcile(ctx, Request{
		ResourcePath: "d", RecordID: "1", Field: "f",
		Submitted:    nil,
		SubmittedSet: true,
		Previous:     map[string]any{"src": "https://x/a", "path": "d/1/f/a"},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Value)
	assert.Equal(t, []string{"d/1/f/a"}, res.Orphans)

	assert.Empty(t, r.Remove(ctx, "d", "1", "f", res.Orphans))
	assert.Equal(t, int64(1), rec.failed.Load())
}

func TestURLEntriesArePassedThrough(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://x")
	r, _ := newReconciler(objects)

	res, changed, err := r.Reconcile(ctx, Request{
		ResourcePath: "posts", RecordID: "1", Field: "cover",
		Submitted:    "https://cdn.test/a.png",
		SubmittedSet: true,
	})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "https://cdn.test/a.png", res.Value)
	assert.Empty(t, res.Uploaded)

	res, _, err = r.Reconcile(ctx, Request{
		ResourcePath: "posts", RecordID: "1", Field: "gallery",
		Submitted: []any{
			"https://cdn.test/a.png",
			nil,
			map[string]any{"name": "b.txt", "rawFile": []byte("b")},
		},
		SubmittedSet: true,
	})
	require.NoError(t, err)
	entries, ok := res.Value.([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, "https://cdn.test/a.png", entries[0])
	assert.Equal(t, "posts/1/gallery/b.txt", entries[1].(map[string]any)["path"])
}

func TestInvalidPayloadIndexCountsURLEntries(t *testing.T) {
	r, _ := newReconciler(blob.NewMemory("https://x"))
	_, _, err := r.Reconcile(context.Background(), Request{
		ResourcePath: "posts", RecordID: "1", Field: "gallery",
		Submitted: []any{
			"https://cdn.test/a.png",
			map[string]any{"rawFile": "aGk="},
		},
		SubmittedSet: true,
	})
	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, 1, payloadErr.Index)
}

func TestKeptURLIsNotAnOrphan(t *testing.T) {
	r, _ := newReconciler(blob.NewMemory("https://x"))
	res, _, err := r.Reconcile(context.Background(), Request{
		ResourcePath: "d", RecordID: "1", Field: "f",
		Submitted:    []any{"https://x/a"},
		SubmittedSet: true,
		Previous:     []any{map[string]any{"src": "https://x/a", "path": "d/1/f/a"}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Orphans)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	objects := blob.NewMemory("https://x")
	_, err := objects.Put(ctx, "d/1/f/a", []byte("a"), "text/plain")
	require.NoError(t, err)
	r, _ := newReconciler(objects)

	removed := r.Purge(ctx, "d", "1", "f", []any{
		map[string]any{"path": "d/1/f/a"},
		map[string]any{"path": "d/1/f/already-gone"},
		nil,
	})
	assert.ElementsMatch(t, []string{"d/1/f/a", "d/1/f/already-gone"}, removed)
	assert.Empty(t, objects.Paths())
}

func TestPublicURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{in: "https://x/b/a.png?token=abc", want: "https://x/b/a.png"},
		{in: "https://s3/b/a.png?X-Amz-Signature=s&X-Amz-Expires=60", want: "https://s3/b/a.png"},
		{in: "https://storage/o/a.png?alt=media&token=1", want: "https://storage/o/a.png?alt=media"},
		{in: "https://x/plain.png", want: "https://x/plain.png"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PublicURL(tc.in), tc.in)
	}
}

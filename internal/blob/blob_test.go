package blob

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentMD5(t *testing.T) {
	// md5("hello") = 5d41402abc4b2a76b9719d911017c592
	assert.Equal(t, "XUFAKrxLKna5cZ2REBfFkg==", ContentMD5([]byte("hello")))
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("https://objects.test/bucket")

	obj, err := m.Put(ctx, "posts/1/cover/a.png", []byte("hello"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "posts/1/cover/a.png", obj.Path)
	assert.Equal(t, ContentMD5([]byte("hello")), obj.MD5Hash)
	assert.True(t, strings.HasPrefix(obj.URL, "https://objects.test/bucket/posts/1/cover/a.png?token="))

	data, ok := m.Get("posts/1/cover/a.png")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, m.Delete(ctx, "posts/1/cover/a.png"))
	assert.ErrorIs(t, m.Delete(ctx, "posts/1/cover/a.png"), ErrNotFound)
	_, err = m.URL(ctx, "posts/1/cover/a.png")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.Paths())
	assert.Equal(t, int64(1), m.Puts())
	assert.Equal(t, int64(1), m.Deletes())
}

func TestMinIOIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	endpoint := os.Getenv("TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_S3_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewMinIO(ctx, MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_S3_SECRET_KEY"),
		Bucket:    "docstore-test",
		URLExpiry: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	path := "it/" + time.Now().Format("150405.000000") + "/file.txt"
	obj, err := store.Put(ctx, path, []byte("payload"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, ContentMD5([]byte("payload")), obj.MD5Hash)
	assert.Contains(t, obj.URL, "X-Amz-Signature")

	require.NoError(t, store.Delete(ctx, path))
	assert.ErrorIs(t, store.Delete(ctx, path), ErrNotFound)
}

// Package blob stores attachment bytes in an object store.
package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned when deleting or resolving a missing object.
var ErrNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Path string
	// MD5Hash is the base64 encoded MD5 of the content.
	MD5Hash     string
	Size        int64
	ContentType string
	// URL is token-bearing; callers that expose it strip the token.
	URL string
}

// Store is the object store used by attachment reconciliation.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (Object, error)
	Delete(ctx context.Context, path string) error
	URL(ctx context.Context, path string) (string, error)
}

// ContentMD5 returns the base64 MD5 digest used as an attachment's content hash.
func ContentMD5(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type memoryObject struct {
	data        []byte
	contentType string
}

// Memory is an in-process object store for tests and local runs.
type Memory struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string]memoryObject
	tokens  atomic.Int64
	puts    atomic.Int64
	deletes atomic.Int64

	// PutErr and DeleteErr, when set, are returned for the matching path.
	PutErr    func(path string) error
	DeleteErr func(path string) error
}

// NewMemory returns an empty in-memory store resolving URLs under baseURL.
func NewMemory(baseURL string) *Memory {
	return &Memory{BaseURL: baseURL, objects: map[string]memoryObject{}}
}

func (m *Memory) Put(ctx context.Context, path string, data []byte, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if m.PutErr != nil {
		if err := m.PutErr(path); err != nil {
			return Object{}, err
		}
	}
	m.mu.Lock()
	m.objects[path] = memoryObject{data: bytes.Clone(data), contentType: contentType}
	m.mu.Unlock()
	m.puts.Add(1)

	u, err := m.URL(ctx, path)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Path:        path,
		MD5Hash:     ContentMD5(data),
		Size:        int64(len(data)),
		ContentType: contentType,
		URL:         u,
	}, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.DeleteErr != nil {
		if err := m.DeleteErr(path); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return fmt.Errorf("delete %s: %w", path, ErrNotFound)
	}
	delete(m.objects, path)
	m.deletes.Add(1)
	return nil
}

func (m *Memory) URL(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	_, ok := m.objects[path]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("resolve %s: %w", path, ErrNotFound)
	}
	u, err := url.JoinPath(m.BaseURL, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return fmt.Sprintf("%s?token=t%d", u, m.tokens.Add(1)), nil
}

// Get returns the stored bytes.
func (m *Memory) Get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[path]
	return obj.data, ok
}

// Paths lists stored paths in sorted order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Puts and Deletes count successful operations.
func (m *Memory) Puts() int64    { return m.puts.Load() }
func (m *Memory) Deletes() int64 { return m.deletes.Load() }

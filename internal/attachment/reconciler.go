package attachment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"docstore/api/internal/blob"
	"docstore/api/internal/value"
)

const maxConcurrentUploads = 8

// Recorder receives attachment lifecycle events.
type Recorder interface {
	AttachmentUploaded(resource string)
	AttachmentDeleted(resource string)
	AttachmentCleanupFailed(resource string)
}

type nopRecorder struct{}

func (nopRecorder) AttachmentUploaded(string)      {}
func (nopRecorder) AttachmentDeleted(string)       {}
func (nopRecorder) AttachmentCleanupFailed(string) {}

// Reconciler uploads pending attachment payloads and removes orphaned
// objects. The zero value is not usable; Objects must be set.
type Reconciler struct {
	Objects blob.Store
	Logger  zerolog.Logger
	Clock   func() time.Time
	Metrics Recorder
}

// Request describes one upload field of one record write.
type Request struct {
	ResourcePath string
	RecordID     string
	Field        string
	// Submitted is the field value of the write payload. SubmittedSet is
	// false when the payload does not mention the field at all; such a field
	// is left untouched.
	Submitted    any
	SubmittedSet bool
	Previous     any
}

// Result is the reconciled field.
type Result struct {
	// Value keeps the submitted shape: a []any for sequences, a single
	// entry or nil otherwise.
	Value    any
	Uploaded []File
	Reused   int
	// Orphans are previous object paths Value no longer references. They
	// are left in place until the caller's write is durable; see Remove.
	Orphans []string
}

// UploadError reports a failed object store write. The record write that
// carried the attachment must not proceed.
type UploadError struct {
	Field string
	Path  string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s to %s: %v", e.Field, e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ObjectPath is where an upload for the given record field is stored.
func ObjectPath(resourcePath, recordID, field, name string) string {
	return resourcePath + "/" + recordID + "/" + field + "/" + name
}

// Reconcile uploads the pending entries of req.Submitted, reuses previously
// stored entries with identical content and reports previous objects the
// result no longer references. Entries that are not mappings, such as plain
// URL strings, are kept as submitted. The boolean result is false when there
// is nothing to reconcile.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (Result, bool, error) {
	if !req.SubmittedSet {
		return Result{}, false, nil
	}
	submitted, isSeq := entriesOf(req.Submitted)
	previous := files(req.Previous)
	if req.Submitted == nil && len(previous) == 0 {
		return Result{}, false, nil
	}

	log := r.fieldLogger(req.ResourcePath, req.RecordID, req.Field)

	byHash := map[string]map[string]any{}
	for _, prev := range previous {
		if prev.MD5Hash != "" && prev.Path != "" {
			byHash[prev.MD5Hash] = prev.entry
		}
	}

	entries := make([]any, len(submitted))
	type pending struct {
		index int
		payload
	}
	var uploads []pending
	reused := 0
	for i, entry := range submitted {
		m, isMap := value.Map(entry)
		if !isMap {
			entries[i] = entry
			continue
		}
		p, ok, err := pendingPayload(m)
		if err != nil {
			return Result{}, true, &PayloadError{Field: req.Field, Index: i, Err: err}
		}
		if !ok {
			entries[i] = entry
			continue
		}
		if prev, seen := byHash[blob.ContentMD5(p.data)]; seen {
			entries[i] = prev
			reused++
			continue
		}
		uploads = append(uploads, pending{index: i, payload: p})
	}

	uploaded := make([]File, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for n, u := range uploads {
		g.Go(func() error {
			f, err := r.upload(gctx, log, req, u.payload)
			if err != nil {
				return err
			}
			uploaded[n] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, true, err
	}
	for n, u := range uploads {
		entries[u.index] = uploaded[n].Map()
		r.recorder().AttachmentUploaded(req.ResourcePath)
	}

	res := Result{Uploaded: uploaded, Reused: reused, Orphans: orphans(previous, entries)}
	switch {
	case isSeq:
		res.Value = entries
	case len(entries) > 0:
		res.Value = entries[0]
	}
	return res, true, nil
}

func (r *Reconciler) upload(ctx context.Context, log zerolog.Logger, req Request, p payload) (File, error) {
	objectPath := ObjectPath(req.ResourcePath, req.RecordID, req.Field, p.name)
	obj, err := r.Objects.Put(ctx, objectPath, p.data, p.contentType)
	if err != nil {
		return File{}, &UploadError{Field: req.Field, Path: objectPath, Err: err}
	}

	f := File{
		Name:       p.name,
		Src:        PublicURL(obj.URL),
		Type:       p.contentType,
		MD5Hash:    blob.ContentMD5(p.data),
		Path:       objectPath,
		UploadedAt: r.now().UnixMilli(),
	}
	if w, h, err := probeImage(p.contentType, p.data); err != nil {
		log.Warn().Err(err).Str("path", objectPath).Msg("image dimensions unavailable")
	} else {
		f.Width, f.Height = w, h
	}
	log.Debug().Str("path", objectPath).Int("bytes", len(p.data)).Msg("attachment uploaded")
	return f, nil
}

// orphans lists previous object paths whose src or content hash is no
// longer referenced by result. Paths still referenced by result are kept,
// which protects an upload that replaced an object at the same path.
func orphans(previous []storedFile, result []any) []string {
	srcs, hashes, paths := map[string]bool{}, map[string]bool{}, map[string]bool{}
	for _, entry := range result {
		if f, ok := FileOf(entry); ok {
			srcs[f.Src] = true
			hashes[f.MD5Hash] = true
			paths[f.Path] = true
		} else if src, ok := entry.(string); ok {
			srcs[src] = true
		}
	}

	var out []string
	scheduled := map[string]bool{}
	for _, prev := range previous {
		orphan := (prev.Src != "" && !srcs[prev.Src]) || (prev.MD5Hash != "" && !hashes[prev.MD5Hash])
		if !orphan || prev.Path == "" || paths[prev.Path] || scheduled[prev.Path] {
			continue
		}
		scheduled[prev.Path] = true
		out = append(out, prev.Path)
	}
	return out
}

// Remove deletes orphaned objects reported by Reconcile and returns the
// paths that are gone.
func (r *Reconciler) Remove(ctx context.Context, resourcePath, recordID, field string, paths []string) []string {
	return r.deletePaths(ctx, r.fieldLogger(resourcePath, recordID, field), resourcePath, paths)
}

// deletePaths removes every path concurrently. Missing objects count as
// removed; other failures are logged and counted.
func (r *Reconciler) deletePaths(ctx context.Context, log zerolog.Logger, resource string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	var (
		mu      sync.Mutex
		removed []string
		g       errgroup.Group
	)
	for _, p := range paths {
		g.Go(func() error {
			err := r.Objects.Delete(ctx, p)
			switch {
			case err == nil:
				r.recorder().AttachmentDeleted(resource)
			case errors.Is(err, blob.ErrNotFound):
				log.Debug().Str("path", p).Msg("orphaned attachment already gone")
			default:
				r.recorder().AttachmentCleanupFailed(resource)
				log.Error().Err(err).Str("path", p).Msg("delete orphaned attachment")
				return nil
			}
			mu.Lock()
			removed = append(removed, p)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return removed
}

// Purge deletes every stored object referenced by a field value.
func (r *Reconciler) Purge(ctx context.Context, resourcePath, recordID, field string, previous any) []string {
	var paths []string
	seen := map[string]bool{}
	for _, f := range files(previous) {
		if f.Path != "" && !seen[f.Path] {
			seen[f.Path] = true
			paths = append(paths, f.Path)
		}
	}
	return r.Remove(ctx, resourcePath, recordID, field, paths)
}

func (r *Reconciler) fieldLogger(resourcePath, recordID, field string) zerolog.Logger {
	return r.Logger.With().
		Str("resource", resourcePath).
		Str("record", recordID).
		Str("field", field).
		Logger()
}

func (r *Reconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Reconciler) recorder() Recorder {
	if r.Metrics != nil {
		return r.Metrics
	}
	return nopRecorder{}
}

// entriesOf coerces a field value to a sequence of entries, dropping null
// members. isSeq reports whether v was a sequence.
func entriesOf(v any) (entries []any, isSeq bool) {
	if v == nil {
		return nil, false
	}
	items, isSeq := value.Seq(v)
	if !isSeq {
		return []any{v}, false
	}
	entries = make([]any, 0, len(items))
	for _, item := range items {
		if item != nil {
			entries = append(entries, item)
		}
	}
	return entries, true
}

// storedFile is a previous entry that carries stored attachment metadata.
type storedFile struct {
	File
	entry map[string]any
}

// files collects the non-empty mapping entries of a stored field value.
func files(v any) []storedFile {
	entries, _ := entriesOf(v)
	var out []storedFile
	for _, entry := range entries {
		m, ok := value.Map(entry)
		if !ok || len(m) == 0 {
			continue
		}
		f, _ := FileOf(m)
		out = append(out, storedFile{File: f, entry: m})
	}
	return out
}

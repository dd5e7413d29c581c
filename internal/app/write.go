package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"docstore/api/internal/attachment"
	"docstore/api/internal/diff"
	"docstore/api/internal/reconcile"
	"docstore/api/internal/resource"
	"docstore/api/internal/store"
	"docstore/api/internal/value"
)

// Create stores a new record. The id comes from data.id or is generated.
func (s *Service) Create(ctx context.Context, resourceName string, data map[string]any) (_ map[string]any, err error) {
	defer s.observe("create", resourceName, time.Now(), &err)

	cfg, err := s.resources.Lookup(resourceName)
	if err != nil {
		return nil, err
	}
	id := recordID(data, "")
	if id == "" {
		id = s.newID()
	}

	payload, orphans, err := s.reconcileAttachments(ctx, cfg, id, data, nil)
	if err != nil {
		return nil, err
	}
	parent, children := splitCollections(cfg, payload)
	parent = cfg.ProjectWrite(parent)
	parent["id"] = id

	batch := s.store.Batch()
	batch.Set(cfg.Path, id, parent)
	ops, err := s.stageChildren(ctx, batch, cfg, id, children)
	if err != nil {
		return nil, err
	}
	if err := reconcile.Commit(ctx, batch, cfg.Path, ops+1); err != nil {
		return nil, err
	}
	s.removeOrphans(ctx, cfg, id, orphans)

	out, err := s.readRecord(ctx, cfg, id)
	if err != nil {
		return nil, err
	}
	s.mirror.Index(cfg.SearchIndex(), id, out)
	return out, nil
}

// Update writes data to the record. With previousData, and an existing
// record, only the top-level keys that differ are written. A record that
// does not exist yet is created from data.
//
// The read of the existing record and the write are not atomic: two
// concurrent updates of one record can lose one of them.
func (s *Service) Update(ctx context.Context, resourceName, id string, data, previousData map[string]any) (_ map[string]any, err error) {
	defer s.observe("update", resourceName, time.Now(), &err)

	cfg, err := s.resources.Lookup(resourceName)
	if err != nil {
		return nil, err
	}
	id = recordID(data, id)
	if id == "" {
		return nil, domainError(http.StatusBadRequest, "MISSING_ID", "Record id is required", nil)
	}

	existing, err := s.store.Get(ctx, cfg.Path, id)
	exists := err == nil
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("get %s/%s: %w", cfg.Name, id, err)
	}

	var payload map[string]any
	if exists && previousData != nil {
		patch, _ := diff.Diff(previousData, data)
		payload = patch.Without("id")
	} else {
		payload = diff.Patch(copyMap(data)).Without("id")
	}

	var stored map[string]any
	if exists {
		stored = cfg.ProjectRead(existing.Data)
	}
	payload, orphans, err := s.reconcileAttachments(ctx, cfg, id, payload, stored)
	if err != nil {
		return nil, err
	}
	parent, children := splitCollections(cfg, payload)

	batch := s.store.Batch()
	ops := 0
	switch {
	case !exists:
		parent = cfg.ProjectWrite(parent)
		parent["id"] = id
		batch.Set(cfg.Path, id, parent)
		ops++
	case len(parent) > 0:
		batch.Update(cfg.Path, id, cfg.ProjectWrite(parent))
		ops++
	}
	n, err := s.stageChildren(ctx, batch, cfg, id, children)
	if err != nil {
		return nil, err
	}
	ops += n
	if ops > 0 {
		if err := reconcile.Commit(ctx, batch, cfg.Path, ops); err != nil {
			return nil, err
		}
	}
	s.removeOrphans(ctx, cfg, id, orphans)

	out, err := s.readRecord(ctx, cfg, id)
	if err != nil {
		return nil, err
	}
	if ops > 0 {
		s.mirror.Index(cfg.SearchIndex(), id, out)
	}
	return out, nil
}

// UpdateMany applies data to every id concurrently. Any failure fails the
// call; updates that already succeeded stay applied.
func (s *Service) UpdateMany(ctx context.Context, resourceName string, ids []string, data map[string]any) ([]string, error) {
	if _, err := s.resources.Lookup(resourceName); err != nil {
		return nil, err
	}
	body := diff.Patch(data).Without("id")

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.Update(gctx, resourceName, id, copyMap(body), nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append([]string{}, ids...), nil
}

// Delete removes a record, its child collections and its attachment
// objects. Attachments are resolved from previousData when given, else from
// the stored record. Deleting a missing record succeeds.
func (s *Service) Delete(ctx context.Context, resourceName, id string, previousData map[string]any) (_ map[string]any, err error) {
	defer s.observe("delete", resourceName, time.Now(), &err)

	cfg, err := s.resources.Lookup(resourceName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, domainError(http.StatusBadRequest, "MISSING_ID", "Record id is required", nil)
	}

	previous := previousData
	if previous == nil {
		doc, err := s.store.Get(ctx, cfg.Path, id)
		switch {
		case err == nil:
			previous = output(cfg, doc)
		case isNotFound(err):
			previous = map[string]any{}
		default:
			return nil, fmt.Errorf("get %s/%s: %w", cfg.Name, id, err)
		}
	}

	if s.files != nil {
		for _, field := range cfg.UploadFields {
			if v, ok := previous[field]; ok && v != nil {
				s.files.Purge(ctx, cfg.Path, id, field, v)
			}
		}
	}

	batch := s.store.Batch()
	batch.Delete(cfg.Path, id)
	ops := 1
	for _, field := range cfg.Collections {
		collection := cfg.ChildCollection(id, field)
		children, err := s.store.List(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("list %s of %s/%s: %w", field, cfg.Name, id, err)
		}
		for _, child := range children {
			batch.Delete(collection, child.ID)
			ops++
		}
	}
	if err := reconcile.Commit(ctx, batch, cfg.Path, ops); err != nil {
		return nil, err
	}
	s.mirror.Remove(cfg.SearchIndex(), id)

	out := copyMap(previous)
	if v, ok := out["id"]; !ok || v == nil {
		out["id"] = id
	}
	return out, nil
}

// DeleteMany deletes every id concurrently. Any failure fails the call.
func (s *Service) DeleteMany(ctx context.Context, resourceName string, ids []string) ([]string, error) {
	if _, err := s.resources.Lookup(resourceName); err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.Delete(gctx, resourceName, id, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append([]string{}, ids...), nil
}

// fieldOrphans maps an upload field to object paths its new value no
// longer references.
type fieldOrphans map[string][]string

// reconcileAttachments runs the attachment reconciler for every upload
// field of cfg concurrently and merges the reconciled values into a copy of
// payload. previous is the stored record in output shape, or nil. Orphaned
// objects are returned rather than deleted: they are still referenced by
// the stored record until the write commits.
func (s *Service) reconcileAttachments(ctx context.Context, cfg resource.Config, id string, payload, previous map[string]any) (map[string]any, fieldOrphans, error) {
	out := copyMap(payload)
	if s.files == nil || len(cfg.UploadFields) == 0 {
		return out, nil, nil
	}

	type fieldResult struct {
		value   any
		changed bool
		orphans []string
	}
	results := make([]fieldResult, len(cfg.UploadFields))
	g, gctx := errgroup.WithContext(ctx)
	for i, field := range cfg.UploadFields {
		submitted, set := payload[field]
		if !set {
			continue
		}
		g.Go(func() error {
			res, changed, err := s.files.Reconcile(gctx, attachment.Request{
				ResourcePath: cfg.Path,
				RecordID:     id,
				Field:        field,
				Submitted:    submitted,
				SubmittedSet: true,
				Previous:     previous[field],
			})
			if err != nil {
				return err
			}
			results[i] = fieldResult{value: res.Value, changed: changed, orphans: res.Orphans}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	orphans := fieldOrphans{}
	for i, field := range cfg.UploadFields {
		if results[i].changed {
			out[field] = results[i].value
		}
		if len(results[i].orphans) > 0 {
			orphans[field] = results[i].orphans
		}
	}
	return out, orphans, nil
}

// removeOrphans deletes objects left unreferenced by a committed write.
func (s *Service) removeOrphans(ctx context.Context, cfg resource.Config, id string, orphans fieldOrphans) {
	for field, paths := range orphans {
		s.files.Remove(ctx, cfg.Path, id, field, paths)
	}
}

// splitCollections moves the sub-collection fields of payload out of the
// parent record.
func splitCollections(cfg resource.Config, payload map[string]any) (parent, children map[string]any) {
	parent = copyMap(payload)
	children = map[string]any{}
	for _, field := range cfg.Collections {
		if v, ok := parent[field]; ok {
			children[field] = v
			delete(parent, field)
		}
	}
	return parent, children
}

// stageChildren reconciles each submitted sub-collection against what is
// stored and queues the plan into batch. A null field clears the
// collection. Children without an id get a generated one.
func (s *Service) stageChildren(ctx context.Context, batch store.Batch, cfg resource.Config, id string, children map[string]any) (int, error) {
	ops := 0
	for _, field := range cfg.Collections {
		submitted, ok := children[field]
		if !ok {
			continue
		}
		var items []any
		if submitted != nil {
			seq, isSeq := value.Seq(submitted)
			if !isSeq {
				return 0, domainError(http.StatusBadRequest, "INVALID_RECORDS", fmt.Sprintf("%s must be a list of records", field), nil)
			}
			items = seq
		}

		records := make([]reconcile.Record, 0, len(items))
		for i, item := range items {
			m, ok := value.Map(item)
			if !ok {
				return 0, domainError(http.StatusBadRequest, "INVALID_RECORDS", fmt.Sprintf("%s[%d] is not a record", field, i), nil)
			}
			rec := reconcile.Record(copyMap(m))
			if _, ok := rec.ID(); !ok {
				rec["id"] = s.newID()
			}
			records = append(records, rec)
		}
		desired, err := reconcile.Index(records)
		if err != nil {
			return 0, domainError(http.StatusBadRequest, "INVALID_RECORDS", fmt.Sprintf("%s: %v", field, err), nil)
		}

		collection := cfg.ChildCollection(id, field)
		stored, err := s.store.List(ctx, collection)
		if err != nil {
			return 0, fmt.Errorf("list %s of %s/%s: %w", field, cfg.Name, id, err)
		}
		existing := make(map[string]reconcile.Record, len(stored))
		for _, doc := range stored {
			existing[doc.ID] = doc.Data
		}

		plan := reconcile.Reconcile(desired, existing)
		reconcile.Stage(batch, collection, plan)
		ops += plan.Len()
	}
	return ops, nil
}

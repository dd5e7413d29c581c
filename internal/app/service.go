package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"docstore/api/internal/attachment"
	"docstore/api/internal/metrics"
	"docstore/api/internal/resource"
	"docstore/api/internal/search"
	"docstore/api/internal/store"
	"docstore/api/internal/util"
	"docstore/api/internal/value"
)

// Service is the data provider: the nine record operations over the
// resources of a registry.
type Service struct {
	store     store.Documents
	resources *resource.Registry
	files     *attachment.Reconciler
	mirror    *search.Mirror
	metrics   *metrics.Metrics
	log       zerolog.Logger
	newID     func() string
}

type Options struct {
	Store     store.Documents
	Resources *resource.Registry
	Files     *attachment.Reconciler
	// Mirror is optional; without it records are not indexed for search.
	Mirror  *search.Mirror
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// NewID generates record ids. Defaults to util.NewID("").
	NewID func() string
}

func NewService(opts Options) *Service {
	s := &Service{
		store:     opts.Store,
		resources: opts.Resources,
		files:     opts.Files,
		mirror:    opts.Mirror,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "service").Logger(),
		newID:     opts.NewID,
	}
	if s.newID == nil {
		s.newID = func() string { return util.NewID("") }
	}
	if s.resources == nil {
		s.resources, _ = resource.NewRegistry()
	}
	return s
}

// Ping checks the backing store when it supports it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Wait blocks until background search mirroring has drained.
func (s *Service) Wait() {
	s.mirror.Wait()
}

func (s *Service) observe(operation, resource string, started time.Time, err *error) {
	s.metrics.RecordOperation(operation, resource, time.Since(started), *err)
	if *err != nil {
		s.log.Debug().Err(*err).Str("operation", operation).Str("resource", resource).Msg("operation failed")
	}
}

// GetOne returns a single record with its sub-collections attached.
func (s *Service) GetOne(ctx context.Context, resourceName, id string) (_ map[string]any, err error) {
	defer s.observe("getOne", resourceName, time.Now(), &err)

	cfg, err := s.resources.Lookup(resourceName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, domainError(http.StatusBadRequest, "MISSING_ID", "Record id is required", nil)
	}
	return s.readRecord(ctx, cfg, id)
}

// readRecord loads id, attaches its child collections and projects it for
// output.
func (s *Service) readRecord(ctx context.Context, cfg resource.Config, id string) (map[string]any, error) {
	doc, err := s.store.Get(ctx, cfg.Path, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", cfg.Name, id, err)
	}
	data := doc.Data
	if len(cfg.Collections) > 0 {
		data = copyMap(data)
		for _, field := range cfg.Collections {
			children, err := s.store.List(ctx, cfg.ChildCollection(id, field))
			if err != nil {
				return nil, fmt.Errorf("list %s of %s/%s: %w", field, cfg.Name, id, err)
			}
			items := make([]any, 0, len(children))
			for _, child := range children {
				items = append(items, child.WithID())
			}
			data[field] = items
		}
	}
	return output(cfg, store.Document{ID: doc.ID, Data: data}), nil
}

// output applies the read projection and backfills id from the store key.
func output(cfg resource.Config, doc store.Document) map[string]any {
	out := cfg.ProjectRead(doc.Data)
	if v, ok := out["id"]; !ok || v == nil {
		out["id"] = doc.ID
	}
	return out
}

// recordID picks the explicit data id over the fallback.
func recordID(data map[string]any, fallback string) string {
	if v, ok := data["id"]; ok && v != nil {
		if id := value.Text(v); id != "" {
			return id
		}
	}
	return fallback
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

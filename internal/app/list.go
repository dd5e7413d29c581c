package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"docstore/api/internal/filter"
	"docstore/api/internal/query"
	"docstore/api/internal/resource"
	"docstore/api/internal/store"
	"docstore/api/internal/value"
)

// getManyChunk bounds the id list of one pushed-down getMany query.
const getManyChunk = 10

type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"perPage"`
}

type Sort struct {
	Field string `json:"field"`
	Order string `json:"order"` // ASC or DESC
}

type ListParams struct {
	// Pagination nil means page 1 of 10. PerPage <= 0 returns every match.
	Pagination *Pagination
	Sort       *Sort
	Filter     map[string]any
}

type ListResult struct {
	Data  []map[string]any `json:"data"`
	Total int              `json:"total"`
}

// GetList filters, sorts and pages a resource. Pushable constraints are
// evaluated by the store; the residual runs in memory.
func (s *Service) GetList(ctx context.Context, resourceName string, params ListParams) (_ ListResult, err error) {
	defer s.observe("getList", resourceName, time.Now(), &err)

	cfg, err := s.resources.Lookup(resourceName)
	if err != nil {
		return ListResult{}, err
	}
	docs, err := s.selectDocuments(ctx, cfg, cfg.ListFilter(params.Filter))
	if err != nil {
		return ListResult{}, err
	}

	sortDocuments(docs, params.Sort)
	total := len(docs)
	docs = paginate(docs, params.Pagination)

	out := ListResult{Data: make([]map[string]any, 0, len(docs)), Total: total}
	for _, doc := range docs {
		out.Data = append(out.Data, output(cfg, doc))
	}
	return out, nil
}

// selectDocuments returns the documents of cfg matching args. Free-text
// queries scan the collection; structured filters push what they can.
func (s *Service) selectDocuments(ctx context.Context, cfg resource.Config, args map[string]any) ([]store.Document, error) {
	fields := cfg.FieldMap()

	if q, ok := filter.FreeTextQuery(args); ok {
		s.metrics.RecordListMode(cfg.Name, "freetext")
		match := filter.FreeText(q)
		if len(cfg.Filter) > 0 {
			static, err := filter.Compile(filter.Prepare(cfg.Filter), fields)
			if err != nil {
				return nil, err
			}
			text := match
			match = func(doc map[string]any) bool { return static(doc) && text(doc) }
		}
		docs, err := s.store.List(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", cfg.Name, err)
		}
		return keep(docs, match), nil
	}

	tree := filter.Prepare(filter.WithoutQuery(args))
	match, err := filter.Compile(tree, fields)
	if err != nil {
		return nil, err
	}
	tr, err := query.Translate(tree, fields)
	if err != nil {
		return nil, err
	}

	if !tr.Pushed() {
		s.metrics.RecordListMode(cfg.Name, "scan")
		docs, err := s.store.List(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", cfg.Name, err)
		}
		return keep(docs, match), nil
	}

	s.metrics.RecordListMode(cfg.Name, "native")
	residual, err := filter.Compile(tr.Residual, fields)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, cfg.Path, tr.Clauses)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", cfg.Name, err)
	}
	return keep(docs, residual), nil
}

func keep(docs []store.Document, match filter.Predicate) []store.Document {
	out := docs[:0]
	for _, doc := range docs {
		if match(doc.WithID()) {
			out = append(out, doc)
		}
	}
	return out
}

// sortDocuments orders docs by a dotted field path. Missing and null values
// sort last in either direction; values of different kinds group by kind.
func sortDocuments(docs []store.Document, by *Sort) {
	if by == nil || by.Field == "" {
		return
	}
	path := strings.Split(by.Field, ".")
	desc := strings.EqualFold(by.Order, "DESC")

	type keyed struct {
		doc     store.Document
		key     any
		present bool
	}
	items := make([]keyed, len(docs))
	for i, doc := range docs {
		k, ok := value.LookupPath(doc.WithID(), path)
		items[i] = keyed{doc: doc, key: k, present: ok && k != nil}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.present || !b.present {
			return a.present && !b.present
		}
		cmp, ok := value.Compare(a.key, b.key)
		if !ok {
			return value.KindOf(a.key) < value.KindOf(b.key)
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	for i := range items {
		docs[i] = items[i].doc
	}
}

func paginate(docs []store.Document, p *Pagination) []store.Document {
	page, perPage := 1, 10
	if p != nil {
		page, perPage = p.Page, p.PerPage
		if page < 1 {
			page = 1
		}
	}
	if perPage <= 0 {
		return docs
	}
	start := (page - 1) * perPage
	if start >= len(docs) {
		return nil
	}
	end := start + perPage
	if end > len(docs) {
		end = len(docs)
	}
	return docs[start:end]
}

// GetMany returns the records with the given ids. Ids are queried in chunks
// so each store query carries a bounded membership list; missing ids are
// skipped.
func (s *Service) GetMany(ctx context.Context, resourceName string, ids []string) (_ []map[string]any, err error) {
	defer s.observe("getMany", resourceName, time.Now(), &err)

	cfg, err := s.resources.Lookup(resourceName)
	if err != nil {
		return nil, err
	}

	var chunks [][]string
	for start := 0; start < len(ids); start += getManyChunk {
		end := start + getManyChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	results := make([][]store.Document, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			members := make([]any, len(chunk))
			for j, id := range chunk {
				members[j] = id
			}
			tr, err := query.Translate(map[string]any{
				query.IDField: map[string]any{string(filter.OpIn): members},
			}, cfg.FieldMap())
			if err != nil {
				return err
			}
			docs, err := s.store.Query(gctx, cfg.Path, tr.Clauses)
			if err != nil {
				return fmt.Errorf("query %s: %w", cfg.Name, err)
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(ids))
	for _, docs := range results {
		for _, doc := range docs {
			out = append(out, output(cfg, doc))
		}
	}
	return out, nil
}

// GetManyReference lists the records whose target field equals id.
func (s *Service) GetManyReference(ctx context.Context, resourceName, target, id string, params ListParams) (ListResult, error) {
	if target == "" {
		return ListResult{}, domainError(http.StatusBadRequest, "MISSING_TARGET", "Reference target is required", nil)
	}
	f := make(map[string]any, len(params.Filter)+1)
	for k, v := range params.Filter {
		f[k] = v
	}
	f[target] = id
	params.Filter = f
	return s.GetList(ctx, resourceName, params)
}

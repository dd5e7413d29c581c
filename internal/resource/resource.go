// Package resource describes the collections the API serves: where each
// one lives in the document store, which fields hold attachments or child
// records, and how records are projected on the way in and out.
package resource

import (
	"errors"
	"fmt"
	"sort"

	"docstore/api/internal/filter"
	"docstore/api/internal/search"
	"docstore/api/internal/value"
)

var ErrUnknown = errors.New("unknown resource")

// Config declares one resource.
type Config struct {
	Name string `yaml:"name"`
	// Path is the store collection. Defaults to Name.
	Path string `yaml:"path"`

	UploadFields []string `yaml:"uploadFields,omitempty"`
	// Collections name array-valued fields persisted as child documents
	// under {path}/{id}/{field}.
	Collections    []string `yaml:"collections,omitempty"`
	IdentityFields []string `yaml:"identityFields,omitempty"`

	// Filter is merged under every list filter. Its equality entries are
	// also stamped onto records read or written.
	Filter map[string]any `yaml:"filter,omitempty"`

	// SaveFilter maps submitted keys to stored keys. When non-empty only the
	// listed keys are written. ReadFilter is the read-side counterpart and
	// defaults to the inverse of SaveFilter.
	SaveFilter map[string]string `yaml:"saveFilter,omitempty"`
	ReadFilter map[string]string `yaml:"readFilter,omitempty"`

	Search *SearchConfig `yaml:"search,omitempty"`
}

type SearchConfig struct {
	Index      string   `yaml:"index"`
	Searchable []string `yaml:"searchable,omitempty"`
	Filterable []string `yaml:"filterable,omitempty"`
}

func (c *Config) normalise() error {
	if c.Name == "" {
		c.Name = c.Path
	}
	if c.Path == "" {
		c.Path = c.Name
	}
	if c.Name == "" {
		return errors.New("resource needs a name or a path")
	}
	if c.ReadFilter == nil && len(c.SaveFilter) > 0 {
		c.ReadFilter = make(map[string]string, len(c.SaveFilter))
		for src, dst := range c.SaveFilter {
			c.ReadFilter[dst] = src
		}
	}
	for _, field := range c.UploadFields {
		if c.IsCollection(field) {
			return fmt.Errorf("resource %s: field %q is both an upload field and a collection", c.Name, field)
		}
	}
	if c.Filter != nil {
		if _, err := filter.Parse(c.Filter, c.FieldMap()); err != nil {
			return fmt.Errorf("resource %s: static filter: %w", c.Name, err)
		}
	}
	return nil
}

// FieldMap returns the identity flags used when compiling filters for this
// resource.
func (c Config) FieldMap() filter.FieldMap {
	fields := filter.DefaultFields()
	for _, f := range c.IdentityFields {
		fields[f] = true
	}
	return fields
}

func (c Config) IsCollection(field string) bool { return contains(c.Collections, field) }

// ChildCollection is the store collection holding field's child records.
func (c Config) ChildCollection(id, field string) string {
	return c.Path + "/" + id + "/" + field
}

// ListFilter merges the static filter under request: request keys win.
func (c Config) ListFilter(request map[string]any) map[string]any {
	if len(c.Filter) == 0 {
		return request
	}
	merged := make(map[string]any, len(c.Filter)+len(request))
	for k, v := range c.Filter {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

// StaticValues returns the top-level equality entries of the static filter:
// plain scalars and {eq: scalar}.
func (c Config) StaticValues() map[string]any {
	out := make(map[string]any)
	for k, v := range c.Filter {
		if filter.IsOperator(k) {
			continue
		}
		if m, ok := value.Map(v); ok {
			if len(m) != 1 {
				continue
			}
			eq, ok := m[string(filter.OpEq)]
			if !ok {
				continue
			}
			v = eq
		}
		if value.IsScalar(v) && v != nil {
			out[k] = v
		}
	}
	return out
}

// ProjectWrite applies the save filter and stamps the static values.
func (c Config) ProjectWrite(data map[string]any) map[string]any {
	return c.stamp(project(data, c.SaveFilter))
}

// ProjectRead applies the read filter and stamps the static values.
func (c Config) ProjectRead(data map[string]any) map[string]any {
	return c.stamp(project(data, c.ReadFilter))
}

func (c Config) stamp(data map[string]any) map[string]any {
	for k, v := range c.StaticValues() {
		data[k] = v
	}
	return data
}

// IndexSpec returns the search index declaration, if the resource has one.
func (c Config) IndexSpec() (search.IndexSpec, bool) {
	if c.Search == nil || c.Search.Index == "" {
		return search.IndexSpec{}, false
	}
	return search.IndexSpec{
		UID:        c.Search.Index,
		PrimaryKey: "id",
		Filterable: c.Search.Filterable,
		Searchable: c.Search.Searchable,
	}, true
}

// SearchIndex is the mirror index uid, or "" when the resource is not
// mirrored.
func (c Config) SearchIndex() string {
	if c.Search == nil {
		return ""
	}
	return c.Search.Index
}

func project(data map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(data))
	if len(mapping) == 0 {
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	for src, dst := range mapping {
		if v, ok := data[src]; ok {
			out[dst] = v
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Registry holds the resources a service knows about. It is built once and
// read concurrently.
type Registry struct {
	byName map[string]Config
}

func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{byName: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if err := c.normalise(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate resource %q", c.Name)
		}
		r.byName[c.Name] = c
	}
	return r, nil
}

// Lookup returns the named resource or an error wrapping ErrUnknown.
func (r *Registry) Lookup(name string) (Config, error) {
	c, ok := r.byName[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IndexSpecs lists the search indexes declared across all resources.
func (r *Registry) IndexSpecs() []search.IndexSpec {
	var specs []search.IndexSpec
	for _, name := range r.Names() {
		if spec, ok := r.byName[name].IndexSpec(); ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

package search

import (
	"sync"

	"github.com/rs/zerolog"
)

// Mirror pushes record changes to an Indexer without blocking the caller.
// A nil indexer, or an unhealthy one, turns every call into a no-op.
type Mirror struct {
	indexer Indexer
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewMirror(indexer Indexer, log zerolog.Logger) *Mirror {
	return &Mirror{indexer: indexer, log: log.With().Str("component", "search").Logger()}
}

func (m *Mirror) enabled(index string) bool {
	return m != nil && m.indexer != nil && index != "" && m.indexer.Healthy()
}

// Index upserts record under id (fire-and-forget).
func (m *Mirror) Index(index, id string, record map[string]any) {
	if !m.enabled(index) {
		return
	}
	doc := make(map[string]any, len(record)+1)
	for k, v := range record {
		doc[k] = v
	}
	doc["id"] = id

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.indexer.Upsert(index, []map[string]any{doc}); err != nil {
			m.log.Warn().Err(err).Str("index", index).Str("id", id).Msg("index record")
		}
	}()
}

// Remove drops ids from index (fire-and-forget).
func (m *Mirror) Remove(index string, ids ...string) {
	if !m.enabled(index) || len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.indexer.Remove(index, ids); err != nil {
			m.log.Warn().Err(err).Str("index", index).Strs("ids", ids).Msg("remove records")
		}
	}()
}

// Wait blocks until every in-flight mirror call has finished.
func (m *Mirror) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

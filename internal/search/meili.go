package search

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
	once    sync.Once
	specs   []IndexSpec
}

// NewMeili creates a Meilisearch client, configures specs and starts a
// background health monitor. An unreachable server is not an error: the
// indexer reports unhealthy and reconfigures once the server recovers.
func NewMeili(url, apiKey string, specs []IndexSpec, log zerolog.Logger) *Meili {
	return newMeili(url, apiKey, specs, log, 10*time.Second)
}

func newMeili(url, apiKey string, specs []IndexSpec, log zerolog.Logger, interval time.Duration) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.With().Str("component", "search").Logger(),
		done:   make(chan struct{}),
		specs:  append([]IndexSpec(nil), specs...),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
	} else {
		m.healthy.Store(true)
		m.configure(m.specs)
	}

	go m.healthLoop(interval)
	return m
}

func (m *Meili) configure(specs []IndexSpec) {
	for _, spec := range specs {
		primaryKey := spec.PrimaryKey
		if primaryKey == "" {
			primaryKey = "id"
		}
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        spec.UID,
			PrimaryKey: primaryKey,
		}); err != nil {
			m.log.Debug().Err(err).Str("index", spec.UID).Msg("create index (may already exist)")
		}

		index := m.client.Index(spec.UID)
		if len(spec.Filterable) > 0 {
			filterable := make([]interface{}, len(spec.Filterable))
			for i, v := range spec.Filterable {
				filterable[i] = v
			}
			if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
				m.log.Warn().Err(err).Str("index", spec.UID).Msg("update filterable attributes")
			}
		}
		if len(spec.Searchable) > 0 {
			searchable := append([]string(nil), spec.Searchable...)
			if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
				m.log.Warn().Err(err).Str("index", spec.UID).Msg("update searchable attributes")
			}
		}
	}
}

func (m *Meili) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configure(m.specs)
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Upsert(index string, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}
	if !m.healthy.Load() {
		return errUnhealthy
	}
	_, err := m.client.Index(index).AddDocuments(records, nil)
	return err
}

func (m *Meili) Remove(index string, ids []string) error {
	if !m.healthy.Load() {
		return errUnhealthy
	}
	for _, id := range ids {
		if _, err := m.client.Index(index).DeleteDocument(id, nil); err != nil {
			return err
		}
	}
	return nil
}

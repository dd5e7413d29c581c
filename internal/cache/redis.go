// Package cache provides a Redis read-through cache in front of a document
// store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"docstore/api/internal/query"
	"docstore/api/internal/store"
)

// genTTL bounds how long an eviction generation outlives its last write.
const genTTL = 24 * time.Hour

// Store caches single-document reads. Every write through the store, and
// every committed batch, evicts the documents it touched and bumps their
// generation; a read fills the cache only if no eviction happened while it
// was reading the store. Redis failures degrade to uncached reads.
type Store struct {
	inner  store.Documents
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// New wraps inner. A non-positive ttl defaults to five minutes.
func New(inner store.Documents, client *redis.Client, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		inner:  inner,
		client: client,
		prefix: "doc:",
		ttl:    ttl,
		log:    log.With().Str("component", "cache").Logger(),
	}
}

func (s *Store) key(collection, id string) string {
	return s.prefix + collection + ":" + id
}

func (s *Store) genKey(key string) string {
	return "gen:" + key
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	key := s.key(collection, id)
	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var data map[string]any
		if jsonErr := json.Unmarshal(raw, &data); jsonErr == nil {
			return store.Document{ID: id, Data: data}, nil
		}
		s.log.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	gen, genErr := s.client.Get(ctx, s.genKey(key)).Result()
	if genErr != nil && !errors.Is(genErr, redis.Nil) {
		s.log.Warn().Err(genErr).Str("key", key).Msg("cache generation read failed")
	}

	doc, err := s.inner.Get(ctx, collection, id)
	if err != nil {
		return store.Document{}, err
	}
	if genErr == nil || errors.Is(genErr, redis.Nil) {
		s.fill(ctx, key, gen, doc.Data)
	}
	return doc, nil
}

// fill caches data under key unless the key's generation moved away from
// gen, which means a write committed after data was read.
func (s *Store) fill(ctx context.Context, key, gen string, data map[string]any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	genKey := s.genKey(key)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		s.log.Debug().Str("key", key).Msg("skipping cache fill after concurrent write")
	default:
		s.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

var errStale = errors.New("cache entry is stale")

func (s *Store) List(ctx context.Context, collection string) ([]store.Document, error) {
	return s.inner.List(ctx, collection)
}

func (s *Store) Query(ctx context.Context, collection string, clauses []query.Clause) ([]store.Document, error) {
	return s.inner.Query(ctx, collection, clauses)
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any) error {
	defer s.evict(ctx, s.key(collection, id))
	return s.inner.Set(ctx, collection, id, data)
}

func (s *Store) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	defer s.evict(ctx, s.key(collection, id))
	return s.inner.Update(ctx, collection, id, patch)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	defer s.evict(ctx, s.key(collection, id))
	return s.inner.Delete(ctx, collection, id)
}

func (s *Store) Batch() store.Batch {
	return &batch{inner: s.inner.Batch(), cache: s}
}

// Ping checks both Redis and the wrapped store when it supports pinging.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	if p, ok := s.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) evict(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			genKey := s.genKey(key)
			p.Incr(ctx, genKey)
			p.Expire(ctx, genKey, genTTL)
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Strs("keys", keys).Msg("cache eviction failed")
	}
}

type batch struct {
	inner store.Batch
	cache *Store
	keys  []string
}

func (b *batch) Set(collection, id string, data map[string]any) {
	b.keys = append(b.keys, b.cache.key(collection, id))
	b.inner.Set(collection, id, data)
}

func (b *batch) Update(collection, id string, patch map[string]any) {
	b.keys = append(b.keys, b.cache.key(collection, id))
	b.inner.Update(collection, id, patch)
}

func (b *batch) Delete(collection, id string) {
	b.keys = append(b.keys, b.cache.key(collection, id))
	b.inner.Delete(collection, id)
}

func (b *batch) Commit(ctx context.Context) error {
	err := b.inner.Commit(ctx)
	if err == nil {
		b.cache.evict(ctx, b.keys...)
	}
	return err
}

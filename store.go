// Package nexusstore is the public facade of spec.md §6.1: "Store<T,K>
// with operations matching the Backend contract plus setPolicy,
// invalidate, invalidateByTags, invalidateByIds, invalidateWhere,
// getCacheStats." It wires internal/fetchpolicy (the read/staleness
// matrix), internal/cachetrack (eviction-candidate bookkeeping), and
// internal/obs (structured logging + store-level metrics) around whatever
// storage.Backend[T,K] the caller constructs — a plain internal/storage/
// sqlstore.Store, an internal/storage/crdtstore.Store, an
// internal/storage/cloudstore.Store, or any of those wrapped in
// internal/storage/cryptostore for field-level encryption. Mirrors how the
// teacher keeps its daemon entrypoint thin (cmd/bd) and pushes logic into
// internal/* — this file does no work of its own beyond composition.
package nexusstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nexusdata/nexusstore/internal/cachetrack"
	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/fetchpolicy"
	"github.com/nexusdata/nexusstore/internal/obs"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/storage"
	"github.com/nexusdata/nexusstore/internal/watch"
)

// Policy re-exports fetchpolicy.Policy so callers never import
// internal/fetchpolicy directly.
type Policy = fetchpolicy.Policy

const (
	CacheFirst           = fetchpolicy.CacheFirst
	NetworkFirst         = fetchpolicy.NetworkFirst
	CacheAndNetwork      = fetchpolicy.CacheAndNetwork
	CacheOnly            = fetchpolicy.CacheOnly
	NetworkOnly          = fetchpolicy.NetworkOnly
	StaleWhileRevalidate = fetchpolicy.StaleWhileRevalidate
)

// CacheStats re-exports fetchpolicy.CacheStats.
type CacheStats = fetchpolicy.CacheStats

// Config wires a Store[T,K] to its backend and ambient concerns.
type Config[T any, K comparable] struct {
	// Name identifies this store instance in logs and metric labels
	// (e.g. "widgets", "orders") — independent of Backend.Name(), which
	// identifies the backend *kind* ("drift", "crdt", "supabase").
	Name    string
	Backend storage.Backend[T, K]
	IDOf    func(T) K

	DefaultPolicy          Policy
	StaleDuration          *time.Duration
	BackgroundSyncInterval time.Duration

	// SizeOf estimates an item's size in bytes for cachetrack's
	// size-ordered eviction candidates. Defaults to its JSON-encoded
	// length when unset.
	SizeOf func(T) int64

	Logger *zerolog.Logger
}

// Store is the public facade of spec.md §6.1.
type Store[T any, K comparable] struct {
	name    string
	backend storage.Backend[T, K]
	handler *fetchpolicy.Handler[T, K]
	tracker *cachetrack.Tracker[K]
	idOf    func(T) K
	sizeOf  func(T) int64
	log     zerolog.Logger
}

func defaultSizeOf[T any](item T) int64 {
	b, err := json.Marshal(item)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// New constructs a Store fronting cfg.Backend.
func New[T any, K comparable](cfg Config[T, K]) *Store[T, K] {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	scoped := obs.WithBackend(logger, cfg.Name)

	handler := fetchpolicy.New(fetchpolicy.Config[T, K]{
		Backend:                cfg.Backend,
		IDOf:                   cfg.IDOf,
		DefaultPolicy:          cfg.DefaultPolicy,
		StaleDuration:          cfg.StaleDuration,
		BackgroundSyncInterval: cfg.BackgroundSyncInterval,
		Logger:                 &scoped,
	})

	sizeOf := cfg.SizeOf
	if sizeOf == nil {
		sizeOf = defaultSizeOf[T]
	}

	return &Store[T, K]{
		name:    cfg.Name,
		backend: cfg.Backend,
		handler: handler,
		tracker: cachetrack.New[K](),
		idOf:    cfg.IDOf,
		sizeOf:  sizeOf,
		log:     scoped,
	}
}

func (s *Store[T, K]) Name() string                       { return s.backend.Name() }
func (s *Store[T, K]) Capabilities() storage.Capabilities  { return s.backend.Capabilities() }
func (s *Store[T, K]) Initialize(ctx context.Context) error { return s.backend.Initialize(ctx) }

// Close waits for any in-flight background syncs (cacheAndNetwork /
// staleWhileRevalidate reads) to finish, then closes the backend.
func (s *Store[T, K]) Close(ctx context.Context) error {
	s.handler.Wait()
	return s.backend.Close(ctx)
}

// Get fetches id per policy (nil uses the store's default policy),
// recording cache-tracker access and cache-hit/miss metrics.
func (s *Store[T, K]) Get(ctx context.Context, id K, policy *Policy) (*T, error) {
	item, err := s.handler.Get(ctx, id, policy)
	s.observeRead(item != nil, err)
	if item != nil {
		s.tracker.RecordAccess(id, s.sizeOf(*item))
	}
	return item, err
}

func (s *Store[T, K]) GetAll(ctx context.Context, q *query.Query, policy *Policy) ([]T, error) {
	items, err := s.handler.GetAll(ctx, q, policy)
	s.observeRead(len(items) > 0, err)
	if s.idOf != nil {
		for _, item := range items {
			s.tracker.RecordAccess(s.idOf(item), s.sizeOf(item))
		}
	}
	return items, err
}

func (s *Store[T, K]) observeRead(hit bool, err error) {
	if err != nil {
		return
	}
	if hit {
		obs.RecordCacheHit(s.name)
	} else {
		obs.RecordCacheMiss(s.name)
	}
}

// Save delegates to the backend, then primes the fetch-policy cache and
// the eviction tracker with the written value so an immediate cacheFirst
// read doesn't trigger a redundant sync.
func (s *Store[T, K]) Save(ctx context.Context, item T) (T, error) {
	saved, err := s.backend.Save(ctx, item)
	if err != nil {
		return saved, err
	}
	if s.idOf != nil {
		id := s.idOf(saved)
		s.handler.Prime(id, nil)
		s.tracker.RecordAccess(id, s.sizeOf(saved))
	}
	return saved, nil
}

func (s *Store[T, K]) SaveAll(ctx context.Context, items []T) ([]T, error) {
	saved, err := s.backend.SaveAll(ctx, items)
	if err != nil {
		return saved, err
	}
	if s.idOf != nil {
		for _, item := range saved {
			id := s.idOf(item)
			s.handler.Prime(id, nil)
			s.tracker.RecordAccess(id, s.sizeOf(item))
		}
	}
	return saved, nil
}

// Delete removes id from the backend and forgets it in both the
// fetch-policy cache and the eviction tracker.
func (s *Store[T, K]) Delete(ctx context.Context, id K) (bool, error) {
	ok, err := s.backend.Delete(ctx, id)
	if err == nil {
		s.handler.RemoveEntry(id)
		s.tracker.Remove(id)
	}
	return ok, err
}

func (s *Store[T, K]) DeleteAll(ctx context.Context, ids []K) (int, error) {
	n, err := s.backend.DeleteAll(ctx, ids)
	if err == nil {
		for _, id := range ids {
			s.handler.RemoveEntry(id)
			s.tracker.Remove(id)
		}
	}
	return n, err
}

func (s *Store[T, K]) DeleteWhere(ctx context.Context, q *query.Query) (int, error) {
	return s.backend.DeleteWhere(ctx, q)
}

func (s *Store[T, K]) Watch(ctx context.Context, id K) (*watch.Subject[*T], error) {
	return s.backend.Watch(ctx, id)
}

func (s *Store[T, K]) WatchAll(ctx context.Context, q *query.Query) (*watch.Subject[[]T], error) {
	return s.backend.WatchAll(ctx, q)
}

func (s *Store[T, K]) Sync(ctx context.Context) error { return s.backend.Sync(ctx) }

func (s *Store[T, K]) SyncStatus(ctx context.Context) (entity.SyncStatus, error) {
	return s.backend.SyncStatus(ctx)
}

func (s *Store[T, K]) SyncStatusStream(ctx context.Context) (*watch.Subject[entity.SyncStatus], error) {
	return s.backend.SyncStatusStream(ctx)
}

func (s *Store[T, K]) PendingChangesCount(ctx context.Context) (int, error) {
	n, err := s.backend.PendingChangesCount(ctx)
	if err == nil {
		obs.SetPendingChanges(s.name, n)
	}
	return n, err
}

func (s *Store[T, K]) PendingChangesStream(ctx context.Context) (*watch.Subject[[]entity.PendingChange[T]], error) {
	return s.backend.PendingChangesStream(ctx)
}

func (s *Store[T, K]) ConflictsStream(ctx context.Context) (*watch.Subject[entity.ConflictDetails[T]], error) {
	return s.backend.ConflictsStream(ctx)
}

func (s *Store[T, K]) RetryChange(ctx context.Context, changeID string) error {
	return s.backend.RetryChange(ctx, changeID)
}

func (s *Store[T, K]) CancelChange(ctx context.Context, changeID string) error {
	return s.backend.CancelChange(ctx, changeID)
}

func (s *Store[T, K]) GetAllPaged(ctx context.Context, q *query.Query) (query.PagedResult[T], error) {
	page, err := s.backend.GetAllPaged(ctx, q)
	s.observeRead(len(page.Items) > 0, err)
	return page, err
}

func (s *Store[T, K]) WatchAllPaged(ctx context.Context, q *query.Query) (*watch.Subject[query.PagedResult[T]], error) {
	return s.backend.WatchAllPaged(ctx, q)
}

// SetPolicy changes the policy used by Get/GetAll calls that pass a nil
// policy override (spec.md §6.1 setPolicy).
func (s *Store[T, K]) SetPolicy(p Policy) { s.handler.SetDefaultPolicy(p) }

func (s *Store[T, K]) Invalidate(id K)          { s.handler.Invalidate(id) }
func (s *Store[T, K]) InvalidateAll()           { s.handler.InvalidateAll() }
func (s *Store[T, K]) InvalidateByIds(ids []K)  { s.handler.InvalidateByIds(ids) }
func (s *Store[T, K]) InvalidateByTags(tags []string) { s.handler.InvalidateByTags(tags) }

// InvalidateWhere marks stale every item whose fieldAccessor-produced Map
// matches q (spec.md §4.6).
func (s *Store[T, K]) InvalidateWhere(ctx context.Context, q *query.Query, fieldAccessor func(T) entity.Map) error {
	return s.handler.InvalidateWhere(ctx, q, fieldAccessor)
}

func (s *Store[T, K]) AddTags(id K, tags []string)    { s.handler.AddTags(id, tags) }
func (s *Store[T, K]) RemoveTags(id K, tags []string) { s.handler.RemoveTags(id, tags) }
func (s *Store[T, K]) GetTags(id K) []string          { return s.handler.GetTags(id) }

func (s *Store[T, K]) GetCacheStats() CacheStats { return s.handler.GetCacheStats() }

// Tracker exposes the store's eviction-candidate tracker directly, for a
// host application implementing its own eviction policy on top of
// spec.md §4.8's recordAccess/getEvictionCandidates* operations.
func (s *Store[T, K]) Tracker() *cachetrack.Tracker[K] { return s.tracker }

// Metrics returns the Prometheus gatherer backing internal/obs's
// cache-hit/miss, pending-change, sync-error, and watcher-subject
// collectors, so a host application can mount them on its own /metrics
// handler instead of reaching into internal/obs directly.
func (s *Store[T, K]) Metrics() prometheus.Gatherer { return prometheus.DefaultGatherer }

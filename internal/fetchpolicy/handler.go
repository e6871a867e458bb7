package fetchpolicy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/storage"
)

// Config wires a Handler to the backend it front-ends and the per-entity
// conversion closure every package in this codebase accepts.
type Config[T any, K comparable] struct {
	Backend storage.Backend[T, K]
	// IDOf extracts the key of an item returned by Backend.GetAll, needed
	// by invalidateWhere and by getAll's per-item staleness bookkeeping.
	IDOf func(T) K

	DefaultPolicy Policy
	StaleDuration *time.Duration

	// BackgroundSyncInterval rate-limits background sync() calls triggered
	// by cacheAndNetwork/staleWhileRevalidate reads, so a hot loop of
	// Get() calls on the same id doesn't spawn an unbounded number of
	// concurrent background syncs. Defaults to one per second.
	BackgroundSyncInterval time.Duration

	Logger *zerolog.Logger
}

// CacheStats is the result of getCacheStats (spec.md §4.6).
type CacheStats struct {
	TotalCount int
	StaleCount int
	TagCounts  map[string]int
}

// Handler implements spec.md §4.6's fetch-policy matrix and staleness
// cache in front of a storage.Backend.
type Handler[T any, K comparable] struct {
	cfg Config[T, K]

	mu          sync.Mutex
	lastFetch   map[K]time.Time
	invalidated map[K]struct{}
	tags        map[K]map[string]struct{}

	bg      *conc.WaitGroup
	limiter *rate.Limiter
}

// New constructs a Handler. DefaultPolicy defaults to CacheFirst.
func New[T any, K comparable](cfg Config[T, K]) *Handler[T, K] {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = CacheFirst
	}
	if cfg.BackgroundSyncInterval <= 0 {
		cfg.BackgroundSyncInterval = time.Second
	}
	if cfg.Logger == nil {
		l := zerolog.Nop()
		cfg.Logger = &l
	}
	return &Handler[T, K]{
		cfg:         cfg,
		lastFetch:   make(map[K]time.Time),
		invalidated: make(map[K]struct{}),
		tags:        make(map[K]map[string]struct{}),
		bg:          conc.NewWaitGroup(),
		limiter:     rate.NewLimiter(rate.Every(cfg.BackgroundSyncInterval), 1),
	}
}

// Wait blocks until every background sync scheduled by a prior
// cacheAndNetwork/staleWhileRevalidate read has completed. Intended for
// graceful shutdown and for deterministic tests; callers under normal
// operation never need it.
func (h *Handler[T, K]) Wait() { h.bg.Wait() }

func (h *Handler[T, K]) effective(p *Policy) Policy {
	if p != nil && *p != "" {
		return *p
	}
	return h.cfg.DefaultPolicy
}

// SetDefaultPolicy changes the policy used when Get/GetAll are called with
// a nil policy override. Backs the facade's setPolicy operation (spec.md
// §6.1).
func (h *Handler[T, K]) SetDefaultPolicy(p Policy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.DefaultPolicy = p
}

// isStale implements spec.md §4.6's isStale predicate.
func (h *Handler[T, K]) isStale(id K) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isStaleLocked(id)
}

func (h *Handler[T, K]) isStaleLocked(id K) bool {
	if _, invalid := h.invalidated[id]; invalid {
		return true
	}
	last, ok := h.lastFetch[id]
	if !ok {
		return true
	}
	return h.cfg.StaleDuration != nil && time.Since(last) > *h.cfg.StaleDuration
}

// recordCachedItem implements spec.md §4.6: set lastFetchTimes[id]=now,
// clear the invalidated flag, and overwrite tags when supplied.
func (h *Handler[T, K]) recordCachedItem(id K, tags []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordCachedItemLocked(id, tags)
}

func (h *Handler[T, K]) recordCachedItemLocked(id K, tags []string) {
	h.lastFetch[id] = time.Now()
	delete(h.invalidated, id)
	if tags != nil {
		set := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			set[t] = struct{}{}
		}
		h.tags[id] = set
	}
}

// Prime marks id as freshly fetched without touching the backend, for a
// facade that just wrote id directly (save/saveAll) and wants the next
// cacheFirst/networkFirst read to treat the write as current rather than
// immediately triggering a redundant sync.
func (h *Handler[T, K]) Prime(id K, tags []string) {
	h.recordCachedItem(id, tags)
}

func (h *Handler[T, K]) AddTags(id K, tags []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tags[id]
	if !ok {
		set = make(map[string]struct{}, len(tags))
		h.tags[id] = set
	}
	for _, t := range tags {
		set[t] = struct{}{}
	}
}

func (h *Handler[T, K]) RemoveTags(id K, tags []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tags[id]
	if !ok {
		return
	}
	for _, t := range tags {
		delete(set, t)
	}
}

func (h *Handler[T, K]) GetTags(id K) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.tags[id]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Invalidate marks id stale, preserving its tags and lastFetchTimes entry
// (spec.md §4.6: "preserve tags and lastFetchTimes").
func (h *Handler[T, K]) Invalidate(id K) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidated[id] = struct{}{}
}

func (h *Handler[T, K]) InvalidateAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.knownIDsLocked() {
		h.invalidated[id] = struct{}{}
	}
}

func (h *Handler[T, K]) InvalidateByIds(ids []K) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.invalidated[id] = struct{}{}
	}
}

// InvalidateByTags marks stale every id whose tag set intersects tags
// (any-match, union — spec.md §4.6).
func (h *Handler[T, K]) InvalidateByTags(tags []string) {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.tags {
		for t := range set {
			if _, ok := want[t]; ok {
				h.invalidated[id] = struct{}{}
				break
			}
		}
	}
}

// InvalidateWhere loads the current items from the backend and marks
// stale those whose fieldAccessor-produced Map matches q (spec.md §4.6).
func (h *Handler[T, K]) InvalidateWhere(ctx context.Context, q *query.Query, fieldAccessor func(T) entity.Map) error {
	items, err := h.cfg.Backend.GetAll(ctx, nil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, item := range items {
		if matchesQuery(fieldAccessor(item), q) {
			h.invalidated[h.cfg.IDOf(item)] = struct{}{}
		}
	}
	return nil
}

// RemoveEntry forgets tags and timestamps for id (spec.md §4.6).
func (h *Handler[T, K]) RemoveEntry(id K) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastFetch, id)
	delete(h.invalidated, id)
	delete(h.tags, id)
}

func (h *Handler[T, K]) knownIDsLocked() map[K]struct{} {
	known := make(map[K]struct{}, len(h.lastFetch))
	for id := range h.lastFetch {
		known[id] = struct{}{}
	}
	for id := range h.invalidated {
		known[id] = struct{}{}
	}
	for id := range h.tags {
		known[id] = struct{}{}
	}
	return known
}

func (h *Handler[T, K]) GetCacheStats() CacheStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	known := h.knownIDsLocked()
	stats := CacheStats{TotalCount: len(known), TagCounts: map[string]int{}}
	for id := range known {
		if h.isStaleLocked(id) {
			stats.StaleCount++
		}
	}
	for _, set := range h.tags {
		for t := range set {
			stats.TagCounts[t]++
		}
	}
	return stats
}

func outcome(hit bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case hit:
		return "hit"
	default:
		return "miss"
	}
}

// scheduleBackgroundSync runs Backend.Sync in the background, rate-limited
// so repeated reads of the same id don't pile up concurrent syncs. Errors
// are logged, never propagated — both cacheAndNetwork and
// staleWhileRevalidate are specified to swallow background failures.
func (h *Handler[T, K]) scheduleBackgroundSync(p Policy, id K) {
	if !h.limiter.Allow() {
		return
	}
	h.bg.Go(func() {
		ctx := context.Background()
		if err := h.cfg.Backend.Sync(ctx); err != nil {
			backgroundSyncsTotal.WithLabelValues(string(p), "error").Inc()
			h.cfg.Logger.Debug().Err(err).Msg("fetchpolicy: background sync failed")
			return
		}
		h.recordCachedItem(id, nil)
		backgroundSyncsTotal.WithLabelValues(string(p), "ok").Inc()
	})
}

// Get implements the get(id, policy?) matrix of spec.md §4.6.
func (h *Handler[T, K]) Get(ctx context.Context, id K, policy *Policy) (*T, error) {
	p := h.effective(policy)
	switch p {
	case CacheOnly:
		item, err := h.cfg.Backend.Get(ctx, id)
		readsTotal.WithLabelValues(string(p), outcome(item != nil, err)).Inc()
		return item, err

	case NetworkOnly:
		if err := h.cfg.Backend.Sync(ctx); err != nil {
			readsTotal.WithLabelValues(string(p), "sync-error").Inc()
			return nil, err
		}
		h.recordCachedItem(id, nil)
		item, err := h.cfg.Backend.Get(ctx, id)
		readsTotal.WithLabelValues(string(p), outcome(item != nil, err)).Inc()
		return item, err

	case CacheFirst:
		if !h.isStale(id) {
			item, err := h.cfg.Backend.Get(ctx, id)
			if err == nil {
				readsTotal.WithLabelValues(string(p), outcome(item != nil, nil)).Inc()
				return item, nil
			}
		}
		if err := h.cfg.Backend.Sync(ctx); err != nil {
			readsTotal.WithLabelValues(string(p), "sync-error").Inc()
			item, _ := h.cfg.Backend.Get(ctx, id)
			return item, nil
		}
		h.recordCachedItem(id, nil)
		item, err := h.cfg.Backend.Get(ctx, id)
		readsTotal.WithLabelValues(string(p), outcome(item != nil, err)).Inc()
		return item, err

	case NetworkFirst:
		if err := h.cfg.Backend.Sync(ctx); err != nil {
			readsTotal.WithLabelValues(string(p), "sync-error").Inc()
			item, _ := h.cfg.Backend.Get(ctx, id)
			return item, nil
		}
		h.recordCachedItem(id, nil)
		item, err := h.cfg.Backend.Get(ctx, id)
		readsTotal.WithLabelValues(string(p), outcome(item != nil, err)).Inc()
		return item, err

	case CacheAndNetwork:
		item, err := h.cfg.Backend.Get(ctx, id)
		if err != nil {
			readsTotal.WithLabelValues(string(p), "error").Inc()
			return nil, err
		}
		readsTotal.WithLabelValues(string(p), outcome(item != nil, nil)).Inc()
		h.scheduleBackgroundSync(p, id)
		return item, nil

	case StaleWhileRevalidate:
		item, err := h.cfg.Backend.Get(ctx, id)
		if err != nil {
			readsTotal.WithLabelValues(string(p), "error").Inc()
			return nil, err
		}
		if item == nil {
			if err := h.cfg.Backend.Sync(ctx); err != nil {
				readsTotal.WithLabelValues(string(p), "sync-error").Inc()
				return nil, nil
			}
			h.recordCachedItem(id, nil)
			item, err = h.cfg.Backend.Get(ctx, id)
			readsTotal.WithLabelValues(string(p), outcome(item != nil, err)).Inc()
			return item, err
		}
		readsTotal.WithLabelValues(string(p), "hit").Inc()
		h.scheduleBackgroundSync(p, id)
		return item, nil

	default:
		return nil, errs.Validation("fetchpolicy: unknown policy "+string(p), nil)
	}
}

// GetAll implements the getAll(query?, policy?) matrix of spec.md §4.6
// ("follows the same matrix without staleness checks on individual IDs"):
// cacheFirst has no per-collection staleness signal to consult, so it
// behaves like networkFirst here — both sync then read, falling back to
// local on sync failure.
func (h *Handler[T, K]) GetAll(ctx context.Context, q *query.Query, policy *Policy) ([]T, error) {
	p := h.effective(policy)
	switch p {
	case CacheOnly:
		items, err := h.cfg.Backend.GetAll(ctx, q)
		readsTotal.WithLabelValues(string(p), outcome(len(items) > 0, err)).Inc()
		return items, err

	case NetworkOnly:
		if err := h.cfg.Backend.Sync(ctx); err != nil {
			readsTotal.WithLabelValues(string(p), "sync-error").Inc()
			return nil, err
		}
		items, err := h.cfg.Backend.GetAll(ctx, q)
		h.recordAll(items)
		readsTotal.WithLabelValues(string(p), outcome(len(items) > 0, err)).Inc()
		return items, err

	case CacheFirst, NetworkFirst:
		if err := h.cfg.Backend.Sync(ctx); err != nil {
			readsTotal.WithLabelValues(string(p), "sync-error").Inc()
			items, _ := h.cfg.Backend.GetAll(ctx, q)
			return items, nil
		}
		items, err := h.cfg.Backend.GetAll(ctx, q)
		h.recordAll(items)
		readsTotal.WithLabelValues(string(p), outcome(len(items) > 0, err)).Inc()
		return items, err

	case CacheAndNetwork:
		items, err := h.cfg.Backend.GetAll(ctx, q)
		if err != nil {
			readsTotal.WithLabelValues(string(p), "error").Inc()
			return nil, err
		}
		readsTotal.WithLabelValues(string(p), outcome(len(items) > 0, nil)).Inc()
		h.scheduleBackgroundSyncAll(p)
		return items, nil

	case StaleWhileRevalidate:
		items, err := h.cfg.Backend.GetAll(ctx, q)
		if err != nil {
			readsTotal.WithLabelValues(string(p), "error").Inc()
			return nil, err
		}
		if len(items) == 0 {
			if err := h.cfg.Backend.Sync(ctx); err != nil {
				readsTotal.WithLabelValues(string(p), "sync-error").Inc()
				return nil, nil
			}
			items, err = h.cfg.Backend.GetAll(ctx, q)
			h.recordAll(items)
			readsTotal.WithLabelValues(string(p), outcome(len(items) > 0, err)).Inc()
			return items, err
		}
		readsTotal.WithLabelValues(string(p), "hit").Inc()
		h.scheduleBackgroundSyncAll(p)
		return items, nil

	default:
		return nil, errs.Validation("fetchpolicy: unknown policy "+string(p), nil)
	}
}

func (h *Handler[T, K]) recordAll(items []T) {
	if h.cfg.IDOf == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, item := range items {
		h.recordCachedItemLocked(h.cfg.IDOf(item), nil)
	}
}

func (h *Handler[T, K]) scheduleBackgroundSyncAll(p Policy) {
	if !h.limiter.Allow() {
		return
	}
	h.bg.Go(func() {
		ctx := context.Background()
		if err := h.cfg.Backend.Sync(ctx); err != nil {
			backgroundSyncsTotal.WithLabelValues(string(p), "error").Inc()
			h.cfg.Logger.Debug().Err(err).Msg("fetchpolicy: background sync failed")
			return
		}
		items, err := h.cfg.Backend.GetAll(ctx, nil)
		if err == nil {
			h.recordAll(items)
		}
		backgroundSyncsTotal.WithLabelValues(string(p), "ok").Inc()
	})
}

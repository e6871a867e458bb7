package watch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexusdata/nexusstore/internal/query"
)

// Registry is the per-backend-instance watcher registry of spec.md §4.3:
// two maps, one keyed by entity id for single-item watches and one keyed by
// canonical query string for list watches.
//
// T is the entity type. K is the id type (spec.md: "Entity T, ID K").
type Registry[T any, K comparable] struct {
	mu            sync.Mutex
	watchers      map[K]*Subject[*T]
	queryWatchers map[string]*queryEntry[T]
	closed        bool
	log           zerolog.Logger
}

// queryEntry pairs a query subject with the *Query it was created for, so
// the registry can re-run getAll(q) on refresh without the caller needing
// to re-supply the original query (spec.md §4.3: "for every query subject,
// re-run its getAll(query)").
type queryEntry[T any] struct {
	q   *query.Query
	sub *Subject[[]T]
}

// NewRegistry constructs an empty registry. Teardown logging is a no-op
// until SetLogger is called.
func NewRegistry[T any, K comparable]() *Registry[T, K] {
	return &Registry[T, K]{
		watchers:      make(map[K]*Subject[*T]),
		queryWatchers: make(map[string]*queryEntry[T]),
		log:           zerolog.Nop(),
	}
}

// SetLogger scopes the registry's teardown logging to logger. None of the
// backends in this module call it, so their registries keep the no-op
// logger.
func (r *Registry[T, K]) SetLogger(logger zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = logger
}

// Watch returns the subject for id, creating it (and running an initial
// load via get) if this is the first call for that id. load is whatever the
// backend's own get(id) does; its result (or error) becomes the subject's
// first emission.
func (r *Registry[T, K]) Watch(ctx context.Context, id K, load func(context.Context, K) (*T, error)) (*Subject[*T], error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errClosed
	}
	sub, ok := r.watchers[id]
	if ok {
		r.mu.Unlock()
		return sub, nil
	}
	sub = NewSubject[*T]()
	r.watchers[id] = sub
	r.mu.Unlock()

	val, err := load(ctx, id)
	if err != nil {
		sub.EmitError(err)
		return sub, nil
	}
	sub.Emit(val)
	return sub, nil
}

// WatchAll returns the subject for query q (the "_all_" sentinel when q is
// absent/zero), creating it and running an initial getAll(q) on first call.
func (r *Registry[T, K]) WatchAll(ctx context.Context, q *query.Query, loadAll func(context.Context, *query.Query) ([]T, error)) (*Subject[[]T], error) {
	key := query.Key(q)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errClosed
	}
	if entry, ok := r.queryWatchers[key]; ok {
		r.mu.Unlock()
		return entry.sub, nil
	}
	sub := NewSubject[[]T]()
	r.queryWatchers[key] = &queryEntry[T]{q: q, sub: sub}
	r.mu.Unlock()

	items, err := loadAll(ctx, q)
	if err != nil {
		sub.EmitError(err)
		return sub, nil
	}
	sub.Emit(items)
	return sub, nil
}

// NotifySaved pushes the new value to the per-id subject for id (if one
// exists) and refreshes every query subject, per spec.md §4.3. refreshAll
// is typically the backend's own getAll closure, invoked once per distinct
// registered query.
func (r *Registry[T, K]) NotifySaved(ctx context.Context, id K, item *T, refreshAll func(context.Context, *query.Query) ([]T, error)) {
	r.mu.Lock()
	sub, ok := r.watchers[id]
	r.mu.Unlock()
	if ok {
		sub.Emit(item)
	}
	r.refreshQueryWatchers(ctx, refreshAll)
}

// NotifyDeleted pushes nil to the per-id subject for id and refreshes every
// query subject.
func (r *Registry[T, K]) NotifyDeleted(ctx context.Context, id K, refreshAll func(context.Context, *query.Query) ([]T, error)) {
	r.mu.Lock()
	sub, ok := r.watchers[id]
	r.mu.Unlock()
	if ok {
		sub.Emit(nil)
	}
	r.refreshQueryWatchers(ctx, refreshAll)
}

// NotifyBulkChange refreshes every query subject without touching any
// per-id subject — used after deleteWhere, where individual per-id subjects
// are not proactively invalidated (spec.md §4.3).
func (r *Registry[T, K]) NotifyBulkChange(ctx context.Context, refreshAll func(context.Context, *query.Query) ([]T, error)) {
	r.refreshQueryWatchers(ctx, refreshAll)
}

func (r *Registry[T, K]) refreshQueryWatchers(ctx context.Context, refreshAll func(context.Context, *query.Query) ([]T, error)) {
	r.mu.Lock()
	entries := make([]*queryEntry[T], 0, len(r.queryWatchers))
	for _, v := range r.queryWatchers {
		entries = append(entries, v)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		items, err := refreshAll(ctx, entry.q)
		if err != nil {
			entry.sub.EmitError(err)
			continue
		}
		entry.sub.Emit(items)
	}
}

// Close closes every subject and marks the registry closed; subsequent
// Watch/WatchAll calls return errClosed. Idempotent.
func (r *Registry[T, K]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.log.Debug().
		Int("item_watchers", len(r.watchers)).
		Int("query_watchers", len(r.queryWatchers)).
		Msg("watch: tearing down registry")
	for _, sub := range r.watchers {
		sub.Close()
	}
	for _, entry := range r.queryWatchers {
		entry.sub.Close()
	}
	r.watchers = make(map[K]*Subject[*T])
	r.queryWatchers = make(map[string]*queryEntry[T])
}

type registryClosedError struct{}

func (registryClosedError) Error() string { return "watch: registry is closed" }

var errClosed = registryClosedError{}

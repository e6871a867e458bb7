package fetchpolicy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/storage"
	"github.com/nexusdata/nexusstore/internal/watch"
)

type user struct {
	ID   string
	Name string
}

// fakeBackend is a minimal storage.Backend[user, string] with a counter on
// Sync so tests can assert whether it was called, and a toggle to simulate
// sync failures.
type fakeBackend struct {
	storage.Lifecycle
	items     map[string]user
	syncCalls int
	syncErr   error
}

func newFakeBackend() *fakeBackend { return &fakeBackend{items: map[string]user{}} }

func (f *fakeBackend) Name() string                        { return "fake" }
func (f *fakeBackend) Capabilities() storage.Capabilities   { return storage.Capabilities{} }
func (f *fakeBackend) Initialize(ctx context.Context) error { return nil }
func (f *fakeBackend) Close(ctx context.Context) error      { return nil }

func (f *fakeBackend) Get(ctx context.Context, id string) (*user, error) {
	u, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeBackend) GetAll(ctx context.Context, q *query.Query) ([]user, error) {
	out := make([]user, 0, len(f.items))
	for _, u := range f.items {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeBackend) Save(ctx context.Context, item user) (user, error) {
	f.items[item.ID] = item
	return item, nil
}
func (f *fakeBackend) SaveAll(ctx context.Context, items []user) ([]user, error) { return items, nil }
func (f *fakeBackend) Delete(ctx context.Context, id string) (bool, error)       { return false, nil }
func (f *fakeBackend) DeleteAll(ctx context.Context, ids []string) (int, error)  { return 0, nil }
func (f *fakeBackend) DeleteWhere(ctx context.Context, q *query.Query) (int, error) {
	return 0, nil
}

func (f *fakeBackend) Watch(ctx context.Context, id string) (*watch.Subject[*user], error) {
	return watch.NewSubject[*user](), nil
}
func (f *fakeBackend) WatchAll(ctx context.Context, q *query.Query) (*watch.Subject[[]user], error) {
	return watch.NewSubject[[]user](), nil
}

func (f *fakeBackend) Sync(ctx context.Context) error {
	f.syncCalls++
	return f.syncErr
}
func (f *fakeBackend) SyncStatus(ctx context.Context) (entity.SyncStatus, error) {
	return entity.SyncStatus{}, nil
}
func (f *fakeBackend) SyncStatusStream(ctx context.Context) (*watch.Subject[entity.SyncStatus], error) {
	return watch.NewSubject[entity.SyncStatus](), nil
}
func (f *fakeBackend) PendingChangesCount(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeBackend) PendingChangesStream(ctx context.Context) (*watch.Subject[[]entity.PendingChange[user]], error) {
	return watch.NewSubject[[]entity.PendingChange[user]](), nil
}
func (f *fakeBackend) ConflictsStream(ctx context.Context) (*watch.Subject[entity.ConflictDetails[user]], error) {
	return watch.NewSubject[entity.ConflictDetails[user]](), nil
}
func (f *fakeBackend) RetryChange(ctx context.Context, changeID string) error  { return nil }
func (f *fakeBackend) CancelChange(ctx context.Context, changeID string) error { return nil }

func (f *fakeBackend) GetAllPaged(ctx context.Context, q *query.Query) (query.PagedResult[user], error) {
	items, _ := f.GetAll(ctx, q)
	return query.Paginate(items, q), nil
}
func (f *fakeBackend) WatchAllPaged(ctx context.Context, q *query.Query) (*watch.Subject[query.PagedResult[user]], error) {
	return watch.NewSubject[query.PagedResult[user]](), nil
}

func userIDOf(u user) string { return u.ID }

// Scenario 1: cacheFirst cache hit — sync() is not called.
func TestCacheFirstCacheHitDoesNotCallSync(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.items["u1"] = user{ID: "u1", Name: "A"}
	h := New(Config[user, string]{Backend: backend, IDOf: userIDOf, DefaultPolicy: CacheFirst})
	h.recordCachedItem("u1", nil)

	got, err := h.Get(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "A" {
		t.Fatalf("expected cached entity, got %+v", got)
	}
	if backend.syncCalls != 0 {
		t.Fatalf("expected no sync() calls, got %d", backend.syncCalls)
	}
}

// Scenario 2: networkOnly failure propagates the sync error.
func TestNetworkOnlyPropagatesSyncFailure(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	wantErr := errors.New("network unreachable")
	backend.syncErr = wantErr
	h := New(Config[user, string]{Backend: backend, IDOf: userIDOf, DefaultPolicy: NetworkOnly})

	_, err := h.Get(ctx, "u1", nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected sync error to propagate, got %v", err)
	}
}

// Scenario 3: staleWhileRevalidate background sync clears staleness after
// the scheduled sync completes.
func TestStaleWhileRevalidateBackgroundSyncClearsStaleness(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.items["u1"] = user{ID: "u1", Name: "A"}
	dur := 5 * time.Minute
	h := New(Config[user, string]{
		Backend:                backend,
		IDOf:                   userIDOf,
		DefaultPolicy:          StaleWhileRevalidate,
		StaleDuration:          &dur,
		BackgroundSyncInterval: time.Millisecond,
	})

	if !h.isStale("u1") {
		t.Fatal("expected u1 to be stale before the first read")
	}

	got, err := h.Get(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "A" {
		t.Fatalf("expected immediate local value, got %+v", got)
	}

	h.Wait()

	if h.isStale("u1") {
		t.Fatal("expected u1 to no longer be stale after the background sync completed")
	}
	if backend.syncCalls != 1 {
		t.Fatalf("expected exactly one background sync call, got %d", backend.syncCalls)
	}
}

// Universal invariant (spec.md §8): for cacheFirst/networkFirst/
// cacheAndNetwork/staleWhileRevalidate, get never propagates a sync error.
func TestGetNeverThrowsOnSyncFailureForCacheVariants(t *testing.T) {
	ctx := context.Background()
	policies := []Policy{CacheFirst, NetworkFirst, CacheAndNetwork, StaleWhileRevalidate}
	for _, p := range policies {
		backend := newFakeBackend()
		backend.syncErr = errors.New("boom")
		h := New(Config[user, string]{Backend: backend, IDOf: userIDOf, DefaultPolicy: p})
		if _, err := h.Get(ctx, "missing", nil); err != nil {
			t.Fatalf("policy %s: expected no error, got %v", p, err)
		}
		h.Wait()
	}
}

// Scenario 6: tag-based invalidation, any-match union semantics.
func TestInvalidateByTagsMarksAnyMatchingEntryStale(t *testing.T) {
	h := New(Config[user, string]{Backend: newFakeBackend(), IDOf: userIDOf})
	h.recordCachedItem("u1", []string{"premium"})
	h.recordCachedItem("u2", []string{"premium", "active"})
	h.recordCachedItem("u3", []string{"basic"})

	h.InvalidateByTags([]string{"premium"})

	if !h.isStale("u1") {
		t.Fatal("expected u1 to be stale")
	}
	if !h.isStale("u2") {
		t.Fatal("expected u2 to be stale")
	}
	if h.isStale("u3") {
		t.Fatal("expected u3 to remain fresh")
	}

	tags := h.GetTags("u2")
	want := map[string]bool{"premium": true, "active": true}
	if len(tags) != len(want) {
		t.Fatalf("GetTags(u2) = %v, want superset of %v", tags, want)
	}
	for _, tag := range tags {
		if !want[tag] {
			t.Fatalf("unexpected tag %q", tag)
		}
	}
}

// Cache tags invariant (spec.md §8): recordCachedItem then invalidate
// preserves tags.
func TestInvalidatePreservesTags(t *testing.T) {
	h := New(Config[user, string]{Backend: newFakeBackend(), IDOf: userIDOf})
	h.recordCachedItem("u1", []string{"premium", "vip"})
	h.Invalidate("u1")

	if !h.isStale("u1") {
		t.Fatal("expected u1 to be stale after Invalidate")
	}
	tags := h.GetTags("u1")
	if len(tags) != 2 {
		t.Fatalf("expected tags to survive invalidate, got %v", tags)
	}
}

func TestInvalidateWhereMatchesOnFieldAccessor(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.items["u1"] = user{ID: "u1", Name: "Alice"}
	backend.items["u2"] = user{ID: "u2", Name: "Bob"}
	h := New(Config[user, string]{Backend: backend, IDOf: userIDOf})
	h.recordCachedItem("u1", nil)
	h.recordCachedItem("u2", nil)

	accessor := func(u user) entity.Map { return entity.Map{"name": u.Name} }
	q := &query.Query{Filters: []query.Filter{{Field: "name", Op: query.OpEquals, Value: "Alice"}}}

	if err := h.InvalidateWhere(ctx, q, accessor); err != nil {
		t.Fatalf("InvalidateWhere: %v", err)
	}
	if !h.isStale("u1") {
		t.Fatal("expected u1 (matching Alice) to be stale")
	}
	if h.isStale("u2") {
		t.Fatal("expected u2 (not matching) to remain fresh")
	}
}

func TestGetCacheStats(t *testing.T) {
	h := New(Config[user, string]{Backend: newFakeBackend(), IDOf: userIDOf})
	h.recordCachedItem("u1", []string{"premium"})
	h.recordCachedItem("u2", []string{"premium"})
	h.Invalidate("u2")

	stats := h.GetCacheStats()
	if stats.TotalCount != 2 {
		t.Fatalf("TotalCount = %d, want 2", stats.TotalCount)
	}
	if stats.StaleCount != 1 {
		t.Fatalf("StaleCount = %d, want 1", stats.StaleCount)
	}
	if stats.TagCounts["premium"] != 2 {
		t.Fatalf("TagCounts[premium] = %d, want 2", stats.TagCounts["premium"])
	}
}

func TestRemoveEntryForgetsTagsAndTimestamps(t *testing.T) {
	h := New(Config[user, string]{Backend: newFakeBackend(), IDOf: userIDOf})
	h.recordCachedItem("u1", []string{"premium"})
	h.RemoveEntry("u1")

	if len(h.GetTags("u1")) != 0 {
		t.Fatal("expected tags to be forgotten")
	}
	if !h.isStale("u1") {
		t.Fatal("expected a forgotten entry to read as stale (no lastFetch record)")
	}
}

package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/testutil"
)

type user struct {
	ID   string
	Name string
	Age  int
}

func newTestStore(t *testing.T) *Store[user, string] {
	t.Helper()
	dir := testutil.TempDirInMemory(t)
	cfg := Config[user, string]{
		Path:      filepath.Join(dir, "test.db"),
		TableName: "users",
		IDColumn:  "id",
		Columns: []ColumnSpec{
			{Name: "name", Type: "TEXT"},
			{Name: "age", Type: "INTEGER"},
		},
		ToMap: func(u user) entity.Map {
			return entity.Map{"id": u.ID, "name": u.Name, "age": int64(u.Age)}
		},
		FromMap: func(m entity.Map) (user, error) {
			u := user{}
			if v, ok := m["id"].(string); ok {
				u.ID = v
			}
			if v, ok := m["name"].(string); ok {
				u.Name = v
			}
			switch v := m["age"].(type) {
			case int64:
				u.Age = int(v)
			case int:
				u.Age = v
			}
			return u, nil
		},
		IDOf:    func(u user) string { return u.ID },
		IDToSQL: func(id string) any { return id },
	}

	s := New(cfg)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSaveThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, user{ID: "u1", Name: "Ada", Age: 30})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Name != "Ada" {
		t.Fatalf("unexpected saved value: %+v", saved)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "Ada" || got.Age != 30 {
		t.Fatalf("expected round trip, got %+v", got)
	}
}

func TestGetMissingReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing id, got %+v", got)
	}
}

func TestSaveIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, user{ID: "u1", Name: "Ada", Age: 30}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, user{ID: "u1", Name: "Ada Lovelace", Age: 31}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Ada Lovelace" || got.Age != 31 {
		t.Fatalf("expected upsert to replace row, got %+v", got)
	}
}

func TestDeleteAllIntersectionIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, u := range []user{{ID: "u1", Name: "A"}, {ID: "u2", Name: "B"}, {ID: "u3", Name: "C"}} {
		if _, err := s.Save(ctx, u); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	n, err := s.DeleteAll(ctx, []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}

	remaining, err := s.GetAll(ctx, nil)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for _, u := range remaining {
		if u.ID == "u1" || u.ID == "u2" {
			t.Fatalf("expected u1/u2 gone, found %+v", u)
		}
	}
}

func TestDeleteAllEmptyInputTouchesNothing(t *testing.T) {
	s := newTestStore(t)
	n, err := s.DeleteAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 for empty input, got %d", n)
	}
}

func TestGetAllWithFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, u := range []user{{ID: "u1", Name: "Ada", Age: 30}, {ID: "u2", Name: "Bob", Age: 20}} {
		if _, err := s.Save(ctx, u); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	q := &query.Query{Filters: []query.Filter{{Field: "age", Op: query.OpGreaterThan, Value: int64(25)}}}
	got, err := s.GetAll(ctx, q)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("expected only u1, got %+v", got)
	}
}

func TestSaveAllRunsInSingleTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []user{{ID: "u1", Name: "A"}, {ID: "u2", Name: "B"}}
	saved, err := s.SaveAll(ctx, items)
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved, got %d", len(saved))
	}

	all, err := s.GetAll(ctx, nil)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}
}

func TestDeleteWhereDeletesMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, u := range []user{{ID: "u1", Name: "Ada", Age: 30}, {ID: "u2", Name: "Bob", Age: 20}} {
		if _, err := s.Save(ctx, u); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	n, err := s.DeleteWhere(ctx, &query.Query{Filters: []query.Filter{{Field: "age", Op: query.OpLessThan, Value: int64(25)}}})
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
}

func TestWatchReplaysLatestValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, user{ID: "u1", Name: "Ada"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sub, err := s.Watch(ctx, "u1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	_, ch := sub.Subscribe()
	ev := <-ch
	if ev.Value == nil || (*ev.Value).Name != "Ada" {
		t.Fatalf("expected initial replay, got %+v", ev)
	}
}

func TestWatchAllPagedRefreshesAfterSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, user{ID: "u1", Name: "Ada"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	q := &query.Query{Limit: intPtr(10)}
	sub, err := s.WatchAllPaged(ctx, q)
	if err != nil {
		t.Fatalf("WatchAllPaged: %v", err)
	}
	_, ch := sub.Subscribe()

	ev := <-ch
	if len(ev.Value.Items) != 1 {
		t.Fatalf("expected initial page of 1, got %+v", ev.Value)
	}

	if _, err := s.Save(ctx, user{ID: "u2", Name: "Bob"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case ev := <-ch:
		if len(ev.Value.Items) != 2 {
			t.Fatalf("expected refreshed page of 2 after save, got %+v", ev.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for paged watch to refresh after save")
	}
}

func intPtr(n int) *int { return &n }

func TestMethodsFailBeforeInitialize(t *testing.T) {
	cfg := Config[user, string]{
		TableName: "users",
		ToMap:     func(u user) entity.Map { return entity.Map{"id": u.ID} },
		FromMap:   func(m entity.Map) (user, error) { return user{}, nil },
		IDOf:      func(u user) string { return u.ID },
		IDToSQL:   func(id string) any { return id },
	}
	s := New(cfg)
	_, err := s.Get(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error before Initialize")
	}
	e, ok := errs.As(err)
	if !ok || e.Sub != errs.SubUninitialized {
		t.Fatalf("expected SubUninitialized, got %+v", err)
	}
}

func TestSyncIsNoOpAndStatusIsAlwaysSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	status, err := s.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if status.Kind != entity.StatusSynced {
		t.Fatalf("expected permanently synced status, got %+v", status)
	}

	count, err := s.PendingChangesCount(ctx)
	if err != nil {
		t.Fatalf("PendingChangesCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero pending changes, got %d", count)
	}
}

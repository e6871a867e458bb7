package watch

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexusdata/nexusstore/internal/query"
)

type user struct {
	ID   string
	Name string
}

func TestRegistryWatchReplaysLatestToLateSubscriber(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry[user, string]()

	store := map[string]*user{"u1": {ID: "u1", Name: "A"}}
	load := func(_ context.Context, id string) (*user, error) {
		return store[id], nil
	}

	sub, err := reg.Watch(ctx, "u1", load)
	if err != nil {
		t.Fatal(err)
	}

	reg.NotifySaved(ctx, "u1", &user{ID: "u1", Name: "B"}, func(context.Context, *query.Query) ([]user, error) { return nil, nil })

	_, ch := sub.Subscribe()
	select {
	case ev := <-ch:
		if ev.Value == nil || ev.Value.Name != "B" {
			t.Fatalf("expected replay of latest value, got %+v", ev.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replay")
	}
}

func TestRegistryWatchAllRefreshesOnSave(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry[user, string]()

	current := []user{{ID: "u1", Name: "A"}}
	loadAll := func(context.Context, *query.Query) ([]user, error) {
		out := make([]user, len(current))
		copy(out, current)
		return out, nil
	}

	sub, err := reg.WatchAll(ctx, nil, loadAll)
	if err != nil {
		t.Fatal(err)
	}
	_, ch := sub.Subscribe()
	<-ch // initial load

	current = append(current, user{ID: "u2", Name: "B"})
	reg.NotifySaved(ctx, "u2", &current[1], loadAll)

	select {
	case ev := <-ch:
		if len(ev.Value) != 2 {
			t.Fatalf("expected refreshed list of 2, got %d", len(ev.Value))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for refresh")
	}
}

func TestRegistryNotifyDeletedPushesNil(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry[user, string]()
	load := func(context.Context, string) (*user, error) { return &user{ID: "u1"}, nil }

	sub, _ := reg.Watch(ctx, "u1", load)
	_, ch := sub.Subscribe()
	<-ch

	reg.NotifyDeleted(ctx, "u1", func(context.Context, *query.Query) ([]user, error) { return nil, nil })

	select {
	case ev := <-ch:
		if ev.Value != nil {
			t.Fatalf("expected nil after delete, got %+v", ev.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestRegistryCloseClosesSubjects(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry[user, string]()
	sub, _ := reg.Watch(ctx, "u1", func(context.Context, string) (*user, error) { return nil, nil })
	reg.Close()

	if _, err := reg.Watch(ctx, "u2", func(context.Context, string) (*user, error) { return nil, nil }); err == nil {
		t.Fatal("expected error watching closed registry")
	}
	_, ch := sub.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel from a subject that belonged to a closed registry")
	}
}

func TestRegistrySetLoggerEmitsTeardownLine(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	reg := NewRegistry[user, string]()
	reg.SetLogger(zerolog.New(&buf))

	if _, err := reg.Watch(ctx, "u1", func(context.Context, string) (*user, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	reg.Close()

	if !strings.Contains(buf.String(), "tearing down registry") {
		t.Fatalf("expected teardown log line, got %q", buf.String())
	}
}

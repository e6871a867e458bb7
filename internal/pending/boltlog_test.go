package pending

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/testutil"
)

func TestBoltLogSurvivesManagerRestart(t *testing.T) {
	path := filepath.Join(testutil.TempDirInMemory(t), "pending.db")

	log, err := OpenBoltLog[item](path, "pending:widgets")
	if err != nil {
		t.Fatalf("OpenBoltLog: %v", err)
	}
	mgr := NewWithLog[item](log, Hooks[item]{})
	change, err := mgr.RecordChange(item{ID: "u1", Name: "new"}, entity.OpCreate, nil)
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenBoltLog[item](path, "pending:widgets")
	if err != nil {
		t.Fatalf("reopen OpenBoltLog: %v", err)
	}
	defer reopened.Close()
	restarted := NewWithLog[item](reopened, Hooks[item]{})

	changes := restarted.List()
	if len(changes) != 1 || changes[0].ID != change.ID {
		t.Fatalf("expected the recorded change to survive a restart, got %+v", changes)
	}
}

func TestBoltLogRetryAllDrainsPersistedChanges(t *testing.T) {
	path := filepath.Join(testutil.TempDirInMemory(t), "pending.db")
	log, err := OpenBoltLog[item](path, "pending:widgets")
	if err != nil {
		t.Fatalf("OpenBoltLog: %v", err)
	}
	defer log.Close()

	synced := make(map[string]bool)
	mgr := NewWithLog[item](log, Hooks[item]{
		Sync: func(_ context.Context, c entity.PendingChange[item]) error {
			synced[c.ID] = true
			return nil
		},
	})

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := mgr.RecordChange(item{ID: "u1"}, entity.OpCreate, nil)
		if err != nil {
			t.Fatalf("RecordChange: %v", err)
		}
		ids = append(ids, c.ID)
	}

	if errs := mgr.RetryAll(context.Background()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	for _, id := range ids {
		if !synced[id] {
			t.Fatalf("expected change %s to be synced, synced=%v", id, synced)
		}
	}
}

func TestBoltLogReplaceUnknownChangeErrors(t *testing.T) {
	path := filepath.Join(testutil.TempDirInMemory(t), "pending.db")
	log, err := OpenBoltLog[item](path, "pending:widgets")
	if err != nil {
		t.Fatalf("OpenBoltLog: %v", err)
	}
	defer log.Close()

	if err := log.Replace(entity.PendingChange[item]{ID: "missing"}); err == nil {
		t.Fatal("expected an error replacing an unknown change")
	}
}

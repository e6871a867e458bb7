package cloudstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lib/pq"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
	"github.com/nexusdata/nexusstore/internal/pending"
	"github.com/nexusdata/nexusstore/internal/testutil"
)

type widget struct {
	ID   string
	Name string
}

func newTestWidgetStore(pendingLogPath string) *Store[widget, string] {
	cfg := Config[widget, string]{
		TableName:      "widgets",
		PendingLogPath: pendingLogPath,
		ToMap:          func(w widget) entity.Map { return entity.Map{"id": w.ID, "name": w.Name} },
		FromMap:        func(m entity.Map) (widget, error) { return widget{}, nil },
		IDOf:           func(w widget) string { return w.ID },
		IDToSQL:        func(id string) any { return id },
	}
	return New(cfg)
}

func TestNewPendingManagerUsesInMemoryLogWhenPathEmpty(t *testing.T) {
	s := newTestWidgetStore("")

	mgr, log, err := s.newPendingManager(pending.Hooks[widget]{})
	if err != nil {
		t.Fatalf("newPendingManager: %v", err)
	}
	defer mgr.Dispose()
	if log != nil {
		t.Fatalf("expected a nil BoltLog when PendingLogPath is empty, got %+v", log)
	}
	if mgr == nil {
		t.Fatal("expected a non-nil in-memory manager")
	}
}

func TestNewPendingManagerUsesDurableLogWhenPathSet(t *testing.T) {
	path := filepath.Join(testutil.TempDirInMemory(t), "pending.db")
	s := newTestWidgetStore(path)

	mgr, log, err := s.newPendingManager(pending.Hooks[widget]{})
	if err != nil {
		t.Fatalf("newPendingManager: %v", err)
	}
	defer mgr.Dispose()
	if log == nil {
		t.Fatal("expected a durable BoltLog when PendingLogPath is set")
	}
	defer log.Close()

	change, err := mgr.RecordChange(widget{ID: "w1", Name: "gizmo"}, entity.OpCreate, nil)
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := pending.OpenBoltLog[widget](path, "pending:widgets")
	if err != nil {
		t.Fatalf("reopen OpenBoltLog: %v", err)
	}
	defer reopened.Close()
	restarted := pending.NewWithLog[widget](reopened, pending.Hooks[widget]{})
	defer restarted.Dispose()

	changes := restarted.List()
	if len(changes) != 1 || changes[0].ID != change.ID {
		t.Fatalf("expected the recorded change to survive a restart, got %+v", changes)
	}
}

func TestRebindTranslatesPlaceholdersSequentially(t *testing.T) {
	got := rebind("age = ? AND name != ? AND city = ?")
	want := "age = $1 AND name != $2 AND city = $3"
	if got != want {
		t.Fatalf("rebind() = %q, want %q", got, want)
	}
}

func TestRebindNoPlaceholders(t *testing.T) {
	if got := rebind("1"); got != "1" {
		t.Fatalf("rebind(%q) = %q", "1", got)
	}
}

func TestClassifyWriteErrorUniqueViolation(t *testing.T) {
	err := classifyWriteError(&pq.Error{Code: "23505", Message: "duplicate key"})
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindValidation {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if e.IsRetryable() {
		t.Fatal("expected unique violation to be non-retryable")
	}
}

func TestClassifyWriteErrorForeignKeyViolation(t *testing.T) {
	err := classifyWriteError(&pq.Error{Code: "23503", Message: "foreign key violation"})
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindValidation {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestClassifyWriteErrorInvalidAuthorization(t *testing.T) {
	err := classifyWriteError(&pq.Error{Code: "28000", Message: "invalid password"})
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindAuthentication {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestClassifyWriteErrorPermissionDenied(t *testing.T) {
	err := classifyWriteError(&pq.Error{Code: "42501", Message: "permission denied for table"})
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindAuthorization {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestClassifyConnErrorDeadlineExceeded(t *testing.T) {
	err := classifyConnError(context.DeadlineExceeded)
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindTimeout {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestClassifyConnErrorBulkAuthMessages(t *testing.T) {
	e, ok := errs.As(classifyConnError(errUnauthorized))
	if !ok || e.Kind != errs.KindAuthentication {
		t.Fatalf("expected AuthenticationError for invalid token, got %v", classifyConnError(errUnauthorized))
	}
	e, ok = errs.As(classifyConnError(errForbidden))
	if !ok || e.Kind != errs.KindAuthorization {
		t.Fatalf("expected AuthorizationError for permission denied, got %v", classifyConnError(errForbidden))
	}
}

func TestClassifyConnErrorFallsBackToSync(t *testing.T) {
	e, ok := errs.As(classifyConnError(errors.New("connection refused")))
	if !ok || e.Kind != errs.KindSync {
		t.Fatalf("expected SyncError fallback, got %v", classifyConnError(errors.New("x")))
	}
}

func TestClassifyConnErrorPassesThroughExistingTaxonomyError(t *testing.T) {
	original := errs.Validation("already classified", nil)
	if classifyConnError(original) != error(original) {
		t.Fatal("expected an already-classified *errs.Error to pass through unchanged")
	}
}

func TestRealtimeHubBroadcastsToConnectedClient(t *testing.T) {
	hub := NewRealtimeHub()
	defer hub.Close()

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine a moment to register the connection before
	// broadcasting, since registration happens asynchronously relative to
	// the client's Dial returning.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(RowChangeEvent{Table: "widgets", Op: RowInserted, ID: "w1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty broadcast payload")
	}
}

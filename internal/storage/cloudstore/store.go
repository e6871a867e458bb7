// Package cloudstore implements the sync-cloud backend of spec.md §4.9:
// "Sync is authoritative. A realtime-channel manager subscribes to
// INSERT/UPDATE/DELETE events and pushes them into the watcher registry."
// CRUD talks directly to a Postgres-compatible remote store over
// github.com/lib/pq; a websocket realtime channel (channel.go) keeps
// watchers current between writes; Sync additionally reconciles via a bulk
// HTTP/2 export (bulk.go) and is wrapped in a circuit breaker so a
// persistently unreachable remote fails fast instead of hammering it.
package cloudstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
	"github.com/nexusdata/nexusstore/internal/pending"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/storage"
	"github.com/nexusdata/nexusstore/internal/translate"
	"github.com/nexusdata/nexusstore/internal/watch"
)

// ColumnSpec describes one caller-defined column beyond the primary key.
type ColumnSpec struct {
	Name string
	Type string // Postgres type, e.g. "text", "integer", "boolean"
}

// IndexSpec is one additional index (spec.md §6.3).
type IndexSpec struct {
	Name    string
	Columns []string
	Unique  bool
}

// Config configures a Store.
type Config[T any, K comparable] struct {
	DSN         string // lib/pq connection string
	TableName   string
	IDColumn    string // default "id"
	Columns     []ColumnSpec
	Indexes     []IndexSpec
	FieldMap    map[string]string

	// RealtimeURL, if set, is dialed for the INSERT/UPDATE/DELETE event
	// channel (channel.go). Empty disables realtime push entirely —
	// watchers still refresh on every local write, just not on remote ones.
	RealtimeURL string
	// BulkURL, if set, is the HTTP/2 endpoint Sync fetches a full
	// reconciliation snapshot from (bulk.go). Empty makes Sync end with a
	// connectivity check (a ping) instead of a snapshot pull; the
	// pending-change retry pass runs either way.
	BulkURL   string
	AuthToken string

	// PendingLogPath, if set, backs the pending-change manager with a
	// bbolt file at this path instead of the default in-memory log, so
	// unsynced local mutations survive a process restart (spec.md §3).
	// Empty keeps the in-memory log — fine for tests and for deployments
	// that accept losing queued writes across a crash.
	PendingLogPath string

	ToMap        func(T) entity.Map
	FromMap      func(entity.Map) (T, error)
	IDOf         func(T) K
	IDToSQL      func(K) any
	IDFromString func(string) (K, error)
}

// Store is the sync-cloud backend (spec.md §4.9 "Cloud record backend").
type Store[T any, K comparable] struct {
	storage.Lifecycle

	cfg Config[T, K]
	db  *sql.DB

	watchers   *watch.Registry[T, K]
	pending    *pending.Manager[T]
	pendingLog *pending.BoltLog[T]
	breaker    *gobreaker.CircuitBreaker
	channel    *realtimeClient
}

// New constructs a Store without connecting; call Initialize to dial the
// remote.
func New[T any, K comparable](cfg Config[T, K]) *Store[T, K] {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	s := &Store[T, K]{cfg: cfg, watchers: watch.NewRegistry[T, K]()}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloudstore-sync:" + cfg.TableName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.pending = pending.New(pending.Hooks[T]{})
	return s
}

func (s *Store[T, K]) Name() string { return "supabase" }

func (s *Store[T, K]) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		SupportsOffline:         true,
		SupportsRealtime:        true,
		SupportsTransactions:    true,
		SupportsPagination:      true,
		SupportsFieldOperations: true,
	}
}

// Initialize opens the remote connection, creates schema if absent, wires
// the pending-change manager's hooks to this store's own save/delete/sync,
// and dials the realtime channel if configured.
func (s *Store[T, K]) Initialize(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DSN)
	if err != nil {
		return errs.Sync("open postgres connection", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return classifyConnError(err)
	}
	s.db = db

	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	mgr, log, err := s.newPendingManager(pending.Hooks[T]{
		IDOf:   func(item T) string { return fmt.Sprint(s.cfg.IDOf(item)) },
		Save:   func(ctx context.Context, item T) error { _, err := s.writeRemote(ctx, item); return err },
		Delete: func(ctx context.Context, id string) error { return s.deleteRemoteByString(ctx, id) },
		Sync: func(ctx context.Context, change entity.PendingChange[T]) error {
			if change.Operation == entity.OpDelete {
				return s.deleteRemoteByString(ctx, fmt.Sprint(s.cfg.IDOf(change.Item)))
			}
			_, err := s.writeRemote(ctx, change.Item)
			return err
		},
	})
	if err != nil {
		_ = db.Close()
		return err
	}
	s.pending = mgr
	s.pendingLog = log

	if s.cfg.RealtimeURL != "" {
		s.channel = newRealtimeClient(s.cfg.RealtimeURL, s.cfg.AuthToken, s.onRemoteEvent)
		s.channel.start()
	}

	s.MarkInitialized()
	return nil
}

// newPendingManager builds the pending-change manager for this store: a
// durable bbolt-backed log when Config.PendingLogPath is set (spec.md §3:
// "Pending changes persist until retried successfully or cancelled"), or
// the default in-memory log otherwise. Split out from Initialize so the
// selection logic is unit-testable without a live Postgres connection.
func (s *Store[T, K]) newPendingManager(hooks pending.Hooks[T]) (*pending.Manager[T], *pending.BoltLog[T], error) {
	if s.cfg.PendingLogPath == "" {
		return pending.New(hooks), nil, nil
	}
	log, err := pending.OpenBoltLog[T](s.cfg.PendingLogPath, "pending:"+s.cfg.TableName)
	if err != nil {
		return nil, nil, errs.Sync("open durable pending log", err)
	}
	return pending.NewWithLog[T](log, hooks), log, nil
}

func (s *Store[T, K]) createSchema(ctx context.Context) error {
	var cols []string
	cols = append(cols, fmt.Sprintf("%s TEXT PRIMARY KEY", s.cfg.IDColumn))
	for _, c := range s.cfg.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.cfg.TableName, strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return classifyWriteError(err)
	}

	for _, idx := range s.cfg.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		idxStmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, idx.Name, s.cfg.TableName, strings.Join(idx.Columns, ", "))
		if _, err := s.db.ExecContext(ctx, idxStmt); err != nil {
			return classifyWriteError(err)
		}
	}
	return nil
}

// Close is idempotent: stops the realtime channel, releases the
// pending-change manager, and closes the remote connection.
func (s *Store[T, K]) Close(ctx context.Context) error {
	if s.IsClosed() {
		return nil
	}
	s.MarkClosed()
	if s.channel != nil {
		s.channel.stop()
	}
	s.pending.Dispose()
	if s.pendingLog != nil {
		_ = s.pendingLog.Close()
	}
	s.watchers.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store[T, K]) columnNames() []string {
	names := make([]string, 0, len(s.cfg.Columns)+1)
	names = append(names, s.cfg.IDColumn)
	for _, c := range s.cfg.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (s *Store[T, K]) scanRow(rows *sql.Rows) (T, error) {
	var zero T
	names := s.columnNames()
	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return zero, errs.Sync("scan row", err)
	}

	m := entity.Map{}
	for i, name := range names {
		m[name] = values[i]
	}
	item, err := s.cfg.FromMap(m)
	if err != nil {
		return zero, errs.Validation("decode row", err)
	}
	return item, nil
}

func (s *Store[T, K]) Get(ctx context.Context, id K) (*T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		strings.Join(s.columnNames(), ", "), s.cfg.TableName, s.cfg.IDColumn)
	rows, err := s.db.QueryContext(ctx, stmt, s.cfg.IDToSQL(id))
	if err != nil {
		return nil, classifyConnError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	item, err := s.scanRow(rows)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store[T, K]) GetAll(ctx context.Context, q *query.Query) ([]T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return s.getAllLocked(ctx, q)
}

func (s *Store[T, K]) getAllLocked(ctx context.Context, q *query.Query) ([]T, error) {
	frag := translate.ToSQL(q, s.cfg.FieldMap)

	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(s.columnNames(), ", "), s.cfg.TableName)
	if frag.Where != "" {
		stmt += " WHERE " + rebind(frag.Where)
	}
	if frag.Order != "" {
		stmt += " " + frag.Order
	}
	if frag.Limit != "" {
		stmt += " " + frag.Limit
	}

	rows, err := s.db.QueryContext(ctx, stmt, frag.Args...)
	if err != nil {
		return nil, classifyConnError(err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// rebind rewrites translate's "?" placeholders into Postgres's positional
// "$1, $2, ..." form. Values are always bound as arguments, never inlined
// (spec.md §4.2), so a plain left-to-right substitution is safe: no "?"
// ever appears inside a literal.
func rebind(where string) string {
	var b strings.Builder
	n := 0
	for _, r := range where {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save writes through to the remote immediately. If the write fails with a
// retryable error (network/timeout), it is recorded as a pending change
// instead of being surfaced to the caller, matching spec.md §4.4's
// offline-write behavior; pending changes on this backend are real, unlike
// the local relational and CRDT backends where writes never fail for
// connectivity reasons.
func (s *Store[T, K]) Save(ctx context.Context, item T) (T, error) {
	var zero T
	if err := s.Ready(); err != nil {
		return zero, err
	}

	if _, err := s.writeRemote(ctx, item); err != nil {
		if classified, ok := errs.As(err); ok && classified.IsRetryable() {
			if _, recErr := s.pending.RecordChange(item, entity.OpUpdate, nil); recErr != nil {
				return zero, recErr
			}
			return item, nil
		}
		return zero, err
	}

	id := s.cfg.IDOf(item)
	saved := item
	s.watchers.NotifySaved(ctx, id, &saved, s.refreshAll)
	return item, nil
}

func (s *Store[T, K]) writeRemote(ctx context.Context, item T) (T, error) {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.upsert(ctx, item)
	})
	if err != nil {
		return item, classifyConnError(err)
	}
	return item, nil
}

func (s *Store[T, K]) upsert(ctx context.Context, item T) error {
	m := s.cfg.ToMap(item)
	names := s.columnNames()

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	updates := make([]string, 0, len(names)-1)
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = m[name]
		if name != s.cfg.IDColumn {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
		}
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		s.cfg.TableName, strings.Join(names, ", "), strings.Join(placeholders, ", "),
		s.cfg.IDColumn, strings.Join(updates, ", "),
	)
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// SaveAll runs in a single transaction (the remote is Postgres, which gives
// us real ACID transactions unlike the embedded-engine backends' weaker
// guarantees).
func (s *Store[T, K]) SaveAll(ctx context.Context, items []T) ([]T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Transaction("begin saveAll transaction", err)
	}
	for _, item := range items {
		m := s.cfg.ToMap(item)
		names := s.columnNames()
		placeholders := make([]string, len(names))
		args := make([]any, len(names))
		updates := make([]string, 0, len(names)-1)
		for i, name := range names {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = m[name]
			if name != s.cfg.IDColumn {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
			}
		}
		stmt := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			s.cfg.TableName, strings.Join(names, ", "), strings.Join(placeholders, ", "),
			s.cfg.IDColumn, strings.Join(updates, ", "),
		)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			_ = tx.Rollback()
			return nil, classifyWriteError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Transaction("commit saveAll transaction", err)
	}

	for _, item := range items {
		id := s.cfg.IDOf(item)
		saved := item
		s.watchers.NotifySaved(ctx, id, &saved, s.refreshAll)
	}
	return items, nil
}

func (s *Store[T, K]) Delete(ctx context.Context, id K) (bool, error) {
	if err := s.Ready(); err != nil {
		return false, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.cfg.TableName, s.cfg.IDColumn)
	res, err := s.db.ExecContext(ctx, stmt, s.cfg.IDToSQL(id))
	if err != nil {
		return false, classifyWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Sync("read rows affected", err)
	}
	if n == 0 {
		return false, nil
	}
	s.watchers.NotifyDeleted(ctx, id, s.refreshAll)
	return true, nil
}

func (s *Store[T, K]) deleteRemoteByString(ctx context.Context, id string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.cfg.TableName, s.cfg.IDColumn)
	_, err := s.db.ExecContext(ctx, stmt, id)
	return err
}

func (s *Store[T, K]) DeleteAll(ctx context.Context, ids []K) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s.cfg.IDToSQL(id)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", s.cfg.TableName, s.cfg.IDColumn, strings.Join(placeholders, ","))
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, classifyWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Sync("read rows affected", err)
	}

	for _, id := range ids {
		s.watchers.NotifyDeleted(ctx, id, s.refreshAll)
	}
	return int(n), nil
}

func (s *Store[T, K]) DeleteWhere(ctx context.Context, q *query.Query) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	frag := translate.ToSQL(q, s.cfg.FieldMap)

	stmt := fmt.Sprintf("DELETE FROM %s", s.cfg.TableName)
	if frag.Where != "" {
		stmt += " WHERE " + rebind(frag.Where)
	}
	res, err := s.db.ExecContext(ctx, stmt, frag.Args...)
	if err != nil {
		return 0, classifyWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Sync("read rows affected", err)
	}

	s.watchers.NotifyBulkChange(ctx, s.refreshAll)
	return int(n), nil
}

func (s *Store[T, K]) Watch(ctx context.Context, id K) (*watch.Subject[*T], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return s.watchers.Watch(ctx, id, func(ctx context.Context, id K) (*T, error) {
		return s.Get(ctx, id)
	})
}

func (s *Store[T, K]) WatchAll(ctx context.Context, q *query.Query) (*watch.Subject[[]T], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return s.watchers.WatchAll(ctx, q, s.refreshAll)
}

func (s *Store[T, K]) refreshAll(ctx context.Context, q *query.Query) ([]T, error) {
	return s.getAllLocked(ctx, q)
}

// onRemoteEvent is the realtime channel's callback (channel.go): it
// refreshes the affected per-id and query watchers without re-issuing the
// write, since the remote already applied it.
func (s *Store[T, K]) onRemoteEvent(ctx context.Context, ev RowChangeEvent) {
	if s.cfg.IDFromString == nil {
		return
	}
	id, err := s.cfg.IDFromString(ev.ID)
	if err != nil {
		return
	}
	if ev.Op == RowDeleted {
		s.watchers.NotifyDeleted(ctx, id, s.refreshAll)
		return
	}
	item, err := s.cfg.FromMap(ev.Fields)
	if err != nil {
		return
	}
	s.watchers.NotifySaved(ctx, id, &item, s.refreshAll)
}

// Sync reconciles with the remote: it drains the pending-change log via a
// retry pass, then (if BulkURL is configured) pulls a full snapshot over
// HTTP/2 (bulk.go) to catch anything the realtime channel missed while
// disconnected. The whole round is circuit-broken so a dead remote fails
// fast (spec.md §9 design note on gobreaker).
func (s *Store[T, K]) Sync(ctx context.Context) error {
	if err := s.Ready(); err != nil {
		return err
	}

	_, err := s.breaker.Execute(func() (any, error) {
		for _, change := range s.pending.List() {
			if err := s.pending.RetryChange(ctx, change.ID); err != nil {
				return nil, err
			}
			s.pending.RemoveChange(change.ID)
		}
		if s.cfg.BulkURL == "" {
			return nil, s.db.PingContext(ctx)
		}
		return nil, s.reconcileBulk(ctx)
	})
	if err != nil {
		return classifyConnError(err)
	}
	return nil
}

func (s *Store[T, K]) SyncStatus(ctx context.Context) (entity.SyncStatus, error) {
	if err := s.Ready(); err != nil {
		return entity.SyncStatus{}, err
	}
	if s.pending.Count() > 0 {
		return entity.SyncStatus{Kind: entity.StatusUploading}, nil
	}
	if s.breaker.State() == gobreaker.StateOpen {
		return entity.SyncStatus{Kind: entity.StatusDisconnected}, nil
	}
	return entity.SyncStatus{Kind: entity.StatusSynced}, nil
}

func (s *Store[T, K]) SyncStatusStream(ctx context.Context) (*watch.Subject[entity.SyncStatus], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	status, err := s.SyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	subj := watch.NewSubject[entity.SyncStatus]()
	subj.Emit(status)
	return subj, nil
}

func (s *Store[T, K]) PendingChangesCount(ctx context.Context) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	return s.pending.Count(), nil
}

func (s *Store[T, K]) PendingChangesStream(ctx context.Context) (*watch.Subject[[]entity.PendingChange[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return s.pending.SnapshotStream(), nil
}

func (s *Store[T, K]) ConflictsStream(ctx context.Context) (*watch.Subject[entity.ConflictDetails[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return s.pending.ConflictStream(), nil
}

func (s *Store[T, K]) RetryChange(ctx context.Context, changeID string) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return s.pending.RetryChange(ctx, changeID)
}

func (s *Store[T, K]) CancelChange(ctx context.Context, changeID string) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return s.pending.CancelChange(ctx, changeID)
}

func (s *Store[T, K]) GetAllPaged(ctx context.Context, q *query.Query) (query.PagedResult[T], error) {
	if err := s.Ready(); err != nil {
		return query.PagedResult[T]{}, err
	}
	items, err := s.getAllLocked(ctx, stripPaging(q))
	if err != nil {
		return query.PagedResult[T]{}, err
	}
	return query.Paginate(items, q), nil
}

// WatchAllPaged stays live like WatchAll, per spec.md §4.7 ("watchAllPaged
// is defined as watchAll mapped through the same slicing"): it derives its
// subject from the unpaged WatchAll stream so a Save/Delete/DeleteWhere (or
// a remote realtime event via onRemoteEvent) that refreshes the query also
// re-slices and re-emits the page, instead of emitting a single static
// snapshot.
func (s *Store[T, K]) WatchAllPaged(ctx context.Context, q *query.Query) (*watch.Subject[query.PagedResult[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	inner, err := s.WatchAll(ctx, stripPaging(q))
	if err != nil {
		return nil, err
	}
	return watch.MapSubject(inner, func(items []T) (query.PagedResult[T], error) {
		return query.Paginate(items, q), nil
	}), nil
}

func stripPaging(q *query.Query) *query.Query {
	if q == nil {
		return nil
	}
	cp := *q
	cp.Limit = nil
	cp.Offset = nil
	cp.FirstCount = nil
	cp.AfterCursor = nil
	return &cp
}

// Package crdtstore implements the CRDT backend of spec.md §4.9: "Writes
// stamp each row with a hybrid logical clock and node-ID column; deletes
// set a tombstone instead of removing rows. Reads filter out tombstones by
// default. Exposes getChangeset(since?) and applyChangeset(bytes) for peer
// merge; merge must be monotonic." It is adapted from the teacher's
// internal/storage/dolt/store.go: Dolt is itself a version-controlled SQL
// engine (commits/diffs/merge are native), so the embedded-mode connection
// setup is kept verbatim in spirit while the version-control surface
// (commit/push/pull/branch) is replaced by the spec's changeset/merge
// contract built directly on row versioning.
package crdtstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/storage"
	"github.com/nexusdata/nexusstore/internal/translate"
	"github.com/nexusdata/nexusstore/internal/watch"
)

// ColumnSpec is one caller-defined column beyond id and the CRDT metadata
// columns (spec.md §6.3: "CRDT tables additionally carry hlc, node_id,
// modified, and an is_deleted tombstone column").
type ColumnSpec struct {
	Name string
	Type string
}

// Config configures a Store.
type Config[T any, K comparable] struct {
	// Path to an embedded Dolt database directory. ServerDSN, if set,
	// connects to a running dolt sql-server instead (federation mode),
	// mirroring the teacher's embedded-vs-server-mode split.
	Path      string
	ServerDSN string

	Database      string // defaults to "nexusstore"
	NodeID        string // defaults to a random id if empty
	SchemaVersion string
	TableName     string
	IDColumn      string // default "id"
	Columns       []ColumnSpec
	FieldMap      map[string]string

	ToMap   func(T) entity.Map
	FromMap func(entity.Map) (T, error)
	IDOf    func(T) K
	IDToSQL func(K) any
}

const (
	colHLCWall    = "hlc_wall"
	colHLCCounter = "hlc_counter"
	colNodeID     = "node_id"
	colModified   = "modified"
	colIsDeleted  = "is_deleted"
)

// Store is the CRDT backend.
type Store[T any, K comparable] struct {
	storage.Lifecycle

	cfg   Config[T, K]
	db    *sql.DB
	clock *Clock

	watchers *watch.Registry[T, K]
}

// New constructs a Store without connecting.
func New[T any, K comparable](cfg Config[T, K]) *Store[T, K] {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.Database == "" {
		cfg.Database = "nexusstore"
	}
	return &Store[T, K]{cfg: cfg, watchers: watch.NewRegistry[T, K]()}
}

func (s *Store[T, K]) Name() string { return "crdt" }

func (s *Store[T, K]) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		SupportsOffline:         true,
		SupportsRealtime:        false,
		SupportsTransactions:    true,
		SupportsPagination:      true,
		SupportsFieldOperations: true,
	}
}

func (s *Store[T, K]) Initialize(ctx context.Context) error {
	var connStr string
	if s.cfg.ServerDSN != "" {
		connStr = s.cfg.ServerDSN
	} else {
		if s.cfg.Path == "" {
			return errs.Validation("crdtstore: Path or ServerDSN is required", nil)
		}
		if err := os.MkdirAll(s.cfg.Path, 0o750); err != nil {
			return errs.Sync("create dolt database directory", err)
		}
		connStr = fmt.Sprintf("file://%s?commitname=nexusstore&commitemail=nexusstore@local&database=%s",
			filepath.ToSlash(s.cfg.Path), s.cfg.Database)
	}

	driver := "dolt"
	if s.cfg.ServerDSN != "" {
		driver = "mysql"
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return errs.Sync("open dolt database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errs.Sync("connect to dolt database", err)
	}

	s.db = db

	nodeID := s.cfg.NodeID
	if nodeID == "" {
		nodeID = fmt.Sprintf("node-%d", time.Now().UnixNano())
	}
	s.clock = NewClock(nodeID)

	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	s.MarkInitialized()
	return nil
}

func (s *Store[T, K]) createSchema(ctx context.Context) error {
	var cols []string
	cols = append(cols, fmt.Sprintf("%s TEXT PRIMARY KEY", s.cfg.IDColumn))
	for _, c := range s.cfg.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	cols = append(cols,
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", colHLCWall),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", colHLCCounter),
		fmt.Sprintf("%s TEXT NOT NULL DEFAULT ''", colNodeID),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", colModified),
		fmt.Sprintf("%s TINYINT NOT NULL DEFAULT 0", colIsDeleted),
	)

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.cfg.TableName, strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.Sync("create table", err)
	}
	return nil
}

func (s *Store[T, K]) Close(ctx context.Context) error {
	if s.IsClosed() {
		return nil
	}
	s.MarkClosed()
	s.watchers.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store[T, K]) dataColumns() []string {
	names := make([]string, 0, len(s.cfg.Columns)+1)
	names = append(names, s.cfg.IDColumn)
	for _, c := range s.cfg.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (s *Store[T, K]) allColumns() []string {
	return append(s.dataColumns(), colHLCWall, colHLCCounter, colNodeID, colModified, colIsDeleted)
}

func (s *Store[T, K]) scanRow(rows *sql.Rows) (T, ChangesetEntry, error) {
	var zero T
	names := s.allColumns()
	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return zero, ChangesetEntry{}, errs.Sync("scan row", err)
	}

	row := entity.Map{}
	for i, name := range names {
		row[name] = values[i]
	}

	dataCols := s.dataColumns()
	m := entity.Map{}
	for _, name := range dataCols {
		m[name] = row[name]
	}
	item, err := s.cfg.FromMap(m)
	if err != nil {
		return zero, ChangesetEntry{}, errs.Validation("decode row", err)
	}

	entry := ChangesetEntry{
		ID:        fmt.Sprint(row[s.cfg.IDColumn]),
		Fields:    m,
		HLC:       HLC{WallTime: toInt64(row[colHLCWall]), Counter: uint32(toInt64(row[colHLCCounter]))},
		NodeID:    fmt.Sprint(row[colNodeID]),
		IsDeleted: toInt64(row[colIsDeleted]) != 0,
	}
	return item, entry, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func (s *Store[T, K]) Get(ctx context.Context, id K) (*T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s = 0",
		strings.Join(s.allColumns(), ", "), s.cfg.TableName, s.cfg.IDColumn, colIsDeleted)
	rows, err := s.db.QueryContext(ctx, stmt, s.cfg.IDToSQL(id))
	if err != nil {
		return nil, errs.Sync("query row", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	item, _, err := s.scanRow(rows)
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
	sqlFrag := translate.ToSQL(q, s.cfg.FieldMap)

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 0", strings.Join(s.allColumns(), ", "), s.cfg.TableName, colIsDeleted)
	args := sqlFrag.Args
	if sqlFrag.Where != "" {
		stmt += " AND (" + sqlFrag.Where + ")"
	}
	if sqlFrag.Order != "" {
		stmt += " " + sqlFrag.Order
	}
	if sqlFrag.Limit != "" {
		stmt += " " + sqlFrag.Limit
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errs.Sync("query rows", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, _, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store[T, K]) upsert(ctx context.Context, item T, hlc HLC) error {
	m := s.cfg.ToMap(item)
	dataCols := s.dataColumns()

	cols := append(append([]string{}, dataCols...), colHLCWall, colHLCCounter, colNodeID, colModified, colIsDeleted)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, name := range dataCols {
		placeholders[i] = "?"
		args[i] = m[name]
	}
	args[len(dataCols)] = hlc.WallTime
	args[len(dataCols)+1] = int64(hlc.Counter)
	args[len(dataCols)+2] = s.clock.NodeID()
	args[len(dataCols)+3] = hlc.WallTime
	args[len(dataCols)+4] = int64(0)
	for i := len(dataCols); i < len(cols); i++ {
		placeholders[i] = "?"
	}

	stmt := fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)",
		s.cfg.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

func (s *Store[T, K]) Save(ctx context.Context, item T) (T, error) {
	var zero T
	if err := s.Ready(); err != nil {
		return zero, err
	}

	hlc := s.clock.Next()
	if err := s.upsert(ctx, item, hlc); err != nil {
		return zero, err
	}

	id := s.cfg.IDOf(item)
	saved := item
	s.watchers.NotifySaved(ctx, id, &saved, s.refreshAll)
	return item, nil
}

func (s *Store[T, K]) SaveAll(ctx context.Context, items []T) ([]T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	// Dolt's embedded and server-mode drivers don't expose the same
	// transaction guarantees the local relational backend gets from
	// SQLite, so saveAll here is per-item, stopping on the first
	// unrecoverable error (spec.md §4.1's fallback clause).
	for _, item := range items {
		if _, err := s.Save(ctx, item); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *Store[T, K]) Delete(ctx context.Context, id K) (bool, error) {
	if err := s.Ready(); err != nil {
		return false, err
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	hlc := s.clock.Next()
	stmt := fmt.Sprintf("UPDATE %s SET %s = 1, %s = ?, %s = ?, %s = ? WHERE %s = ?",
		s.cfg.TableName, colIsDeleted, colHLCWall, colHLCCounter, colModified, s.cfg.IDColumn)
	if _, err := s.db.ExecContext(ctx, stmt, hlc.WallTime, int64(hlc.Counter), hlc.WallTime, s.cfg.IDToSQL(id)); err != nil {
		return false, classifyWriteError(err)
	}

	s.watchers.NotifyDeleted(ctx, id, s.refreshAll)
	return true, nil
}

func (s *Store[T, K]) DeleteAll(ctx context.Context, ids []K) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (s *Store[T, K]) DeleteWhere(ctx context.Context, q *query.Query) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	matching, err := s.getAllLocked(ctx, q)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, item := range matching {
		hlc := s.clock.Next()
		id := s.cfg.IDOf(item)
		stmt := fmt.Sprintf("UPDATE %s SET %s = 1, %s = ?, %s = ?, %s = ? WHERE %s = ?",
			s.cfg.TableName, colIsDeleted, colHLCWall, colHLCCounter, colModified, s.cfg.IDColumn)
		if _, err := s.db.ExecContext(ctx, stmt, hlc.WallTime, int64(hlc.Counter), hlc.WallTime, s.cfg.IDToSQL(id)); err != nil {
			return count, classifyWriteError(err)
		}
		count++
	}

	s.watchers.NotifyBulkChange(ctx, s.refreshAll)
	return count, nil
}

func (s *Store[T, K]) Watch(ctx context.Context, id K) (*watch.Subject[*T], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return s.watchers.Watch(ctx, id, func(ctx context.Context, id K) (*T, error) { return s.Get(ctx, id) })
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

// Sync triggers no remote round-trip on its own for the CRDT backend — peer
// synchronization happens via GetChangeset/ApplyChangeset, invoked directly
// by whatever replication transport wires two nodes together. Status is
// reported as synced once there are no pending local tombstone-free writes
// newer than the last observed peer HLC; this reference implementation
// reports synced unconditionally since it tracks no peer watermark itself.
func (s *Store[T, K]) Sync(ctx context.Context) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return nil
}

func (s *Store[T, K]) SyncStatus(ctx context.Context) (entity.SyncStatus, error) {
	if err := s.Ready(); err != nil {
		return entity.SyncStatus{}, err
	}
	return entity.SyncStatus{Kind: entity.StatusSynced}, nil
}

func (s *Store[T, K]) SyncStatusStream(ctx context.Context) (*watch.Subject[entity.SyncStatus], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	subj := watch.NewSubject[entity.SyncStatus]()
	subj.Emit(entity.SyncStatus{Kind: entity.StatusSynced})
	return subj, nil
}

func (s *Store[T, K]) PendingChangesCount(ctx context.Context) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *Store[T, K]) PendingChangesStream(ctx context.Context) (*watch.Subject[[]entity.PendingChange[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	subj := watch.NewSubject[[]entity.PendingChange[T]]()
	subj.Emit(nil)
	return subj, nil
}

func (s *Store[T, K]) ConflictsStream(ctx context.Context) (*watch.Subject[entity.ConflictDetails[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return watch.NewSubject[entity.ConflictDetails[T]](), nil
}

func (s *Store[T, K]) RetryChange(ctx context.Context, changeID string) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return errs.Validation("no pending changes on the CRDT backend", nil)
}

func (s *Store[T, K]) CancelChange(ctx context.Context, changeID string) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return errs.Validation("no pending changes on the CRDT backend", nil)
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
// subject from the unpaged WatchAll stream so a Save/Delete/DeleteWhere
// that refreshes the query also re-slices and re-emits the page, instead of
// emitting a single static snapshot.
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

// GetChangeset returns every row modified strictly after since (nil means
// "the full table"), for a peer to merge via ApplyChangeset.
func (s *Store[T, K]) GetChangeset(ctx context.Context, since *HLC) (Changeset, error) {
	if err := s.Ready(); err != nil {
		return Changeset{}, err
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(s.allColumns(), ", "), s.cfg.TableName)
	var args []any
	if since != nil {
		stmt += fmt.Sprintf(" WHERE %s > ? OR (%s = ? AND %s > ?)", colHLCWall, colHLCWall, colHLCCounter)
		args = append(args, since.WallTime, since.WallTime, int64(since.Counter))
	}
	stmt += fmt.Sprintf(" ORDER BY %s, %s", colHLCWall, colHLCCounter)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Changeset{}, errs.Sync("query changeset", err)
	}
	defer rows.Close()

	var entries []ChangesetEntry
	for rows.Next() {
		_, entry, err := s.scanRow(rows)
		if err != nil {
			return Changeset{}, err
		}
		entries = append(entries, entry)
	}
	return Changeset{SchemaVersion: s.cfg.SchemaVersion, Entries: entries}, rows.Err()
}

// ApplyChangeset merges a peer's changeset into this store. Merge is
// monotonic: a row is only overwritten if the incoming HLC is strictly
// greater than the locally stored one, so applying the same changeset
// twice is a no-op (spec.md §4.9).
func (s *Store[T, K]) ApplyChangeset(ctx context.Context, cs Changeset) error {
	if err := s.Ready(); err != nil {
		return err
	}
	if cs.SchemaVersion != s.cfg.SchemaVersion {
		return errs.Validation(
			fmt.Sprintf("changeset schema version %q does not match local %q", cs.SchemaVersion, s.cfg.SchemaVersion), nil)
	}

	dataCols := s.dataColumns()
	for _, entry := range cs.Entries {
		var existingWall, existingCounter int64
		row := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?", colHLCWall, colHLCCounter, s.cfg.TableName, s.cfg.IDColumn),
			entry.ID)
		err := row.Scan(&existingWall, &existingCounter)
		hasExisting := err == nil
		if err != nil && err != sql.ErrNoRows {
			return errs.Sync("read existing row for merge", err)
		}

		if hasExisting {
			existing := HLC{WallTime: existingWall, Counter: uint32(existingCounter)}
			if !entry.HLC.After(existing) {
				continue // monotonic merge: incoming change is not newer, skip
			}
		}

		cols := append(append([]string{}, dataCols...), colHLCWall, colHLCCounter, colNodeID, colModified, colIsDeleted)
		placeholders := strings.Repeat("?,", len(cols))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(cols))
		for _, name := range dataCols {
			args = append(args, entry.Fields[name])
		}
		args = append(args, entry.HLC.WallTime, int64(entry.HLC.Counter), entry.NodeID, entry.HLC.WallTime, boolToInt(entry.IsDeleted))

		stmt := fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)", s.cfg.TableName, strings.Join(cols, ", "), placeholders)
		if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
			return classifyWriteError(err)
		}

		s.clock.Observe(entry.HLC)
	}

	s.watchers.NotifyBulkChange(ctx, s.refreshAll)
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func classifyWriteError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique") || strings.Contains(msg, "foreign key") || strings.Contains(msg, "duplicate"):
		return errs.Validation("constraint violation", err)
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy") || strings.Contains(msg, "deadlock"):
		return errs.Transaction("database locked", err)
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "doesn't exist"):
		return errs.State(errs.SubUninitialized, "missing table", "initialized")
	default:
		return errs.Sync("write failed", err)
	}
}

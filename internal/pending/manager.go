// Package pending implements the pending-change manager (spec.md §4.4): a
// write-ahead log of offline operations with retry bookkeeping and
// inverse-compensating cancellation. Retry bookkeeping is grounded on the
// teacher's own offline-write retry loop (cmd/bd/flush_manager.go).
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
	"github.com/nexusdata/nexusstore/internal/watch"
)

// Log is the durability contract for the change list. The in-memory
// implementation below satisfies it trivially; internal/pending/boltlog.go
// provides a bbolt-backed implementation for process-restart durability
// (spec.md §3: "Pending changes persist until retried successfully or
// cancelled").
type Log[T any] interface {
	Append(change entity.PendingChange[T]) error
	Replace(change entity.PendingChange[T]) error
	Remove(id string) error
	List() ([]entity.PendingChange[T], error)
}

// memLog is the default in-process Log.
type memLog[T any] struct {
	mu    sync.Mutex
	order []string
	byID  map[string]entity.PendingChange[T]
}

func newMemLog[T any]() *memLog[T] {
	return &memLog[T]{byID: make(map[string]entity.PendingChange[T])}
}

func (l *memLog[T]) Append(c entity.PendingChange[T]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, c.ID)
	l.byID[c.ID] = c
	return nil
}

func (l *memLog[T]) Replace(c entity.PendingChange[T]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[c.ID]; !ok {
		return fmt.Errorf("pending: change %s not found", c.ID)
	}
	l.byID[c.ID] = c
	return nil
}

func (l *memLog[T]) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return nil
}

func (l *memLog[T]) List() ([]entity.PendingChange[T], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]entity.PendingChange[T], 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out, nil
}

// Hooks wires a Manager to the owning backend's save/delete/sync
// operations, used by RetryChange and CancelChange.
type Hooks[T any] struct {
	IDOf   func(T) string
	Save   func(ctx context.Context, item T) error
	Delete func(ctx context.Context, id string) error
	// Sync pushes a single change's payload to the remote, or triggers a
	// full sync() round — either satisfies spec.md §4.4's "invoke backend
	// sync() (or a single-item push)".
	Sync func(ctx context.Context, change entity.PendingChange[T]) error
}

// Manager is the pending-change manager of spec.md §4.4.
type Manager[T any] struct {
	mu       sync.Mutex
	log      Log[T]
	hooks    Hooks[T]
	snapshot *watch.Subject[[]entity.PendingChange[T]]
	conflict *watch.Subject[entity.ConflictDetails[T]]
	now      func() time.Time
	newID    func() string
}

// New constructs a Manager backed by an in-memory log. Use NewWithLog to
// plug in durable storage (see boltlog.go).
func New[T any](hooks Hooks[T]) *Manager[T] {
	return NewWithLog[T](newMemLog[T](), hooks)
}

// NewWithLog constructs a Manager backed by an arbitrary Log implementation.
func NewWithLog[T any](log Log[T], hooks Hooks[T]) *Manager[T] {
	return &Manager[T]{
		log:      log,
		hooks:    hooks,
		snapshot: watch.NewSubject[[]entity.PendingChange[T]](),
		conflict: watch.NewSubject[entity.ConflictDetails[T]](),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// RecordChange appends a new pending change and emits the new snapshot.
func (m *Manager[T]) RecordChange(item T, op entity.ChangeOp, original *T) (entity.PendingChange[T], error) {
	m.mu.Lock()
	change := entity.PendingChange[T]{
		ID:            m.newID(),
		Item:          item,
		Operation:     op,
		OriginalValue: original,
		AttemptedAt:   m.now(),
	}
	err := m.log.Append(change)
	m.mu.Unlock()
	if err != nil {
		return entity.PendingChange[T]{}, errs.Sync("record pending change", err)
	}
	m.emitSnapshot()
	return change, nil
}

// GetChange returns the change with the given id, if present.
func (m *Manager[T]) GetChange(id string) (entity.PendingChange[T], bool) {
	changes, _ := m.log.List()
	for _, c := range changes {
		if c.ID == id {
			return c, true
		}
	}
	return entity.PendingChange[T]{}, false
}

// List returns a snapshot of the whole pending-change log, in insertion
// order.
func (m *Manager[T]) List() []entity.PendingChange[T] {
	changes, _ := m.log.List()
	return changes
}

// Count returns the number of unsynced local mutations
// (Backend.pendingChangesCount, spec.md §4.1).
func (m *Manager[T]) Count() int {
	return len(m.List())
}

// SnapshotStream returns the ordered stream of pending-change list
// snapshots (spec.md §4.1 pendingChangesStream).
func (m *Manager[T]) SnapshotStream() *watch.Subject[[]entity.PendingChange[T]] {
	return m.snapshot
}

// ConflictStream returns the per-conflict event stream
// (spec.md §4.1 conflictsStream).
func (m *Manager[T]) ConflictStream() *watch.Subject[entity.ConflictDetails[T]] {
	return m.conflict
}

// EmitConflict surfaces a conflict to subscribers of ConflictStream. Called
// by backends that detect a concurrent-update/tombstone-revival/constraint
// conflict during sync (spec.md §3 ConflictDetails).
func (m *Manager[T]) EmitConflict(c entity.ConflictDetails[T]) {
	m.conflict.Emit(c)
}

// UpdateChange immutably replaces the stored change for id with the result
// of applying mutate to a copy of the current value, then emits the new
// snapshot.
func (m *Manager[T]) UpdateChange(id string, mutate func(entity.PendingChange[T]) entity.PendingChange[T]) error {
	current, ok := m.GetChange(id)
	if !ok {
		return errs.Validation(fmt.Sprintf("pending change %s not found", id), nil)
	}
	updated := mutate(current)
	updated.ID = id // mutate must not be able to change identity
	if err := m.log.Replace(updated); err != nil {
		return errs.Sync("update pending change", err)
	}
	m.emitSnapshot()
	return nil
}

// RemoveChange removes the change with the given id and returns it.
func (m *Manager[T]) RemoveChange(id string) (entity.PendingChange[T], bool) {
	change, ok := m.GetChange(id)
	if !ok {
		return entity.PendingChange[T]{}, false
	}
	_ = m.log.Remove(id)
	m.emitSnapshot()
	return change, true
}

// Dispose releases the snapshot stream.
func (m *Manager[T]) Dispose() {
	m.snapshot.Close()
	m.conflict.Close()
}

func (m *Manager[T]) emitSnapshot() {
	m.snapshot.Emit(m.List())
}

// RetryChange implements spec.md §4.4's retryChange: increment the retry
// count, stamp lastAttempt, then invoke the sync hook with the change's
// payload. Failure leaves the change in the log with an updated cause.
func (m *Manager[T]) RetryChange(ctx context.Context, id string) error {
	change, ok := m.GetChange(id)
	if !ok {
		return errs.Validation(fmt.Sprintf("pending change %s not found", id), nil)
	}

	now := m.now()
	change.RetryCount++
	change.LastAttempt = &now
	if err := m.log.Replace(change); err != nil {
		return errs.Sync("update retry bookkeeping", err)
	}
	m.emitSnapshot()

	if m.hooks.Sync == nil {
		return errs.State(errs.SubUninitialized, "no-sync-hook", "sync-hook")
	}

	if err := m.hooks.Sync(ctx, change); err != nil {
		change.Cause = err.Error()
		_ = m.log.Replace(change)
		m.emitSnapshot()
		return err
	}
	return nil
}

// RetryAll concurrently retries every change currently in the log, one
// goroutine per change (spec.md §4.4: a sync() round retries the whole
// pending log, not just one entry at a time). It returns one error per
// change that failed to sync, in no particular order; a fully successful
// round returns an empty slice. A panic inside any single retry is
// recovered in that change's goroutine and surfaces as that change's error
// rather than crashing the caller (conc.WaitGroup.Wait would otherwise
// re-panic it).
func (m *Manager[T]) RetryAll(ctx context.Context) []error {
	changes := m.List()

	var mu sync.Mutex
	var errsOut []error

	wg := conc.NewWaitGroup()
	for _, change := range changes {
		id := change.ID
		wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errsOut = append(errsOut, fmt.Errorf("pending change %s: panic: %v", id, r))
					mu.Unlock()
				}
			}()
			if err := m.RetryChange(ctx, id); err != nil {
				mu.Lock()
				errsOut = append(errsOut, fmt.Errorf("pending change %s: %w", id, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	return errsOut
}

// CancelChange implements spec.md §4.4's cancelChange: inverse-compensate
// the change (restore the original value for an update/delete, delete the
// item for a create), then remove the change from the log.
func (m *Manager[T]) CancelChange(ctx context.Context, id string) error {
	change, ok := m.GetChange(id)
	if !ok {
		return errs.Validation(fmt.Sprintf("pending change %s not found", id), nil)
	}

	switch change.Operation {
	case entity.OpUpdate:
		if change.OriginalValue != nil {
			if m.hooks.Save == nil {
				return errs.State(errs.SubUninitialized, "no-save-hook", "save-hook")
			}
			if err := m.hooks.Save(ctx, *change.OriginalValue); err != nil {
				return err
			}
		}
	case entity.OpCreate:
		if m.hooks.Delete == nil || m.hooks.IDOf == nil {
			return errs.State(errs.SubUninitialized, "no-delete-hook", "delete-hook")
		}
		if err := m.hooks.Delete(ctx, m.hooks.IDOf(change.Item)); err != nil {
			return err
		}
	case entity.OpDelete:
		if change.OriginalValue != nil {
			if m.hooks.Save == nil {
				return errs.State(errs.SubUninitialized, "no-save-hook", "save-hook")
			}
			if err := m.hooks.Save(ctx, *change.OriginalValue); err != nil {
				return err
			}
		}
	}

	_, _ = m.RemoveChange(id)
	return nil
}

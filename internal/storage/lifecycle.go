package storage

import (
	"sync"
	"sync/atomic"

	"github.com/nexusdata/nexusstore/internal/errs"
)

// Lifecycle is the shared initialize/close state-guard mixin named in
// spec.md §4.1 ("every data method fails with StateError{uninitialized} if
// called before initialize or after close"), grounded on the teacher's
// repeated `if s.db == nil { return errNotInitialized }` guard at the top
// of every internal/storage/sqlite method — generalized here into one
// reusable type so each concrete backend embeds it instead of repeating
// the check by hand.
type Lifecycle struct {
	mu          sync.Mutex
	initialized bool
	closed      atomic.Bool
}

// MarkInitialized records a successful Initialize call. Safe to call more
// than once (Initialize is idempotent per spec.md §4.1).
func (l *Lifecycle) MarkInitialized() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
}

// MarkClosed records a Close call. Idempotent.
func (l *Lifecycle) MarkClosed() {
	l.closed.Store(true)
}

// Ready returns a StateError if the backend has not been initialized or
// has already been closed, nil otherwise.
func (l *Lifecycle) Ready() error {
	if l.closed.Load() {
		return errs.State(errs.SubClosed, "closed", "initialized")
	}
	l.mu.Lock()
	initialized := l.initialized
	l.mu.Unlock()
	if !initialized {
		return errs.Uninitialized()
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (l *Lifecycle) IsClosed() bool { return l.closed.Load() }

// Package storage defines the backend contract every concrete store
// (internal/storage/sqlstore, crdtstore, cloudstore, cryptostore)
// implements (spec.md §4.1), grounded on the de-facto Storage interface
// implicit across the teacher's internal/storage/sqlite and
// internal/storage/dolt packages — both expose the same CRUD/watch/sync
// surface today, just without a named interface tying them together.
package storage

import (
	"context"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/watch"
)

// Capabilities are the backend-advertised feature flags of spec.md §4.1.
type Capabilities struct {
	SupportsOffline         bool
	SupportsRealtime        bool
	SupportsTransactions    bool
	SupportsPagination      bool
	SupportsFieldOperations bool
}

// Backend is the contract every entity store implements for entity type T
// keyed by K. "name" identifies the concrete backend (e.g. "drift", "crdt",
// "powersync", "brick", "supabase" per spec.md §4.1).
type Backend[T any, K comparable] interface {
	Name() string
	Capabilities() Capabilities

	// Initialize acquires underlying resources. Idempotent; fails with a
	// Sync-kind error if the underlying store is unreachable.
	Initialize(ctx context.Context) error
	// Close is idempotent: closes all subjects, cancels all subscriptions,
	// zeroes key material.
	Close(ctx context.Context) error

	Get(ctx context.Context, id K) (*T, error)
	GetAll(ctx context.Context, q *query.Query) ([]T, error)
	Save(ctx context.Context, item T) (T, error)
	SaveAll(ctx context.Context, items []T) ([]T, error)
	Delete(ctx context.Context, id K) (bool, error)
	DeleteAll(ctx context.Context, ids []K) (int, error)
	DeleteWhere(ctx context.Context, q *query.Query) (int, error)

	Watch(ctx context.Context, id K) (*watch.Subject[*T], error)
	WatchAll(ctx context.Context, q *query.Query) (*watch.Subject[[]T], error)

	Sync(ctx context.Context) error
	SyncStatus(ctx context.Context) (entity.SyncStatus, error)
	SyncStatusStream(ctx context.Context) (*watch.Subject[entity.SyncStatus], error)

	PendingChangesCount(ctx context.Context) (int, error)
	PendingChangesStream(ctx context.Context) (*watch.Subject[[]entity.PendingChange[T]], error)
	ConflictsStream(ctx context.Context) (*watch.Subject[entity.ConflictDetails[T]], error)
	RetryChange(ctx context.Context, changeID string) error
	CancelChange(ctx context.Context, changeID string) error

	GetAllPaged(ctx context.Context, q *query.Query) (query.PagedResult[T], error)
	WatchAllPaged(ctx context.Context, q *query.Query) (*watch.Subject[query.PagedResult[T]], error)
}

// IDOf extracts a backend entity's key. Backends that store plain structs
// supply this via a small adapter function at construction time; it exists
// because Go generics cannot express "T has a field K" directly.
type IDOf[T any, K comparable] func(T) K

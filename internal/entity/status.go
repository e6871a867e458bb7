package entity

import "time"

// SyncStatusKind is one of {synced, syncing, uploading, disconnected, error}
// (spec.md §3).
type SyncStatusKind string

const (
	StatusSynced       SyncStatusKind = "synced"
	StatusSyncing      SyncStatusKind = "syncing"
	StatusUploading    SyncStatusKind = "uploading"
	StatusDisconnected SyncStatusKind = "disconnected"
	StatusError        SyncStatusKind = "error"
)

// SyncStatus is the per-backend value exposed both as a current snapshot
// and as a stream (spec.md §3, §4.1).
type SyncStatus struct {
	Kind  SyncStatusKind
	Cause string
}

// ChangeOp is the operation a PendingChange represents.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// PendingChange[T] is a single unconfirmed local write (spec.md §3, §4.4).
// IDs are strings so backends can mint them however they like (the pending
// manager uses UUIDs; see internal/pending) while remaining unique for the
// lifetime of the process, per spec.md's invariant.
type PendingChange[T any] struct {
	ID            string
	Item          T
	Operation     ChangeOp
	OriginalValue *T
	AttemptedAt   time.Time
	LastAttempt   *time.Time
	RetryCount    int
	Cause         string
}

// ConflictKind is one of {concurrent-update, tombstone-revival, constraint}
// (spec.md §3).
type ConflictKind string

const (
	ConflictConcurrentUpdate  ConflictKind = "concurrent-update"
	ConflictTombstoneRevival  ConflictKind = "tombstone-revival"
	ConflictConstraint        ConflictKind = "constraint"
)

// ConflictDetails[T] describes a single sync-time conflict (spec.md §3).
type ConflictDetails[T any] struct {
	Local  T
	Remote T
	Field  string
	Kind   ConflictKind
}

// Package cryptostore implements the encrypted-backend wrapper of spec.md
// §4.9: "Delegates every method to an inner backend. Before save/saveAll,
// applies encryptFields to the serialized form; after get/getAll/watch/
// watchAll, applies decryptFields. close zeroes the key and marks the
// wrapper as cleared. rotateKey(newKey) clears the cipher cache after the
// underlying key provider rotates." It composes with any storage.Backend —
// sqlstore, crdtstore, or cloudstore — rather than owning storage itself.
package cryptostore

import (
	"context"

	"github.com/nexusdata/nexusstore/internal/crypto"
	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/query"
	"github.com/nexusdata/nexusstore/internal/storage"
	"github.com/nexusdata/nexusstore/internal/watch"
)

// Config wires the wrapper to the backend it encrypts and the
// field-conversion closures every backend in this codebase accepts
// (spec.md §9 "Dynamic entity maps").
type Config[T any, K comparable] struct {
	Inner   storage.Backend[T, K]
	Service *crypto.Service
	ToMap   func(T) entity.Map
	FromMap func(entity.Map) (T, error)
}

// Store delegates every operation to Config.Inner, encrypting configured
// fields on the way in and decrypting them on the way out.
type Store[T any, K comparable] struct {
	storage.Lifecycle
	cfg Config[T, K]
}

// New constructs a Store wrapping cfg.Inner.
func New[T any, K comparable](cfg Config[T, K]) *Store[T, K] {
	return &Store[T, K]{cfg: cfg}
}

func (s *Store[T, K]) Name() string { return s.cfg.Inner.Name() + "+encrypted" }

func (s *Store[T, K]) Capabilities() storage.Capabilities {
	return s.cfg.Inner.Capabilities()
}

func (s *Store[T, K]) Initialize(ctx context.Context) error {
	if err := s.cfg.Inner.Initialize(ctx); err != nil {
		return err
	}
	s.MarkInitialized()
	return nil
}

// Close zeroes the cached key/cipher and marks the wrapper cleared, per
// spec.md §4.9, then closes the inner backend.
func (s *Store[T, K]) Close(ctx context.Context) error {
	if s.IsClosed() {
		return nil
	}
	s.MarkClosed()
	s.cfg.Service.ClearCache()
	return s.cfg.Inner.Close(ctx)
}

// RotateKey clears the cipher cache so the next encrypt/decrypt call
// re-resolves the AEAD cipher from the (presumably already-rotated)
// KeyProvider (spec.md §4.9 "rotateKey(newKey) clears the cipher cache
// after the underlying key provider rotates").
func (s *Store[T, K]) RotateKey() {
	s.cfg.Service.ClearCache()
}

func (s *Store[T, K]) encryptItem(item T) (T, error) {
	var zero T
	m := s.cfg.ToMap(item)
	enc, err := s.cfg.Service.EncryptFields(m)
	if err != nil {
		return zero, err
	}
	return s.cfg.FromMap(enc)
}

func (s *Store[T, K]) decryptItem(item T) (T, error) {
	var zero T
	m := s.cfg.ToMap(item)
	dec, err := s.cfg.Service.DecryptFields(m)
	if err != nil {
		return zero, err
	}
	return s.cfg.FromMap(dec)
}

func (s *Store[T, K]) decryptPointer(item *T) (*T, error) {
	if item == nil {
		return nil, nil
	}
	dec, err := s.decryptItem(*item)
	if err != nil {
		return nil, err
	}
	return &dec, nil
}

func (s *Store[T, K]) decryptSlice(items []T) ([]T, error) {
	out := make([]T, len(items))
	for i, item := range items {
		dec, err := s.decryptItem(item)
		if err != nil {
			return nil, err
		}
		out[i] = dec
	}
	return out, nil
}

func (s *Store[T, K]) Get(ctx context.Context, id K) (*T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	item, err := s.cfg.Inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decryptPointer(item)
}

func (s *Store[T, K]) GetAll(ctx context.Context, q *query.Query) ([]T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	items, err := s.cfg.Inner.GetAll(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.decryptSlice(items)
}

func (s *Store[T, K]) Save(ctx context.Context, item T) (T, error) {
	var zero T
	if err := s.Ready(); err != nil {
		return zero, err
	}
	encrypted, err := s.encryptItem(item)
	if err != nil {
		return zero, err
	}
	saved, err := s.cfg.Inner.Save(ctx, encrypted)
	if err != nil {
		return zero, err
	}
	return s.decryptItem(saved)
}

func (s *Store[T, K]) SaveAll(ctx context.Context, items []T) ([]T, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	encrypted := make([]T, len(items))
	for i, item := range items {
		enc, err := s.encryptItem(item)
		if err != nil {
			return nil, err
		}
		encrypted[i] = enc
	}
	saved, err := s.cfg.Inner.SaveAll(ctx, encrypted)
	if err != nil {
		return nil, err
	}
	return s.decryptSlice(saved)
}

func (s *Store[T, K]) Delete(ctx context.Context, id K) (bool, error) {
	if err := s.Ready(); err != nil {
		return false, err
	}
	return s.cfg.Inner.Delete(ctx, id)
}

func (s *Store[T, K]) DeleteAll(ctx context.Context, ids []K) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	return s.cfg.Inner.DeleteAll(ctx, ids)
}

// DeleteWhere forwards the query unchanged: filters are evaluated by the
// inner backend against the encrypted ciphertext for any field the service
// is configured to encrypt, so deleteWhere predicates over encrypted
// fields only match on exact ciphertext equality, never on the plaintext
// value. This mirrors normal field-level (as opposed to database-level)
// encryption — querying inside ciphertext is out of scope (spec.md §4.5).
func (s *Store[T, K]) DeleteWhere(ctx context.Context, q *query.Query) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	return s.cfg.Inner.DeleteWhere(ctx, q)
}

func (s *Store[T, K]) Watch(ctx context.Context, id K) (*watch.Subject[*T], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	inner, err := s.cfg.Inner.Watch(ctx, id)
	if err != nil {
		return nil, err
	}
	return watch.MapSubject(inner, s.decryptPointer), nil
}

func (s *Store[T, K]) WatchAll(ctx context.Context, q *query.Query) (*watch.Subject[[]T], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	inner, err := s.cfg.Inner.WatchAll(ctx, q)
	if err != nil {
		return nil, err
	}
	return watch.MapSubject(inner, s.decryptSlice), nil
}

func (s *Store[T, K]) Sync(ctx context.Context) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return s.cfg.Inner.Sync(ctx)
}

func (s *Store[T, K]) SyncStatus(ctx context.Context) (entity.SyncStatus, error) {
	if err := s.Ready(); err != nil {
		return entity.SyncStatus{}, err
	}
	return s.cfg.Inner.SyncStatus(ctx)
}

func (s *Store[T, K]) SyncStatusStream(ctx context.Context) (*watch.Subject[entity.SyncStatus], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	return s.cfg.Inner.SyncStatusStream(ctx)
}

func (s *Store[T, K]) PendingChangesCount(ctx context.Context) (int, error) {
	if err := s.Ready(); err != nil {
		return 0, err
	}
	return s.cfg.Inner.PendingChangesCount(ctx)
}

// PendingChangesStream decrypts each change's Item/OriginalValue before
// re-emitting, since the inner backend's pending log stores whatever was
// actually written to it — the encrypted form.
func (s *Store[T, K]) PendingChangesStream(ctx context.Context) (*watch.Subject[[]entity.PendingChange[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	inner, err := s.cfg.Inner.PendingChangesStream(ctx)
	if err != nil {
		return nil, err
	}
	return watch.MapSubject(inner, s.decryptPendingChanges), nil
}

func (s *Store[T, K]) decryptPendingChanges(changes []entity.PendingChange[T]) ([]entity.PendingChange[T], error) {
	out := make([]entity.PendingChange[T], len(changes))
	for i, c := range changes {
		dec, err := s.decryptItem(c.Item)
		if err != nil {
			return nil, err
		}
		c.Item = dec
		if c.OriginalValue != nil {
			origDec, err := s.decryptItem(*c.OriginalValue)
			if err != nil {
				return nil, err
			}
			c.OriginalValue = &origDec
		}
		out[i] = c
	}
	return out, nil
}

func (s *Store[T, K]) ConflictsStream(ctx context.Context) (*watch.Subject[entity.ConflictDetails[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	inner, err := s.cfg.Inner.ConflictsStream(ctx)
	if err != nil {
		return nil, err
	}
	return watch.MapSubject(inner, s.decryptConflict), nil
}

func (s *Store[T, K]) decryptConflict(c entity.ConflictDetails[T]) (entity.ConflictDetails[T], error) {
	local, err := s.decryptItem(c.Local)
	if err != nil {
		return entity.ConflictDetails[T]{}, err
	}
	remote, err := s.decryptItem(c.Remote)
	if err != nil {
		return entity.ConflictDetails[T]{}, err
	}
	c.Local, c.Remote = local, remote
	return c, nil
}

func (s *Store[T, K]) RetryChange(ctx context.Context, changeID string) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return s.cfg.Inner.RetryChange(ctx, changeID)
}

func (s *Store[T, K]) CancelChange(ctx context.Context, changeID string) error {
	if err := s.Ready(); err != nil {
		return err
	}
	return s.cfg.Inner.CancelChange(ctx, changeID)
}

func (s *Store[T, K]) GetAllPaged(ctx context.Context, q *query.Query) (query.PagedResult[T], error) {
	if err := s.Ready(); err != nil {
		return query.PagedResult[T]{}, err
	}
	page, err := s.cfg.Inner.GetAllPaged(ctx, q)
	if err != nil {
		return query.PagedResult[T]{}, err
	}
	items, err := s.decryptSlice(page.Items)
	if err != nil {
		return query.PagedResult[T]{}, err
	}
	page.Items = items
	return page, nil
}

func (s *Store[T, K]) WatchAllPaged(ctx context.Context, q *query.Query) (*watch.Subject[query.PagedResult[T]], error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	inner, err := s.cfg.Inner.WatchAllPaged(ctx, q)
	if err != nil {
		return nil, err
	}
	return watch.MapSubject(inner, func(page query.PagedResult[T]) (query.PagedResult[T], error) {
		items, err := s.decryptSlice(page.Items)
		if err != nil {
			return query.PagedResult[T]{}, err
		}
		page.Items = items
		return page, nil
	}), nil
}

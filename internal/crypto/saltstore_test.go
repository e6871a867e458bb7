package crypto

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func TestMemSaltStoreRoundTrip(t *testing.T) {
	store := NewMemSaltStore()
	ctx := context.Background()

	if has, _ := store.HasSalt(ctx, "k1"); has {
		t.Fatal("expected no salt before StoreSalt")
	}

	if err := store.StoreSalt(ctx, "k1", []byte("abcdefgh")); err != nil {
		t.Fatalf("StoreSalt: %v", err)
	}

	got, ok, err := store.GetSalt(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetSalt: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("abcdefgh")) {
		t.Fatalf("expected stored bytes back, got %q", got)
	}

	if err := store.DeleteSalt(ctx, "k1"); err != nil {
		t.Fatalf("DeleteSalt: %v", err)
	}
	if has, _ := store.HasSalt(ctx, "k1"); has {
		t.Fatal("expected salt gone after delete")
	}
}

func TestMemSaltStoreCopiesOnReadAndWrite(t *testing.T) {
	store := NewMemSaltStore()
	ctx := context.Background()
	original := []byte("mutateme")

	if err := store.StoreSalt(ctx, "k1", original); err != nil {
		t.Fatalf("StoreSalt: %v", err)
	}
	original[0] = 'X'

	got, _, err := store.GetSalt(ctx, "k1")
	if err != nil {
		t.Fatalf("GetSalt: %v", err)
	}
	if got[0] == 'X' {
		t.Fatal("expected StoreSalt to defensively copy input")
	}

	got[0] = 'Y'
	got2, _, _ := store.GetSalt(ctx, "k1")
	if got2[0] == 'Y' {
		t.Fatal("expected GetSalt to defensively copy output")
	}
}

func TestFileSaltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "salts.json")
	ctx := context.Background()

	first, err := NewFileSaltStore(path)
	if err != nil {
		t.Fatalf("NewFileSaltStore: %v", err)
	}
	if err := first.StoreSalt(ctx, "tenant-1", []byte("0123456789abcdef")); err != nil {
		t.Fatalf("StoreSalt: %v", err)
	}
	_ = first.Close()

	second, err := NewFileSaltStore(path)
	if err != nil {
		t.Fatalf("NewFileSaltStore (reopen): %v", err)
	}
	defer second.Close()

	got, ok, err := second.GetSalt(ctx, "tenant-1")
	if err != nil || !ok {
		t.Fatalf("GetSalt after reopen: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("0123456789abcdef")) {
		t.Fatalf("expected persisted salt, got %q", got)
	}
}

func TestFileSaltStoreDeleteSalt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "salts.json")
	ctx := context.Background()

	store, err := NewFileSaltStore(path)
	if err != nil {
		t.Fatalf("NewFileSaltStore: %v", err)
	}
	defer store.Close()

	if err := store.StoreSalt(ctx, "k1", []byte("saltsaltsalt")); err != nil {
		t.Fatalf("StoreSalt: %v", err)
	}
	if err := store.DeleteSalt(ctx, "k1"); err != nil {
		t.Fatalf("DeleteSalt: %v", err)
	}
	if has, _ := store.HasSalt(ctx, "k1"); has {
		t.Fatal("expected salt removed")
	}
}

package crypto

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestDeriveKeyRawModePadsAndTruncates(t *testing.T) {
	short, err := DeriveKey(context.Background(), "abc", nil, KeyDerivationConfig{Mode: KDFRaw}, nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(short.KeyBytes) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(short.KeyBytes))
	}
	if !bytes.HasSuffix(short.KeyBytes, []byte("abc")) {
		t.Fatalf("expected left-padded password, got %x", short.KeyBytes)
	}

	long, err := DeriveKey(context.Background(), strings.Repeat("x", 40), nil, KeyDerivationConfig{Mode: KDFRaw}, nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(long.KeyBytes) != 32 {
		t.Fatalf("expected truncation to 32 bytes, got %d", len(long.KeyBytes))
	}
}

func TestDeriveKeyPBKDF2DeterministicGivenSameSalt(t *testing.T) {
	salt := []byte("0123456789abcdef")
	cfg := KeyDerivationConfig{Mode: KDFPBKDF2, Iterations: minIterations}

	a, err := DeriveKey(context.Background(), "hunter2", salt, cfg, nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(context.Background(), "hunter2", salt, cfg, nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(a.KeyBytes, b.KeyBytes) {
		t.Fatal("expected deterministic derivation given identical salt and password")
	}
}

func TestDeriveKeyRejectsLowIterationCount(t *testing.T) {
	_, err := DeriveKey(context.Background(), "hunter2", []byte("salt"),
		KeyDerivationConfig{Mode: KDFPBKDF2, Iterations: 10}, nil)
	if err == nil {
		t.Fatal("expected error for iteration count below minimum")
	}
}

func TestDeriveKeyPersistsGeneratedSalt(t *testing.T) {
	store := NewMemSaltStore()
	cfg := KeyDerivationConfig{Mode: KDFPBKDF2, Iterations: minIterations, KeyID: "tenant-1"}

	first, err := DeriveKey(context.Background(), "hunter2", nil, cfg, store)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	second, err := DeriveKey(context.Background(), "hunter2", nil, cfg, store)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(first.Salt, second.Salt) {
		t.Fatal("expected salt reused across calls with the same KeyID")
	}
	if !bytes.Equal(first.KeyBytes, second.KeyBytes) {
		t.Fatal("expected identical derived key given reused salt")
	}
}

func TestDerivedKeyDisposeZeroesKeyBytes(t *testing.T) {
	key, err := DeriveKey(context.Background(), "hunter2", []byte("0123456789abcdef"),
		KeyDerivationConfig{Mode: KDFPBKDF2, Iterations: minIterations}, nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	key.Dispose()
	for i, b := range key.KeyBytes {
		if b != 0 {
			t.Fatalf("expected zeroed key bytes, byte %d was %d", i, b)
		}
	}
}

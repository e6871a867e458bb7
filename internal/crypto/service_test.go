package crypto

import (
	"strings"
	"testing"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
)

func fixedKeyProvider(key []byte) KeyProvider {
	return func() ([]byte, error) { return key, nil }
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := New(FieldConfig{
		Fields:      map[string]bool{"ssn": true},
		KeyProvider: fixedKeyProvider([]byte("0123456789abcdef0123456789abcdef")),
		Version:     "1",
	})

	enc, err := svc.Encrypt("123-45-6789", "ssn")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(enc, "enc:1:") {
		t.Fatalf("expected enc:1: prefix, got %q", enc)
	}

	dec, err := svc.Decrypt(enc, "ssn")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if dec != "123-45-6789" {
		t.Fatalf("expected round trip, got %q", dec)
	}
}

func TestEncryptSkipsUnconfiguredField(t *testing.T) {
	svc := New(FieldConfig{
		Fields:      map[string]bool{"ssn": true},
		KeyProvider: fixedKeyProvider([]byte("0123456789abcdef0123456789abcdef")),
		Version:     "1",
	})

	out, err := svc.Encrypt("plain", "name")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if out != "plain" {
		t.Fatalf("expected no-op for unconfigured field, got %q", out)
	}
}

func TestDecryptNoOpOnPlaintext(t *testing.T) {
	svc := New(FieldConfig{Version: "1"})
	out, err := svc.Decrypt("just a string", "name")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if out != "just a string" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestDecryptVersionMismatch(t *testing.T) {
	svc := New(FieldConfig{
		Fields:      map[string]bool{"ssn": true},
		KeyProvider: fixedKeyProvider([]byte("0123456789abcdef0123456789abcdef")),
		Version:     "2",
	})
	enc, err := svc.Encrypt("secret", "ssn")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	older := New(FieldConfig{
		Fields:      map[string]bool{"ssn": true},
		KeyProvider: fixedKeyProvider([]byte("0123456789abcdef0123456789abcdef")),
		Version:     "1",
	})
	_, err = older.Decrypt(enc, "ssn")
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	e, ok := errs.As(err)
	if !ok || e.Sub != errs.SubVersionMismatch {
		t.Fatalf("expected SubVersionMismatch, got %+v", err)
	}
}

func TestDecryptAuthFailureOnWrongKey(t *testing.T) {
	encSvc := New(FieldConfig{
		Fields:      map[string]bool{"ssn": true},
		KeyProvider: fixedKeyProvider([]byte("0123456789abcdef0123456789abcdef")),
		Version:     "1",
	})
	enc, err := encSvc.Encrypt("secret", "ssn")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	wrongSvc := New(FieldConfig{
		Fields:      map[string]bool{"ssn": true},
		KeyProvider: fixedKeyProvider([]byte("ffffffffffffffffffffffffffffffff")),
		Version:     "1",
	})
	_, err = wrongSvc.Decrypt(enc, "ssn")
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	e, ok := errs.As(err)
	if !ok || e.Sub != errs.SubAuthFailure {
		t.Fatalf("expected SubAuthFailure, got %+v", err)
	}
}

func TestEncryptFieldsDecryptFieldsRoundTrip(t *testing.T) {
	svc := New(FieldConfig{
		Fields:      map[string]bool{"ssn": true, "notes": true},
		KeyProvider: fixedKeyProvider([]byte("0123456789abcdef0123456789abcdef")),
		Version:     "1",
	})

	m := entity.Map{"ssn": "111-22-3333", "notes": "sensitive", "name": "Ada"}
	enc, err := svc.EncryptFields(m)
	if err != nil {
		t.Fatalf("EncryptFields: %v", err)
	}
	if enc["name"] != "Ada" {
		t.Fatalf("expected non-configured field untouched, got %v", enc["name"])
	}
	if enc["ssn"] == m["ssn"] {
		t.Fatal("expected ssn field to be encrypted")
	}

	dec, err := svc.DecryptFields(enc)
	if err != nil {
		t.Fatalf("DecryptFields: %v", err)
	}
	if dec["ssn"] != "111-22-3333" || dec["notes"] != "sensitive" {
		t.Fatalf("expected round trip, got %+v", dec)
	}
}

func TestClearCacheForcesKeyProviderRecall(t *testing.T) {
	calls := 0
	svc := New(FieldConfig{
		Fields: map[string]bool{"ssn": true},
		KeyProvider: func() ([]byte, error) {
			calls++
			return []byte("0123456789abcdef0123456789abcdef"), nil
		},
		Version: "1",
	})

	if _, err := svc.Encrypt("a", "ssn"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := svc.Encrypt("b", "ssn"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected key provider cached across calls, got %d calls", calls)
	}

	svc.ClearCache()
	if _, err := svc.Encrypt("c", "ssn"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected key provider recalled after ClearCache, got %d calls", calls)
	}
}

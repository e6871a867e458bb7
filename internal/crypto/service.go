// Package crypto implements the field-level encryption service (spec.md
// §4.5, §6.2): versioned, authenticated, per-field opaque-string encoding
// with pluggable key derivation and salt storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/errs"
)

// Algorithm selects the AEAD construction used for field encryption.
type Algorithm string

const (
	AlgAES256GCM          Algorithm = "aes256-gcm"
	AlgChaCha20Poly1305   Algorithm = "chacha20-poly1305"
)

// nonceSize and tagSize are fixed by spec.md §4.5: "Nonce is a fresh 12
// random bytes per call. Authentication tag is 16 bytes." Both AEAD
// constructions below satisfy this natively.
const (
	nonceSize = 12
	tagSize   = 16
)

// KeyProvider returns the current raw key material. Keys shorter than 32
// bytes are SHA-256-hashed up to size (spec.md §4.5).
type KeyProvider func() ([]byte, error)

// FieldConfig configures a field-level encryption Service.
type FieldConfig struct {
	Fields        map[string]bool
	KeyProvider   KeyProvider
	Algorithm     Algorithm // default AlgAES256GCM
	Version       string
	KeyDerivation *KeyDerivationConfig // optional; see kdf.go
	SaltStorage   SaltStore            // optional; see saltstore.go
}

// Service is the field-level encryption engine of spec.md §4.5.
type Service struct {
	cfg FieldConfig

	mu        sync.Mutex
	keyCache  []byte // resolved, size-normalized key; zeroed on ClearCache
	aeadCache cipher.AEAD
}

// New constructs a Service. Algorithm defaults to AES-256-GCM when unset.
func New(cfg FieldConfig) *Service {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgAES256GCM
	}
	return &Service{cfg: cfg}
}

// resolveAEAD lazily derives the AEAD cipher from the configured
// KeyProvider, caching it until ClearCache is called. Both the key and the
// cache access are gated by the service's own mutex, matching spec.md §5's
// "access is gated by the same owning task" (a single mutex substitutes for
// "owning task" safely since callers may come from multiple goroutines).
func (s *Service) resolveAEAD() (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aeadCache != nil {
		return s.aeadCache, nil
	}

	if s.cfg.KeyProvider == nil {
		return nil, errs.Encryption(errs.SubFormat, "no key provider configured", nil)
	}
	raw, err := s.cfg.KeyProvider()
	if err != nil {
		return nil, errs.Encryption(errs.SubFormat, "key provider failed", err)
	}
	key := normalizeKey(raw)

	var aead cipher.AEAD
	switch s.cfg.Algorithm {
	case AlgChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		block, blockErr := aes.NewCipher(key)
		if blockErr != nil {
			err = blockErr
			break
		}
		aead, err = cipher.NewGCM(block)
	}
	if err != nil {
		return nil, errs.Encryption(errs.SubFormat, "construct AEAD cipher", err)
	}

	s.keyCache = key
	s.aeadCache = aead
	return aead, nil
}

// normalizeKey hashes keys shorter than 32 bytes up to size, per spec.md
// §4.5. Keys of 32 bytes or longer are truncated to their first 32 bytes
// (AES-256 and ChaCha20-Poly1305 both take exactly a 32-byte key); bytes
// past the 32nd do not contribute to the key.
func normalizeKey(raw []byte) []byte {
	if len(raw) >= 32 {
		return raw[:32]
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

// Encrypt implements spec.md §4.5 encrypt(plaintext, fieldName): a no-op if
// field is not in the configured field set, else a fresh
// enc:<version>:<base64> ciphertext.
func (s *Service) Encrypt(plaintext, field string) (string, error) {
	if !s.cfg.Fields[field] {
		return plaintext, nil
	}

	aead, err := s.resolveAEAD()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errs.Encryption(errs.SubFormat, "generate nonce", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil) // ciphertext || tag
	payload := append(nonce, sealed...)
	b64 := base64.StdEncoding.EncodeToString(payload)

	return fmt.Sprintf("enc:%s:%s", s.cfg.Version, b64), nil
}

// Decrypt implements spec.md §4.5 decrypt(ciphertext, fieldName): a no-op
// if ciphertext lacks the "enc:" prefix (idempotent on already-plaintext
// input), else parses and authenticates it.
func (s *Service) Decrypt(ciphertext, _ string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc:") {
		return ciphertext, nil
	}

	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 {
		return "", errs.Encryption(errs.SubFormat, "malformed ciphertext", nil)
	}
	version, b64 := parts[1], parts[2]
	if version != s.cfg.Version {
		return "", errs.Encryption(errs.SubVersionMismatch,
			fmt.Sprintf("ciphertext version %q does not match configured version %q", version, s.cfg.Version), nil)
	}

	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", errs.Encryption(errs.SubFormat, "invalid base64 payload", err)
	}
	if len(payload) < nonceSize+tagSize {
		return "", errs.Encryption(errs.SubFormat, "ciphertext too short", nil)
	}
	nonce, sealed := payload[:nonceSize], payload[nonceSize:]

	aead, err := s.resolveAEAD()
	if err != nil {
		return "", err
	}

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errs.Encryption(errs.SubAuthFailure, "authentication failed", err)
	}
	return string(plain), nil
}

// EncryptFields applies Encrypt to every eligible entry of m, coercing
// non-string values to their string form first (spec.md §4.5).
func (s *Service) EncryptFields(m entity.Map) (entity.Map, error) {
	out := m.Clone()
	for field := range s.cfg.Fields {
		v, ok := m[field]
		if !ok {
			continue
		}
		plain := entity.AsString(v)
		enc, err := s.Encrypt(plain, field)
		if err != nil {
			return nil, err
		}
		out[field] = enc
	}
	return out, nil
}

// DecryptFields applies Decrypt to every entry of m that looks like
// ciphertext, leaving already-plaintext entries untouched.
func (s *Service) DecryptFields(m entity.Map) (entity.Map, error) {
	out := m.Clone()
	for field, v := range m {
		str, ok := v.(string)
		if !ok || !strings.HasPrefix(str, "enc:") {
			continue
		}
		dec, err := s.Decrypt(str, field)
		if err != nil {
			return nil, err
		}
		out[field] = dec
	}
	return out, nil
}

// ClearCache zeroes the cached cipher and key material, per spec.md §4.5;
// called on key rotation or Close.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyCache != nil {
		zero(s.keyCache)
		s.keyCache = nil
	}
	s.aeadCache = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

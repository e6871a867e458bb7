package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"github.com/nexusdata/nexusstore/internal/errs"
)

// KDFMode selects how DeriveKey turns a password into key material
// (spec.md §4.5).
type KDFMode string

const (
	KDFPBKDF2 KDFMode = "pbkdf2"
	KDFRaw    KDFMode = "raw"
)

// HMACVariant selects the PRF underlying PBKDF2.
type HMACVariant string

const (
	HMACSHA256 HMACVariant = "sha256"
	HMACSHA512 HMACVariant = "sha512"
)

const (
	defaultIterations = 310_000
	minIterations     = 100_000
	defaultKeyLength  = 32
	defaultSaltLength = 16
)

// KeyDerivationConfig configures DeriveKey (spec.md §4.5).
type KeyDerivationConfig struct {
	Mode       KDFMode
	Iterations int
	HMAC       HMACVariant
	KeyLength  int
	SaltLength int
	KeyID      string
}

func (c KeyDerivationConfig) withDefaults() KeyDerivationConfig {
	if c.Iterations == 0 {
		c.Iterations = defaultIterations
	}
	if c.HMAC == "" {
		c.HMAC = HMACSHA256
	}
	if c.KeyLength == 0 {
		c.KeyLength = defaultKeyLength
	}
	if c.SaltLength == 0 {
		c.SaltLength = defaultSaltLength
	}
	return c
}

// DerivedKey is the result of DeriveKey. Dispose zeroes KeyBytes, satisfying
// spec.md §8's invariant that every byte of KeyBytes is zero after dispose.
type DerivedKey struct {
	KeyBytes    []byte
	Salt        []byte
	AlgorithmID string
	Params      KeyDerivationConfig
}

// Dispose zeroes the derived key material. Safe to call more than once.
func (d *DerivedKey) Dispose() {
	zero(d.KeyBytes)
}

// DeriveKey implements spec.md §4.5's key-derivation contract. When salt is
// nil and cfg.Mode is KDFPBKDF2, the salt is looked up (or generated and
// persisted) via store, keyed by cfg.KeyID.
func DeriveKey(ctx context.Context, password string, salt []byte, cfg KeyDerivationConfig, store SaltStore) (*DerivedKey, error) {
	cfg = cfg.withDefaults()

	if cfg.Mode == KDFRaw {
		return &DerivedKey{
			KeyBytes:    rawKey([]byte(password)),
			AlgorithmID: string(KDFRaw),
			Params:      cfg,
		}, nil
	}

	if cfg.Iterations < minIterations {
		return nil, errs.Validation(
			fmt.Sprintf("pbkdf2 iterations %d below minimum %d", cfg.Iterations, minIterations), nil)
	}

	if salt == nil {
		resolved, err := resolveSalt(ctx, cfg, store)
		if err != nil {
			return nil, err
		}
		salt = resolved
	}

	var newHash func() hash.Hash
	switch cfg.HMAC {
	case HMACSHA512:
		newHash = sha512.New
	default:
		newHash = sha256.New
	}

	key := pbkdf2.Key([]byte(password), salt, cfg.Iterations, cfg.KeyLength, newHash)

	return &DerivedKey{
		KeyBytes:    key,
		Salt:        salt,
		AlgorithmID: string(KDFPBKDF2) + "-" + string(cfg.HMAC),
		Params:      cfg,
	}, nil
}

// rawKey implements spec.md §4.5's "raw" mode: coerce the password's UTF-8
// bytes into exactly 32 bytes, left-padding with zeros if shorter or
// truncating if longer.
func rawKey(password []byte) []byte {
	out := make([]byte, 32)
	if len(password) >= 32 {
		copy(out, password[:32])
		return out
	}
	copy(out[32-len(password):], password)
	return out
}

func resolveSalt(ctx context.Context, cfg KeyDerivationConfig, store SaltStore) ([]byte, error) {
	if store != nil && cfg.KeyID != "" {
		if existing, ok, err := store.GetSalt(ctx, cfg.KeyID); err != nil {
			return nil, errs.Sync("look up salt", err)
		} else if ok {
			return existing, nil
		}
	}

	fresh := make([]byte, cfg.SaltLength)
	if _, err := rand.Read(fresh); err != nil {
		return nil, errs.Sync("generate salt", err)
	}
	if store != nil && cfg.KeyID != "" {
		if err := store.StoreSalt(ctx, cfg.KeyID, fresh); err != nil {
			return nil, errs.Sync("persist salt", err)
		}
	}
	return fresh, nil
}

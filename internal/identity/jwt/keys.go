package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// KeySet resolves verification keys for tokens. Implementations return
// ErrKeyNotFound when no key matches the key ID; a broken key source
// reports an infrastructure fault instead.
type KeySet interface {
	// Key returns the verification key for the given key ID and
	// algorithm. For HMAC algorithms the returned key is a []byte secret.
	Key(ctx context.Context, kid, alg string) (crypto.PublicKey, error)
}

// StaticKey configures one locally held verification key.
type StaticKey struct {
	// KeyID matches the token's kid header. Optional for single-key
	// setups.
	KeyID string `yaml:"keyId,omitempty"`

	// Algorithm restricts the key to one algorithm. Optional.
	Algorithm string `yaml:"algorithm,omitempty"`

	// PEM is an inline PEM-encoded public key.
	PEM string `yaml:"pem,omitempty"`

	// PEMFile is a path to a PEM-encoded public key.
	PEMFile string `yaml:"pemFile,omitempty"`

	// Secret is the shared secret for HMAC algorithms.
	Secret string `yaml:"secret,omitempty"`
}

// staticEntry is one loaded key.
type staticEntry struct {
	kid string
	alg string
	key crypto.PublicKey
}

// StaticKeySet serves keys loaded at construction time.
type StaticKeySet struct {
	entries []staticEntry
}

// NewStaticKeySet loads the configured keys. PEM material is parsed
// eagerly so a bad key fails at startup, not on the first request.
func NewStaticKeySet(keys []StaticKey) (*StaticKeySet, error) {
	if len(keys) == 0 {
		return nil, NewKeyError("", "no static keys configured", nil)
	}

	s := &StaticKeySet{entries: make([]staticEntry, 0, len(keys))}
	for i, cfg := range keys {
		key, err := loadStaticKey(cfg)
		if err != nil {
			return nil, NewKeyError(cfg.KeyID, fmt.Sprintf("static key %d", i), err)
		}
		s.entries = append(s.entries, staticEntry{
			kid: cfg.KeyID,
			alg: cfg.Algorithm,
			key: key,
		})
	}
	return s, nil
}

// loadStaticKey materializes one configured key.
func loadStaticKey(cfg StaticKey) (crypto.PublicKey, error) {
	switch {
	case cfg.Secret != "":
		return []byte(cfg.Secret), nil
	case cfg.PEM != "":
		return ParsePublicKeyPEM([]byte(cfg.PEM))
	case cfg.PEMFile != "":
		data, err := os.ReadFile(cfg.PEMFile) // #nosec G304 -- path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return ParsePublicKeyPEM(data)
	default:
		return nil, fmt.Errorf("%w: no key material configured", ErrInvalidKey)
	}
}

// Key returns the verification key for the given key ID and algorithm.
func (s *StaticKeySet) Key(_ context.Context, kid, alg string) (crypto.PublicKey, error) {
	for _, e := range s.entries {
		if e.alg != "" && e.alg != alg {
			continue
		}
		if e.kid == kid {
			return e.key, nil
		}
	}

	// A token without a kid against a single-key set resolves to that key.
	if kid == "" && len(s.entries) == 1 {
		return s.entries[0].key, nil
	}

	return nil, NewKeyError(kid, "no matching static key", ErrKeyNotFound)
}

// CompositeKeySet tries each underlying key set in order. The first
// ErrKeyNotFound falls through; any other failure stops the search.
type CompositeKeySet struct {
	sets []KeySet
}

// NewCompositeKeySet combines multiple key sets.
func NewCompositeKeySet(sets ...KeySet) *CompositeKeySet {
	return &CompositeKeySet{sets: sets}
}

// Key returns the verification key for the given key ID and algorithm.
func (c *CompositeKeySet) Key(ctx context.Context, kid, alg string) (crypto.PublicKey, error) {
	var lastErr error
	for _, set := range c.sets {
		key, err := set.Key(ctx, kid, alg)
		if err == nil {
			return key, nil
		}
		if !IsCredentialError(err) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = NewKeyError(kid, "no key sets configured", ErrKeyNotFound)
	}
	return nil, lastErr
}

// ParsePublicKeyPEM parses an RSA, ECDSA, or Ed25519 public key from
// PEM-encoded data. PKIX and PKCS#1 encodings are accepted.
func ParsePublicKeyPEM(pemData []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Fall back to PKCS#1 for legacy RSA keys.
		rsaPub, rsaErr := x509.ParsePKCS1PublicKey(block.Bytes)
		if rsaErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return rsaPub, nil
	}

	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, pub)
	}
}

// Ensure key set implementations satisfy KeySet.
var (
	_ KeySet = (*StaticKeySet)(nil)
	_ KeySet = (*CompositeKeySet)(nil)
)

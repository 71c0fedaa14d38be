// Package apikey validates API keys against a backing store.
//
// Keys are looked up by the SHA-256 digest of the presented value, so the
// store never holds plaintext key material as an index. The stored record
// carries its own verification hash, which may use a stronger algorithm
// such as bcrypt. A missing record and a failed hash comparison are both
// credential errors; a store outage is an infrastructure fault and is
// reported as such.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/store"
)

// Hash algorithm constants.
const (
	HashAlgSHA256    = "sha256"
	HashAlgSHA512    = "sha512"
	HashAlgBcrypt    = "bcrypt"
	HashAlgPlaintext = "plaintext"
)

// DefaultCollection is the store collection API key records live in.
const DefaultCollection = "api_keys"

// Sentinel errors for API key validation. All of them describe a
// defective credential; store outages surface separately.
var (
	// ErrEmptyKey indicates that the presented key is empty.
	ErrEmptyKey = errors.New("api key is empty")

	// ErrKeyNotFound indicates that no record matches the presented key.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyInvalid indicates that the presented key does not match the
	// stored hash.
	ErrKeyInvalid = errors.New("api key is invalid")

	// ErrKeyExpired indicates that the key has expired.
	ErrKeyExpired = errors.New("api key has expired")

	// ErrKeyDisabled indicates that the key has been disabled.
	ErrKeyDisabled = errors.New("api key is disabled")
)

// credentialSentinels are the failures attributable to the presented key.
var credentialSentinels = []error{
	ErrEmptyKey,
	ErrKeyNotFound,
	ErrKeyInvalid,
	ErrKeyExpired,
	ErrKeyDisabled,
}

// IsCredentialError reports whether err blames the presented key rather
// than the backing store.
func IsCredentialError(err error) bool {
	for _, sentinel := range credentialSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// KeyInfo describes a validated API key.
type KeyInfo struct {
	// Subject is the principal the key acts as.
	Subject string `json:"subject"`

	// Name is a human-readable label for the key.
	Name string `json:"name,omitempty"`

	// Roles granted to the key.
	Roles []string `json:"roles,omitempty"`

	// Permissions granted to the key.
	Permissions []string `json:"permissions,omitempty"`

	// Scopes granted to the key.
	Scopes []string `json:"scopes,omitempty"`

	// ExpiresAt is when the key expires, if ever.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Metadata contains additional attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// record is the stored shape of an API key.
type record struct {
	Subject     string            `json:"subject"`
	Name        string            `json:"name,omitempty"`
	Hash        string            `json:"hash"`
	Enabled     bool              `json:"enabled"`
	Roles       []string          `json:"roles,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	Scopes      []string          `json:"scopes,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Config configures API key validation.
type Config struct {
	// Collection is the store collection holding key records.
	Collection string `yaml:"collection,omitempty"`

	// HashAlgorithm is how record hashes were produced: sha256, sha512,
	// bcrypt, or plaintext.
	HashAlgorithm string `yaml:"hashAlgorithm,omitempty"`
}

// GetEffectiveCollection returns the configured collection or the default.
func (c *Config) GetEffectiveCollection() string {
	if c.Collection != "" {
		return c.Collection
	}
	return DefaultCollection
}

// GetEffectiveHashAlgorithm returns the configured algorithm or sha256.
func (c *Config) GetEffectiveHashAlgorithm() string {
	if c.HashAlgorithm != "" {
		return c.HashAlgorithm
	}
	return HashAlgSHA256
}

// Validator validates API keys.
type Validator interface {
	// Validate validates a presented key and returns its description.
	Validate(ctx context.Context, key string) (*KeyInfo, error)
}

// validator implements the Validator interface.
type validator struct {
	config *Config
	store  store.Store
	logger observability.Logger
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*validator)

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewValidator creates an API key validator backed by the given store.
func NewValidator(config *Config, st store.Store, opts ...ValidatorOption) (Validator, error) {
	if config == nil {
		return nil, fmt.Errorf("apikey: config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("apikey: store is required")
	}

	switch config.GetEffectiveHashAlgorithm() {
	case HashAlgSHA256, HashAlgSHA512, HashAlgBcrypt, HashAlgPlaintext:
	default:
		return nil, fmt.Errorf("apikey: unsupported hash algorithm %q", config.HashAlgorithm)
	}

	v := &validator{
		config: config,
		store:  st,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate validates a presented key and returns its description.
func (v *validator) Validate(ctx context.Context, key string) (*KeyInfo, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	doc, err := v.store.Get(ctx, v.config.GetEffectiveCollection(), LookupKey(key))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("look up api key: %w", err)
	}

	rec, err := decodeRecord(doc)
	if err != nil {
		return nil, fmt.Errorf("decode api key record: %w", err)
	}

	if err := v.verifyHash(key, rec.Hash); err != nil {
		return nil, err
	}
	if !rec.Enabled {
		return nil, ErrKeyDisabled
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	v.logger.Debug("api key validated",
		observability.String("subject", rec.Subject),
		observability.String("key_name", rec.Name),
	)

	return &KeyInfo{
		Subject:     rec.Subject,
		Name:        rec.Name,
		Roles:       rec.Roles,
		Permissions: rec.Permissions,
		Scopes:      rec.Scopes,
		ExpiresAt:   rec.ExpiresAt,
		Metadata:    rec.Metadata,
	}, nil
}

// decodeRecord converts a store document into a typed record.
func decodeRecord(doc store.Document) (*record, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// verifyHash compares the presented key against the stored hash using
// the configured algorithm.
func (v *validator) verifyHash(key, storedHash string) error {
	switch v.config.GetEffectiveHashAlgorithm() {
	case HashAlgSHA256:
		sum := sha256.Sum256([]byte(key))
		if !constantTimeEqual(hex.EncodeToString(sum[:]), storedHash) {
			return ErrKeyInvalid
		}
	case HashAlgSHA512:
		sum := sha512.Sum512([]byte(key))
		if !constantTimeEqual(hex.EncodeToString(sum[:]), storedHash) {
			return ErrKeyInvalid
		}
	case HashAlgBcrypt:
		if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(key)); err != nil {
			return ErrKeyInvalid
		}
	case HashAlgPlaintext:
		v.logger.Warn("plaintext api key comparison in use")
		if !constantTimeEqual(key, storedHash) {
			return ErrKeyInvalid
		}
	default:
		return fmt.Errorf("unsupported hash algorithm %q", v.config.HashAlgorithm)
	}
	return nil
}

// constantTimeEqual compares two strings without leaking the mismatch
// position.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// LookupKey derives the store key a presented API key is indexed under.
func LookupKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashKey hashes a key for storage using the given algorithm. Intended
// for provisioning tooling and tests.
func HashKey(key, algorithm string) (string, error) {
	switch algorithm {
	case HashAlgSHA256:
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:]), nil
	case HashAlgSHA512:
		sum := sha512.Sum512([]byte(key))
		return hex.EncodeToString(sum[:]), nil
	case HashAlgBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	case HashAlgPlaintext:
		return key, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// Ensure validator implements Validator.
var _ Validator = (*validator)(nil)

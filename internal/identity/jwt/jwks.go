package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

const (
	defaultJWKSCacheTTL = time.Hour
	defaultJWKSTimeout  = 30 * time.Second
	maxJWKSBodySize     = 1 << 20
)

// JSONWebKeySet is the wire format of a JWKS document.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey is one key of a JWKS document.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`

	// RSA components.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC components.
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`

	// Symmetric key.
	K string `json:"k,omitempty"`
}

// JWKSKeySet serves verification keys fetched from a remote JWKS
// endpoint. Fetched keys are cached for a TTL; when a refresh fails the
// last good set keeps serving, so a flapping issuer does not invalidate
// every token in flight. Only an empty cache surfaces a fetch failure,
// and it does so as an infrastructure fault.
type JWKSKeySet struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     observability.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
}

// JWKSOption is a functional option for the JWKS key set.
type JWKSOption func(*JWKSKeySet)

// WithCacheTTL sets how long a fetched key set is considered fresh.
func WithCacheTTL(ttl time.Duration) JWKSOption {
	return func(s *JWKSKeySet) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) JWKSOption {
	return func(s *JWKSKeySet) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithJWKSLogger sets the logger.
func WithJWKSLogger(logger observability.Logger) JWKSOption {
	return func(s *JWKSKeySet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewJWKSKeySet creates a key set backed by a remote JWKS endpoint.
func NewJWKSKeySet(url string, opts ...JWKSOption) (*JWKSKeySet, error) {
	if url == "" {
		return nil, NewKeyError("", "jwks url is required", nil)
	}

	s := &JWKSKeySet{
		url:        url,
		ttl:        defaultJWKSCacheTTL,
		httpClient: &http.Client{Timeout: defaultJWKSTimeout},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the verification key for the given key ID. The algorithm
// is not consulted; the validator checks key type compatibility itself.
func (s *JWKSKeySet) Key(ctx context.Context, kid, _ string) (crypto.PublicKey, error) {
	s.mu.RLock()
	keys := s.keys
	lastFetch := s.lastFetch
	s.mu.RUnlock()

	if keys == nil || time.Since(lastFetch) > s.ttl {
		if err := s.Refresh(ctx); err != nil {
			if keys == nil {
				return nil, NewKeyError(kid, "jwks fetch failed with empty cache",
					fmt.Errorf("%w: %v", util.ErrUnavailable, err))
			}
			s.logger.Warn("jwks refresh failed, serving cached keys",
				observability.String("url", s.url),
				observability.Time("last_fetch", lastFetch),
				observability.Error(err),
			)
		}

		s.mu.RLock()
		keys = s.keys
		s.mu.RUnlock()
	}

	if key, ok := keys[kid]; ok {
		return key, nil
	}
	if kid == "" && len(keys) == 1 {
		for _, key := range keys {
			return key, nil
		}
	}

	return nil, NewKeyError(kid, "no matching key in jwks", ErrKeyNotFound)
}

// Refresh fetches the JWKS document and replaces the cached keys.
func (s *JWKSKeySet) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodySize))
	if err != nil {
		return fmt.Errorf("read jwks response: %w", err)
	}

	var doc JSONWebKeySet
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for i := range doc.Keys {
		jwk := &doc.Keys[i]
		key, err := jwk.PublicKey()
		if err != nil {
			s.logger.Warn("skipping unusable jwks key",
				observability.String("kid", jwk.Kid),
				observability.String("kty", jwk.Kty),
				observability.Error(err),
			)
			continue
		}
		keys[jwk.Kid] = key
	}

	s.mu.Lock()
	s.keys = keys
	s.lastFetch = time.Now()
	s.mu.Unlock()

	s.logger.Debug("jwks refreshed",
		observability.String("url", s.url),
		observability.Int("key_count", len(keys)),
	)
	return nil
}

// LastFetch returns the time of the last successful fetch.
func (s *JWKSKeySet) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch
}

// URL returns the JWKS endpoint URL.
func (s *JWKSKeySet) URL() string {
	return s.url
}

// PublicKey materializes the JWK into a usable verification key.
func (jwk *JSONWebKey) PublicKey() (crypto.PublicKey, error) {
	switch jwk.Kty {
	case "RSA":
		return jwk.rsaPublicKey()
	case "EC":
		return jwk.ecdsaPublicKey()
	case "OKP":
		return jwk.ed25519PublicKey()
	case "oct":
		return jwk.symmetricKey()
	default:
		return nil, fmt.Errorf("%w: unsupported key type %q", ErrInvalidKey, jwk.Kty)
	}
}

// rsaPublicKey builds an RSA public key from the n and e components.
func (jwk *JSONWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("%w: decode modulus: %v", ErrInvalidKey, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("%w: decode exponent: %v", ErrInvalidKey, err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// ecdsaPublicKey builds an ECDSA public key from the crv, x, and y
// components.
func (jwk *JSONWebKey) ecdsaPublicKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch jwk.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("%w: unsupported curve %q", ErrInvalidKey, jwk.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("%w: decode x: %v", ErrInvalidKey, err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: decode y: %v", ErrInvalidKey, err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// ed25519PublicKey builds an Ed25519 public key from the x component.
func (jwk *JSONWebKey) ed25519PublicKey() (ed25519.PublicKey, error) {
	if jwk.Crv != "Ed25519" {
		return nil, fmt.Errorf("%w: unsupported OKP curve %q", ErrInvalidKey, jwk.Crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("%w: decode x: %v", ErrInvalidKey, err)
	}
	if len(xBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad Ed25519 key size %d", ErrInvalidKey, len(xBytes))
	}
	return ed25519.PublicKey(xBytes), nil
}

// symmetricKey decodes the k component into raw secret bytes.
func (jwk *JSONWebKey) symmetricKey() ([]byte, error) {
	kBytes, err := base64.RawURLEncoding.DecodeString(jwk.K)
	if err != nil {
		return nil, fmt.Errorf("%w: decode k: %v", ErrInvalidKey, err)
	}
	return kBytes, nil
}

// Ensure JWKSKeySet implements KeySet.
var _ KeySet = (*JWKSKeySet)(nil)

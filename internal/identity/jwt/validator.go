// Package jwt validates JSON Web Tokens against configured key sources.
//
// Validation is parse, verify the signature against an allowlisted
// algorithm, then check the time, issuer, audience, and required
// claims. Every rejection wraps one of the
// package sentinels so callers can tell a defective token apart from a
// broken key source with IsCredentialError.
package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
)

// Validator validates tokens and returns their claims.
type Validator interface {
	// Validate validates a token and returns the verified claims.
	Validate(ctx context.Context, token string) (*Claims, error)
}

// validator implements the Validator interface.
type validator struct {
	config *Config
	keys   KeySet
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

// WithKeySet overrides the key set built from configuration.
func WithKeySet(keys KeySet) ValidatorOption {
	return func(v *validator) {
		v.keys = keys
	}
}

// NewValidator creates a token validator.
func NewValidator(config *Config, opts ...ValidatorOption) (Validator, error) {
	if config == nil {
		return nil, fmt.Errorf("jwt: config is required")
	}

	v := &validator{
		config: config,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.keys == nil {
		keys, err := buildKeySet(config, v.logger)
		if err != nil {
			return nil, fmt.Errorf("jwt: build key set: %w", err)
		}
		v.keys = keys
	}

	return v, nil
}

// buildKeySet assembles the key sources named by the configuration.
func buildKeySet(config *Config, logger observability.Logger) (KeySet, error) {
	var sets []KeySet

	if config.JWKSURL != "" {
		jwks, err := NewJWKSKeySet(config.JWKSURL,
			WithCacheTTL(config.GetEffectiveJWKSCacheTTL()),
			WithJWKSLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		sets = append(sets, jwks)
	}

	if len(config.StaticKeys) > 0 {
		static, err := NewStaticKeySet(config.StaticKeys)
		if err != nil {
			return nil, err
		}
		sets = append(sets, static)
	}

	switch len(sets) {
	case 0:
		return nil, NewKeyError("", "no key source configured", nil)
	case 1:
		return sets[0], nil
	default:
		return NewCompositeKeySet(sets...), nil
	}
}

// tokenHeader is the decoded JOSE header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid"`
}

// Validate validates a token and returns the verified claims.
func (v *validator) Validate(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, NewValidationError("decode header", err)
	}

	if err := v.checkAlgorithm(header.Algorithm); err != nil {
		return nil, err
	}

	claims, err := decodePayload(parts[1])
	if err != nil {
		return nil, NewValidationError("decode payload", err)
	}

	if err := v.verifySignature(ctx, header, parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, err
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}

	v.logger.Debug("token validated",
		observability.String("subject", claims.Subject),
		observability.String("issuer", claims.Issuer),
		observability.String("algorithm", header.Algorithm),
	)
	return claims, nil
}

// decodeHeader decodes the JOSE header segment.
func decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return &header, nil
}

// decodePayload decodes the claims segment.
func decodePayload(encoded string) (*Claims, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return ParseClaims(raw), nil
}

// supportedAlgorithms is every algorithm the validator can verify.
var supportedAlgorithms = map[string]bool{
	AlgRS256: true, AlgRS384: true, AlgRS512: true,
	AlgPS256: true, AlgPS384: true, AlgPS512: true,
	AlgES256: true, AlgES384: true, AlgES512: true,
	AlgHS256: true, AlgHS384: true, AlgHS512: true,
	AlgEdDSA: true,
}

// checkAlgorithm enforces the configured algorithm allowlist.
func (v *validator) checkAlgorithm(alg string) error {
	if !supportedAlgorithms[alg] {
		return NewValidationError(fmt.Sprintf("algorithm %q", alg), ErrUnsupportedAlgorithm)
	}
	if len(v.config.Algorithms) == 0 {
		return nil
	}
	for _, allowed := range v.config.Algorithms {
		if alg == allowed {
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("algorithm %q not in allowlist", alg), ErrUnsupportedAlgorithm)
}

// verifySignature verifies the signature segment against the resolved key.
func (v *validator) verifySignature(ctx context.Context, header *tokenHeader, signingInput, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	key, err := v.keys.Key(ctx, header.KeyID, header.Algorithm)
	if err != nil {
		return err
	}

	switch header.Algorithm {
	case AlgRS256:
		return verifyRSA(key, signingInput, sig, crypto.SHA256)
	case AlgRS384:
		return verifyRSA(key, signingInput, sig, crypto.SHA384)
	case AlgRS512:
		return verifyRSA(key, signingInput, sig, crypto.SHA512)
	case AlgPS256:
		return verifyRSAPSS(key, signingInput, sig, crypto.SHA256)
	case AlgPS384:
		return verifyRSAPSS(key, signingInput, sig, crypto.SHA384)
	case AlgPS512:
		return verifyRSAPSS(key, signingInput, sig, crypto.SHA512)
	case AlgES256:
		return verifyECDSA(key, signingInput, sig, crypto.SHA256)
	case AlgES384:
		return verifyECDSA(key, signingInput, sig, crypto.SHA384)
	case AlgES512:
		return verifyECDSA(key, signingInput, sig, crypto.SHA512)
	case AlgHS256:
		return verifyHMAC(key, signingInput, sig, crypto.SHA256)
	case AlgHS384:
		return verifyHMAC(key, signingInput, sig, crypto.SHA384)
	case AlgHS512:
		return verifyHMAC(key, signingInput, sig, crypto.SHA512)
	case AlgEdDSA:
		return verifyEdDSA(key, signingInput, sig)
	default:
		return NewValidationError(fmt.Sprintf("algorithm %q", header.Algorithm), ErrUnsupportedAlgorithm)
	}
}

// verifyRSA verifies an RSA PKCS#1 v1.5 signature.
func verifyRSA(key crypto.PublicKey, signingInput string, sig []byte, hash crypto.Hash) error {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an RSA public key", ErrInvalidKey)
	}
	if err := rsa.VerifyPKCS1v15(rsaKey, hash, digest(hash, signingInput), sig); err != nil {
		return NewValidationError("RSA signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// verifyRSAPSS verifies an RSA-PSS signature.
func verifyRSAPSS(key crypto.PublicKey, signingInput string, sig []byte, hash crypto.Hash) error {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an RSA public key", ErrInvalidKey)
	}
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: hash}
	if err := rsa.VerifyPSS(rsaKey, hash, digest(hash, signingInput), sig, opts); err != nil {
		return NewValidationError("RSA-PSS signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// verifyECDSA verifies a JOSE ECDSA signature, which is the raw r || s
// concatenation rather than ASN.1.
func verifyECDSA(key crypto.PublicKey, signingInput string, sig []byte, hash crypto.Hash) error {
	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an ECDSA public key", ErrInvalidKey)
	}

	keySize := (ecdsaKey.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*keySize {
		return NewValidationError("bad ECDSA signature length", ErrInvalidSignature)
	}

	r := new(big.Int).SetBytes(sig[:keySize])
	s := new(big.Int).SetBytes(sig[keySize:])
	if !ecdsa.Verify(ecdsaKey, digest(hash, signingInput), r, s) {
		return NewValidationError("ECDSA signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// verifyHMAC verifies an HMAC signature. The key must be the raw shared
// secret bytes.
func verifyHMAC(key crypto.PublicKey, signingInput string, sig []byte, hash crypto.Hash) error {
	secret, ok := key.([]byte)
	if !ok {
		return NewValidationError("key is not an HMAC secret", ErrInvalidKey)
	}

	mac := hmac.New(hash.New, secret)
	mac.Write([]byte(signingInput))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return NewValidationError("HMAC signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// verifyEdDSA verifies an Ed25519 signature.
func verifyEdDSA(key crypto.PublicKey, signingInput string, sig []byte) error {
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return NewValidationError("key is not an Ed25519 public key", ErrInvalidKey)
	}
	if !ed25519.Verify(edKey, []byte(signingInput), sig) {
		return NewValidationError("Ed25519 signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// digest hashes the signing input with the given algorithm.
func digest(hash crypto.Hash, signingInput string) []byte {
	h := hash.New()
	h.Write([]byte(signingInput))
	return h.Sum(nil)
}

// checkClaims validates the time, issuer, audience, and required claims.
func (v *validator) checkClaims(claims *Claims) error {
	if err := claims.ValidAt(time.Now(), v.config.GetEffectiveClockSkew()); err != nil {
		return err
	}

	if len(v.config.Issuers) > 0 {
		allowed := false
		for _, iss := range v.config.Issuers {
			if claims.Issuer == iss {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewValidationError(fmt.Sprintf("issuer %q", claims.Issuer), ErrInvalidIssuer)
		}
	}

	if len(v.config.Audiences) > 0 && !claims.Audience.ContainsAny(v.config.Audiences...) {
		return NewValidationError("audience mismatch", ErrInvalidAudience)
	}

	for _, name := range v.config.RequiredClaims {
		if _, ok := claims.GetClaim(name); !ok {
			return NewValidationError(fmt.Sprintf("claim %q", name), ErrMissingClaim)
		}
	}

	return nil
}

// Ensure validator implements Validator.
var _ Validator = (*validator)(nil)

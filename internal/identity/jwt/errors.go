package jwt

import (
	"errors"
	"fmt"

	"github.com/voronkovm/authpipe/internal/util"
)

// Signing algorithm constants.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgPS256 = "PS256"
	AlgPS384 = "PS384"
	AlgPS512 = "PS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
	AlgEdDSA = "EdDSA"
)

// Sentinel errors for token validation. All of them describe a defective
// credential; key source outages are reported separately as
// infrastructure faults.
var (
	// ErrEmptyToken indicates that the token is empty.
	ErrEmptyToken = errors.New("token is empty")

	// ErrTokenMalformed indicates that the token is malformed.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotYetValid indicates that the token is not yet valid.
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrInvalidSignature indicates that the token signature is invalid.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrInvalidIssuer indicates that the token issuer is not allowed.
	ErrInvalidIssuer = errors.New("token issuer is not allowed")

	// ErrInvalidAudience indicates that the token audience does not match.
	ErrInvalidAudience = errors.New("token audience does not match")

	// ErrMissingClaim indicates that a required claim is missing.
	ErrMissingClaim = errors.New("required claim is missing")

	// ErrUnsupportedAlgorithm indicates that the signing algorithm is not
	// in the configured allowlist.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not allowed")

	// ErrKeyNotFound indicates that no key matches the token's key ID.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrInvalidKey indicates that the signing key is unusable for the
	// token's algorithm.
	ErrInvalidKey = errors.New("signing key is invalid")
)

// credentialSentinels are the failures attributable to the presented
// token itself.
var credentialSentinels = []error{
	ErrEmptyToken,
	ErrTokenMalformed,
	ErrTokenExpired,
	ErrTokenNotYetValid,
	ErrInvalidSignature,
	ErrInvalidIssuer,
	ErrInvalidAudience,
	ErrMissingClaim,
	ErrUnsupportedAlgorithm,
	ErrKeyNotFound,
	ErrInvalidKey,
}

// IsCredentialError reports whether err blames the presented token rather
// than the verifier's own backends. A failed JWKS fetch with an empty
// cache is not a credential error and must not be treated as one.
func IsCredentialError(err error) bool {
	if util.IsInfrastructureFault(err) {
		return false
	}
	for _, sentinel := range credentialSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// ValidationError carries the detail of a token validation failure.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jwt validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("jwt validation error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

// KeyError reports a problem resolving or using a signing key.
type KeyError struct {
	KeyID   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	msg := "jwt key error"
	if e.KeyID != "" {
		msg = fmt.Sprintf("jwt key error (kid=%s)", e.KeyID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying error.
func (e *KeyError) Unwrap() error {
	return e.Cause
}

// NewKeyError creates a new KeyError.
func NewKeyError(keyID, message string, cause error) *KeyError {
	return &KeyError{
		KeyID:   keyID,
		Message: message,
		Cause:   cause,
	}
}

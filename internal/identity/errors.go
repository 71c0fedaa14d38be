package identity

import (
	"errors"
	"fmt"
)

// Sentinel errors for identity resolution.
var (
	// ErrNoCredentials indicates that the request carried no credential
	// material in any configured location.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrInvalidCredentials indicates that credential material was present
	// but failed validation.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrIdentityNotFound is returned when no identity is attached to a
	// context.
	ErrIdentityNotFound = errors.New("identity not found in context")
)

// CredentialError wraps a scheme-level validation failure. It matches
// ErrInvalidCredentials through errors.Is and never an infrastructure
// sentinel, so callers can tell a bad credential apart from a broken
// verifier backend.
type CredentialError struct {
	Scheme string
	Cause  error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("credential rejected (%s): %v", e.Scheme, e.Cause)
	}
	return fmt.Sprintf("credential rejected (%s)", e.Scheme)
}

// Unwrap returns the underlying error.
func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target is ErrInvalidCredentials.
func (e *CredentialError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// NewCredentialError creates a CredentialError for the given scheme.
func NewCredentialError(scheme string, cause error) *CredentialError {
	return &CredentialError{
		Scheme: scheme,
		Cause:  cause,
	}
}

// IsCredentialFailure reports whether err represents a credential problem,
// absent or invalid, rather than an infrastructure fault. Resolution
// errors for which this returns false must surface as faults, never as an
// authentication decision.
func IsCredentialFailure(err error) bool {
	return errors.Is(err, ErrNoCredentials) || errors.Is(err, ErrInvalidCredentials)
}

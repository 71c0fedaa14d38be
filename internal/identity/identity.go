// Package identity resolves the caller of a request into an Identity.
//
// Resolution walks the configured schemes in order (bearer tokens, then
// API keys) and stops at the first scheme that finds credential material.
// A request without material in any location resolves to ErrNoCredentials;
// whether that becomes an anonymous identity is the caller's decision, not
// this package's.
package identity

import (
	"context"
	"time"
)

// AuthType is the authentication method that produced an identity.
type AuthType string

// Authentication types.
const (
	AuthTypeJWT       AuthType = "jwt"
	AuthTypeAPIKey    AuthType = "apikey"
	AuthTypeAnonymous AuthType = "anonymous"
)

// AnonymousSubject is the subject assigned to unauthenticated callers on
// routes that allow them.
const AnonymousSubject = "anonymous"

// Identity is a resolved caller. Instances are treated as immutable once
// resolution returns them.
type Identity struct {
	// Subject is the unique identifier for the caller.
	Subject string `json:"sub"`

	// Issuer is the party that vouched for the credential, when known.
	Issuer string `json:"iss,omitempty"`

	// AuthType is the authentication method used.
	AuthType AuthType `json:"auth_type"`

	// AuthTime is when resolution completed.
	AuthTime time.Time `json:"auth_time,omitempty"`

	// ExpiresAt is when the backing credential expires.
	ExpiresAt time.Time `json:"exp,omitempty"`

	// Claims holds the verified claims carried by the credential.
	Claims map[string]interface{} `json:"claims,omitempty"`

	// Roles assigned to the caller.
	Roles []string `json:"roles,omitempty"`

	// Permissions granted to the caller.
	Permissions []string `json:"permissions,omitempty"`

	// Scopes granted to the credential.
	Scopes []string `json:"scopes,omitempty"`

	// Groups the caller belongs to.
	Groups []string `json:"groups,omitempty"`

	// Metadata contains additional attributes about the caller.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsAnonymous reports whether the identity was pinned for an
// unauthenticated caller.
func (i *Identity) IsAnonymous() bool {
	return i.AuthType == AuthTypeAnonymous
}

// HasRole checks if the identity has a specific role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole checks if the identity has any of the specified roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// HasAllRoles checks if the identity has all of the specified roles.
func (i *Identity) HasAllRoles(roles ...string) bool {
	for _, role := range roles {
		if !i.HasRole(role) {
			return false
		}
	}
	return true
}

// HasPermission checks if the identity has a specific permission.
func (i *Identity) HasPermission(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// HasScope checks if the identity has a specific scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes checks if the identity has all of the specified scopes.
func (i *Identity) HasAllScopes(scopes ...string) bool {
	for _, scope := range scopes {
		if !i.HasScope(scope) {
			return false
		}
	}
	return true
}

// HasGroup checks if the identity belongs to a specific group.
func (i *Identity) HasGroup(group string) bool {
	for _, g := range i.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// GetClaim returns a claim value by name.
func (i *Identity) GetClaim(name string) (interface{}, bool) {
	if i.Claims == nil {
		return nil, false
	}
	v, ok := i.Claims[name]
	return v, ok
}

// GetClaimString returns a claim value as a string, or "" when the claim
// is absent or not a string.
func (i *Identity) GetClaimString(name string) string {
	v, ok := i.GetClaim(name)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Anonymous returns the identity pinned for unauthenticated callers.
func Anonymous() *Identity {
	return &Identity{
		Subject:  AnonymousSubject,
		AuthType: AuthTypeAnonymous,
		AuthTime: time.Now(),
	}
}

// Context key type for identity.
type identityContextKey struct{}

// ContextWithIdentity adds an identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// FromContext extracts the identity from the context.
func FromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}

// FromContextOrError extracts the identity from the context or returns
// ErrIdentityNotFound.
func FromContextOrError(ctx context.Context) (*Identity, error) {
	identity, ok := FromContext(ctx)
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return identity, nil
}

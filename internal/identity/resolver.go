package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voronkovm/authpipe/internal/identity/apikey"
	"github.com/voronkovm/authpipe/internal/identity/jwt"
	"github.com/voronkovm/authpipe/internal/observability"
)

// Resolver resolves the caller of a request into an Identity.
//
// A nil error means the identity is usable. Errors matching
// IsCredentialFailure describe the credential; any other error is an
// infrastructure fault in a verifier backend and must not be presented
// to the caller as an authentication decision.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (*Identity, error)
}

// ClaimMapping names the token claims that populate the identity's
// authorization attributes. Dotted paths reach into nested claim objects.
type ClaimMapping struct {
	Roles       string `yaml:"roles,omitempty"`
	Permissions string `yaml:"permissions,omitempty"`
	Scopes      string `yaml:"scopes,omitempty"`
	Groups      string `yaml:"groups,omitempty"`
}

// defaultClaimMapping covers the common token layouts, including the
// space-separated OAuth scope claim.
var defaultClaimMapping = ClaimMapping{
	Roles:       "roles",
	Permissions: "permissions",
	Scopes:      "scope",
	Groups:      "groups",
}

// resolver implements the Resolver interface.
type resolver struct {
	extractor       Extractor
	tokenValidator  jwt.Validator
	apiKeyValidator apikey.Validator
	mapping         ClaimMapping
	logger          observability.Logger
}

// ResolverOption is a functional option for the resolver.
type ResolverOption func(*resolver)

// WithExtractor sets the credential extractor.
func WithExtractor(extractor Extractor) ResolverOption {
	return func(r *resolver) {
		if extractor != nil {
			r.extractor = extractor
		}
	}
}

// WithTokenValidator enables bearer token resolution.
func WithTokenValidator(v jwt.Validator) ResolverOption {
	return func(r *resolver) {
		r.tokenValidator = v
	}
}

// WithAPIKeyValidator enables API key resolution.
func WithAPIKeyValidator(v apikey.Validator) ResolverOption {
	return func(r *resolver) {
		r.apiKeyValidator = v
	}
}

// WithClaimMapping overrides the default claim mapping.
func WithClaimMapping(mapping ClaimMapping) ResolverOption {
	return func(r *resolver) {
		if mapping.Roles != "" {
			r.mapping.Roles = mapping.Roles
		}
		if mapping.Permissions != "" {
			r.mapping.Permissions = mapping.Permissions
		}
		if mapping.Scopes != "" {
			r.mapping.Scopes = mapping.Scopes
		}
		if mapping.Groups != "" {
			r.mapping.Groups = mapping.Groups
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver that tries bearer tokens first, then
// API keys. A resolver with no validators reports ErrNoCredentials for
// every request, which suits anonymous-only deployments.
func NewResolver(opts ...ResolverOption) Resolver {
	r := &resolver{
		extractor: NewExtractor(nil),
		mapping:   defaultClaimMapping,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve resolves the caller of a request into an Identity. Schemes
// are tried in order; a scheme that finds no material falls through to
// the next one, while an infrastructure fault stops the chain at once.
func (res *resolver) Resolve(ctx context.Context, r *http.Request) (*Identity, error) {
	schemes := []struct {
		name    string
		enabled bool
		resolve func(context.Context, *http.Request) (*Identity, error)
	}{
		{"bearer token", res.tokenValidator != nil, res.resolveToken},
		{"api key", res.apiKeyValidator != nil, res.resolveAPIKey},
	}

	var lastCredErr error
	for _, scheme := range schemes {
		if !scheme.enabled {
			continue
		}

		identity, err := scheme.resolve(ctx, r)
		if err == nil {
			return identity, nil
		}
		if !IsCredentialFailure(err) {
			return nil, err
		}
		if errors.Is(err, ErrNoCredentials) {
			continue
		}

		res.logger.Debug("credential rejected",
			observability.String("scheme", scheme.name),
			observability.Error(err),
		)
		lastCredErr = err
	}

	if lastCredErr != nil {
		return nil, lastCredErr
	}
	return nil, ErrNoCredentials
}

// resolveToken extracts and validates a bearer token.
func (res *resolver) resolveToken(ctx context.Context, r *http.Request) (*Identity, error) {
	creds, err := res.extractor.ExtractToken(r)
	if err != nil {
		return nil, err
	}

	claims, err := res.tokenValidator.Validate(ctx, creds.Value)
	if err != nil {
		if jwt.IsCredentialError(err) {
			return nil, NewCredentialError(string(AuthTypeJWT), err)
		}
		return nil, fmt.Errorf("validate bearer token: %w", err)
	}

	if claims.Subject == "" {
		return nil, NewCredentialError(string(AuthTypeJWT), jwt.ErrMissingClaim)
	}
	return res.claimsToIdentity(claims), nil
}

// resolveAPIKey extracts and validates an API key.
func (res *resolver) resolveAPIKey(ctx context.Context, r *http.Request) (*Identity, error) {
	creds, err := res.extractor.ExtractAPIKey(r)
	if err != nil {
		return nil, err
	}

	info, err := res.apiKeyValidator.Validate(ctx, creds.Value)
	if err != nil {
		if apikey.IsCredentialError(err) {
			return nil, NewCredentialError(string(AuthTypeAPIKey), err)
		}
		return nil, fmt.Errorf("validate api key: %w", err)
	}

	if info.Subject == "" {
		return nil, NewCredentialError(string(AuthTypeAPIKey), apikey.ErrKeyInvalid)
	}
	return keyInfoToIdentity(info), nil
}

// claimsToIdentity maps verified token claims onto an Identity.
func (res *resolver) claimsToIdentity(claims *jwt.Claims) *Identity {
	identity := &Identity{
		Subject:     claims.Subject,
		Issuer:      claims.Issuer,
		AuthType:    AuthTypeJWT,
		AuthTime:    time.Now(),
		Claims:      claims.ToMap(),
		Roles:       claims.GetStringSliceClaim(res.mapping.Roles),
		Permissions: claims.GetStringSliceClaim(res.mapping.Permissions),
		Scopes:      claims.GetStringSliceClaim(res.mapping.Scopes),
		Groups:      claims.GetStringSliceClaim(res.mapping.Groups),
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity
}

// keyInfoToIdentity maps a validated API key onto an Identity.
func keyInfoToIdentity(info *apikey.KeyInfo) *Identity {
	identity := &Identity{
		Subject:     info.Subject,
		AuthType:    AuthTypeAPIKey,
		AuthTime:    time.Now(),
		Roles:       info.Roles,
		Permissions: info.Permissions,
		Scopes:      info.Scopes,
		Metadata:    info.Metadata,
	}
	if info.ExpiresAt != nil {
		identity.ExpiresAt = *info.ExpiresAt
	}
	return identity
}

// Ensure resolver implements Resolver.
var _ Resolver = (*resolver)(nil)

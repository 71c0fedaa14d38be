package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/voronkovm/authpipe/internal/observability"
)

// Resolver loads a route's declared resources in declaration order.
type Resolver struct {
	registry *Registry
	logger   observability.Logger
}

// ResolverOption is a functional option for the resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver over a loader registry.
func NewResolver(registry *Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load resolves every declared resource, stopping at the first one
// that is absent or fails to load. Absence comes back as a
// NotFoundError naming the resource; anything else is an
// infrastructure fault and the request cannot be decided.
func (r *Resolver) Load(ctx context.Context, specs []Spec, params map[string]string) (*Set, error) {
	set := NewSet()
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, err := r.identifier(spec, set, params)
		if err != nil {
			return nil, err
		}
		if key == "" {
			// No usable identifier means the record cannot exist.
			return nil, &NotFoundError{Resource: spec.Name}
		}

		loader, ok := r.registry.Get(spec.Loader)
		if !ok {
			return nil, fmt.Errorf("resource %q: loader %q is not registered", spec.Name, spec.Loader)
		}

		attrs, err := loader.Load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &NotFoundError{Resource: spec.Name, Key: key}
			}
			return nil, fmt.Errorf("load resource %q: %w", spec.Name, err)
		}

		set.add(&Resource{Name: spec.Name, Key: key, Attributes: attrs})
		r.logger.Debug("resource loaded",
			observability.String("resource", spec.Name),
			observability.String("loader", spec.Loader),
			observability.String("key", key),
		)
	}
	return set, nil
}

// identifier resolves the spec's identifier from the matched path
// parameters or from an earlier-loaded resource.
func (r *Resolver) identifier(spec Spec, set *Set, params map[string]string) (string, error) {
	if spec.Param != "" {
		return params[spec.Param], nil
	}

	prior, ok := set.Get(spec.FromResource)
	if !ok {
		// Route registration orders declarations, so a missing
		// dependency is a wiring bug, not an absent record.
		return "", fmt.Errorf("resource %q: dependency %q was not loaded", spec.Name, spec.FromResource)
	}
	return prior.StringAttribute(spec.FromField), nil
}

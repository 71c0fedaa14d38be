package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/voronkovm/authpipe/internal/access"
	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/identity"
	"github.com/voronkovm/authpipe/internal/identity/apikey"
	"github.com/voronkovm/authpipe/internal/identity/jwt"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/pipeline"
	"github.com/voronkovm/authpipe/internal/resource"
	"github.com/voronkovm/authpipe/internal/route"
	"github.com/voronkovm/authpipe/internal/secrets"
	"github.com/voronkovm/authpipe/internal/store"
	"github.com/voronkovm/authpipe/internal/util"
)

// Runtime is everything one configuration builds: the pipeline, the
// live store connections behind it, and the audit logger. A reload
// builds a fresh Runtime and swaps it in; the old one is closed once
// in-flight requests have drained.
type Runtime struct {
	cfg      *Config
	pipeline *pipeline.Pipeline
	stores   map[string]store.Store
	audit    audit.Logger
}

// Config returns the document this runtime was built from.
func (r *Runtime) Config() *Config {
	return r.cfg
}

// Pipeline returns the decision pipeline.
func (r *Runtime) Pipeline() *pipeline.Pipeline {
	return r.pipeline
}

// Stores returns the named backing stores, for health checks.
func (r *Runtime) Stores() map[string]store.Store {
	return r.stores
}

// Audit returns the audit logger.
func (r *Runtime) Audit() audit.Logger {
	return r.audit
}

// Close releases every resource the runtime holds.
func (r *Runtime) Close() error {
	var errs []error
	for name, st := range r.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %s: %w", name, err))
		}
	}
	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit logger: %w", err))
		}
	}
	return errors.Join(errs...)
}

// builder carries the ambient collaborators through construction.
type builder struct {
	logger  observability.Logger
	metrics *observability.Metrics
	secrets secrets.Provider
}

// BuildOption is a functional option for Build.
type BuildOption func(*builder)

// WithBuildLogger sets the logger wired into every component.
func WithBuildLogger(logger observability.Logger) BuildOption {
	return func(b *builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBuildMetrics wires metrics into the pipeline, stores, caches,
// and audit logger.
func WithBuildMetrics(m *observability.Metrics) BuildOption {
	return func(b *builder) {
		b.metrics = m
	}
}

// WithSecretsProvider supplies the provider behind secretRef fields.
func WithSecretsProvider(p secrets.Provider) BuildOption {
	return func(b *builder) {
		b.secrets = p
	}
}

// NewSecretsProvider constructs the provider the document's secrets
// section describes. A nil section yields a nil provider, leaving
// secretRef fields unresolvable.
func NewSecretsProvider(ctx context.Context, cfg *Config, logger observability.Logger) (secrets.Provider, error) {
	if cfg == nil || cfg.Secrets == nil {
		return nil, nil
	}
	return secrets.NewProvider(ctx, cfg.Secrets.toProviderConfig(), logger)
}

// Build validates the document and constructs the full runtime:
// stores, loaders, identity resolution, access evaluation, the route
// table, the pipeline, and the audit logger. Secret references are
// resolved here, once, so request handling never touches the secrets
// provider.
func Build(ctx context.Context, cfg *Config, opts ...BuildOption) (*Runtime, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	b := &builder{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}

	stores, err := b.buildStores(ctx, cfg.Stores)
	if err != nil {
		return nil, err
	}

	rt, err := b.assemble(ctx, cfg, stores)
	if err != nil {
		closeStores(stores)
		return nil, err
	}
	return rt, nil
}

// assemble wires the collaborators over already-open stores.
func (b *builder) assemble(ctx context.Context, cfg *Config, stores map[string]store.Store) (*Runtime, error) {
	registry, err := buildLoaders(cfg.Loaders, stores)
	if err != nil {
		return nil, err
	}
	resolver := resource.NewResolver(registry, resource.WithResolverLogger(b.logger))

	idResolver, err := b.buildIdentity(ctx, &cfg.Identity, stores)
	if err != nil {
		return nil, err
	}

	evaluator, err := b.buildAccess(&cfg.Access, stores)
	if err != nil {
		return nil, err
	}

	table, err := buildRoutes(cfg.Routes)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(table, idResolver, resolver, evaluator,
		pipeline.WithLogger(b.logger),
		pipeline.WithMetrics(b.metrics),
	)
	if err != nil {
		return nil, err
	}

	auditLogger, err := b.buildAudit(cfg.Audit)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:      cfg,
		pipeline: p,
		stores:   stores,
		audit:    auditLogger,
	}, nil
}

// buildStores opens every declared store. On failure the already-open
// ones are closed before returning.
func (b *builder) buildStores(ctx context.Context, configs []StoreConfig) (map[string]store.Store, error) {
	stores := make(map[string]store.Store, len(configs))
	for i := range configs {
		st, err := b.buildStore(ctx, &configs[i])
		if err != nil {
			closeStores(stores)
			return nil, err
		}
		stores[configs[i].Name] = st
	}
	return stores, nil
}

// buildStore opens one store and applies its breaker and
// instrumentation wrappers.
func (b *builder) buildStore(ctx context.Context, sc *StoreConfig) (store.Store, error) {
	base, err := b.buildBaseStore(ctx, sc)
	if err != nil {
		return nil, err
	}

	st := base
	if sc.Breaker != nil && sc.Breaker.Enabled {
		st = store.NewBreaker(st, store.BreakerConfig{
			Name:      sc.Name,
			Threshold: sc.Breaker.Threshold,
			Timeout:   sc.Breaker.Timeout.Duration(),
		}, b.logger)
	}
	return store.NewInstrumented(st, sc.Name, b.metrics), nil
}

// buildBaseStore opens the configured backend.
func (b *builder) buildBaseStore(ctx context.Context, sc *StoreConfig) (store.Store, error) {
	switch sc.Type {
	case StoreTypeMemory:
		var opts []store.MemoryOption
		if sc.Memory != nil && sc.Memory.MaxEntries > 0 {
			opts = append(opts, store.WithMemoryMaxEntries(sc.Memory.MaxEntries))
		}
		opts = append(opts, store.WithMemoryLogger(b.logger))
		st := store.NewMemory(opts...)
		if sc.Memory != nil {
			if err := seedMemory(ctx, st, sc.Memory.Seed); err != nil {
				return nil, util.NewConfigErrorWithCause(
					fmt.Sprintf("stores.%s.memory.seed", sc.Name), "seed store", err)
			}
		}
		return st, nil

	case StoreTypeRedis:
		password, err := b.resolveSecret(ctx,
			fmt.Sprintf("stores.%s.redis.password", sc.Name),
			sc.Redis.Password, sc.Redis.PasswordRef)
		if err != nil {
			return nil, err
		}
		return store.NewRedis(store.RedisConfig{
			Addr:         sc.Redis.Addr,
			DB:           sc.Redis.DB,
			Password:     password,
			KeyPrefix:    sc.Redis.KeyPrefix,
			DialTimeout:  sc.Redis.DialTimeout.Duration(),
			ReadTimeout:  sc.Redis.ReadTimeout.Duration(),
			WriteTimeout: sc.Redis.WriteTimeout.Duration(),
			PoolSize:     sc.Redis.PoolSize,
		}, store.WithRedisLogger(b.logger))

	case StoreTypePostgres:
		dsn, err := b.resolveSecret(ctx,
			fmt.Sprintf("stores.%s.postgres.dsn", sc.Name),
			sc.Postgres.DSN, sc.Postgres.DSNRef)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(dsn, store.WithPostgresLogger(b.logger))

	default:
		return nil, util.NewConfigError(
			fmt.Sprintf("stores.%s.type", sc.Name),
			fmt.Sprintf("unknown store type %q", sc.Type))
	}
}

// seedMemory writes configured fixture documents into a fresh store.
func seedMemory(ctx context.Context, st store.Store, seed map[string]map[string]map[string]interface{}) error {
	for collection, docs := range seed {
		for key, doc := range docs {
			if err := st.Set(ctx, collection, key, doc, 0); err != nil {
				return fmt.Errorf("%s/%s: %w", collection, key, err)
			}
		}
	}
	return nil
}

// closeStores closes stores opened during a failed build.
func closeStores(stores map[string]store.Store) {
	for _, st := range stores {
		_ = st.Close()
	}
}

// resolveSecret returns the literal value, or resolves the reference
// through the secrets provider when one is set.
func (b *builder) resolveSecret(ctx context.Context, field, literal, ref string) (string, error) {
	if ref == "" {
		return literal, nil
	}
	if b.secrets == nil {
		return "", util.NewConfigError(field, "secret reference requires a secrets provider")
	}
	value, err := secrets.ResolveRef(ctx, b.secrets, ref)
	if err != nil {
		return "", util.NewConfigErrorWithCause(field, fmt.Sprintf("resolve %q", ref), err)
	}
	return value, nil
}

// buildLoaders registers every declared loader.
func buildLoaders(configs []LoaderConfig, stores map[string]store.Store) (*resource.Registry, error) {
	registry := resource.NewRegistry()
	for i := range configs {
		lc := &configs[i]

		var loader resource.Loader
		if lc.Store != "" {
			loader = resource.NewStoreLoader(stores[lc.Store], lc.Collection)
		} else {
			loader = resource.NewStaticLoader(lc.Static)
		}

		if err := registry.Register(lc.Name, loader); err != nil {
			return nil, util.NewConfigErrorWithCause(
				fmt.Sprintf("loaders[%d]", i), "register loader", err)
		}
	}
	return registry, nil
}

// buildIdentity constructs the identity resolver with the configured
// validators.
func (b *builder) buildIdentity(ctx context.Context, ic *IdentityConfig, stores map[string]store.Store) (identity.Resolver, error) {
	opts := []identity.ResolverOption{
		identity.WithResolverLogger(b.logger),
		identity.WithExtractor(identity.NewExtractor(ic.Extraction)),
	}
	if ic.ClaimMapping != nil {
		opts = append(opts, identity.WithClaimMapping(*ic.ClaimMapping))
	}

	if jc := ic.JWT; jc != nil {
		jwtCfg, err := b.jwtConfig(ctx, jc)
		if err != nil {
			return nil, err
		}
		v, err := jwt.NewValidator(jwtCfg, jwt.WithValidatorLogger(b.logger))
		if err != nil {
			return nil, util.NewConfigErrorWithCause("identity.jwt", "build token validator", err)
		}
		opts = append(opts, identity.WithTokenValidator(v))
	}

	if ac := ic.APIKey; ac != nil {
		v, err := apikey.NewValidator(&apikey.Config{
			Collection:    ac.Collection,
			HashAlgorithm: ac.HashAlgorithm,
		}, stores[ac.Store], apikey.WithValidatorLogger(b.logger))
		if err != nil {
			return nil, util.NewConfigErrorWithCause("identity.apiKey", "build api key validator", err)
		}
		opts = append(opts, identity.WithAPIKeyValidator(v))
	}

	return identity.NewResolver(opts...), nil
}

// jwtConfig converts the document section, resolving HMAC secret
// references.
func (b *builder) jwtConfig(ctx context.Context, jc *JWTConfig) (*jwt.Config, error) {
	cfg := &jwt.Config{
		Algorithms:     jc.Algorithms,
		Issuers:        jc.Issuers,
		Audiences:      jc.Audiences,
		RequiredClaims: jc.RequiredClaims,
		ClockSkew:      jc.ClockSkew.Duration(),
		JWKSURL:        jc.JWKSURL,
		JWKSCacheTTL:   jc.JWKSCacheTTL.Duration(),
	}

	for i, key := range jc.StaticKeys {
		secret, err := b.resolveSecret(ctx,
			fmt.Sprintf("identity.jwt.staticKeys[%d].secret", i),
			key.Secret, key.SecretRef)
		if err != nil {
			return nil, err
		}
		cfg.StaticKeys = append(cfg.StaticKeys, jwt.StaticKey{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PEM:       key.PEM,
			PEMFile:   key.PEMFile,
			Secret:    secret,
		})
	}

	return cfg, nil
}

// buildAccess constructs the access evaluator and its decision cache.
func (b *builder) buildAccess(ac *AccessConfig, stores map[string]store.Store) (access.Evaluator, error) {
	cfg := &access.Config{
		Policies:      ac.Policies,
		DefaultPolicy: ac.DefaultPolicy,
		RoleHierarchy: ac.RoleHierarchy,
	}

	opts := []access.EvaluatorOption{access.WithEvaluatorLogger(b.logger)}
	if cache := ac.Cache; cache != nil && cache.Enabled {
		cacheCfg := &access.CacheConfig{
			Enabled:    true,
			Collection: cache.Collection,
			TTL:        cache.TTL.Duration(),
		}
		cfg.Cache = cacheCfg
		opts = append(opts, access.WithDecisionCache(
			access.NewStoreDecisionCache(stores[cache.Store], cacheCfg,
				access.WithCacheLogger(b.logger),
				access.WithCacheMetrics(b.metrics),
			),
		))
	}

	ev, err := access.New(cfg, opts...)
	if err != nil {
		return nil, util.NewConfigErrorWithCause("access", "build evaluator", err)
	}
	return ev, nil
}

// buildRoutes compiles the route table.
func buildRoutes(configs []RouteConfig) (*route.Table, error) {
	routes := make([]*route.Route, 0, len(configs))
	for i := range configs {
		rc := &configs[i]
		routes = append(routes, &route.Route{
			Name:           rc.Name,
			Method:         rc.Method,
			Pattern:        rc.Path,
			AllowAnonymous: rc.AllowAnonymous,
			Requirement:    rc.Requirement,
			ResourcePolicy: rc.ResourcePolicy,
			Resources:      rc.Resources,
			Schema:         rc.Schema,
			Upstream:       rc.Upstream,
		})
	}
	return route.NewTable(routes)
}

// buildAudit constructs the audit logger, sharing the service metrics
// registry when metrics are wired.
func (b *builder) buildAudit(cfg *audit.Config) (audit.Logger, error) {
	if cfg == nil || !cfg.Enabled {
		return audit.NewNoopLogger(), nil
	}

	opts := []audit.LoggerOption{audit.WithLoggerLogger(b.logger)}
	if b.metrics != nil {
		opts = append(opts, audit.WithLoggerRegisterer(b.metrics.Registry()))
	}

	logger, err := audit.NewLogger(cfg, opts...)
	if err != nil {
		return nil, util.NewConfigErrorWithCause("audit", "build audit logger", err)
	}
	return logger, nil
}

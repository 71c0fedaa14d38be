package config

import (
	"time"

	"github.com/voronkovm/authpipe/internal/access"
	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/identity"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/resource"
	"github.com/voronkovm/authpipe/internal/validate"
)

// Server defaults.
const (
	DefaultListen          = ":8080"
	DefaultAdminListen     = ":9090"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = int64(1 << 20)
)

// Store backend types.
const (
	StoreTypeMemory   = "memory"
	StoreTypeRedis    = "redis"
	StoreTypePostgres = "postgres"
)

// Config is the whole service configuration document.
type Config struct {
	// Server configures the public and admin listeners.
	Server ServerConfig `yaml:"server"`

	// Log configures the structured logger.
	Log observability.LogConfig `yaml:"log"`

	// Tracing configures the OTLP trace exporter.
	Tracing TracingConfig `yaml:"tracing"`

	// Audit configures the security event log. Nil disables auditing.
	Audit *audit.Config `yaml:"audit,omitempty"`

	// Secrets configures the provider behind secretRef fields. Nil
	// leaves references unresolvable.
	Secrets *SecretsConfig `yaml:"secrets,omitempty"`

	// Stores declares the named backing stores.
	Stores []StoreConfig `yaml:"stores,omitempty"`

	// Loaders declares the named resource loaders routes reference.
	Loaders []LoaderConfig `yaml:"loaders,omitempty"`

	// Identity configures credential extraction and validation.
	Identity IdentityConfig `yaml:"identity"`

	// Access configures resource policies and decision caching.
	Access AccessConfig `yaml:"access"`

	// Routes declares the decided endpoints.
	Routes []RouteConfig `yaml:"routes"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	// Listen is the public listener address.
	Listen string `yaml:"listen"`

	// AdminListen is the admin listener address (metrics, health,
	// dry-run decisions).
	AdminListen string `yaml:"adminListen"`

	// ReadTimeout bounds reading a whole request.
	ReadTimeout Duration `yaml:"readTimeout,omitempty"`

	// WriteTimeout bounds writing a whole response.
	WriteTimeout Duration `yaml:"writeTimeout,omitempty"`

	// IdleTimeout bounds keep-alive idleness.
	IdleTimeout Duration `yaml:"idleTimeout,omitempty"`

	// ShutdownTimeout bounds graceful drain on shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`

	// MaxBodyBytes caps accepted request bodies. Zero means the
	// default cap, negative means no cap.
	MaxBodyBytes int64 `yaml:"maxBodyBytes,omitempty"`

	// RateLimit configures public listener rate limiting.
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty"`

	// SecurityHeaders hardens public listener responses.
	SecurityHeaders *SecurityHeadersConfig `yaml:"securityHeaders,omitempty"`
}

// SecurityHeadersConfig configures response hardening on the public
// listener. Enabled responses carry X-Content-Type-Options and
// X-Frame-Options, are marked Cache-Control: no-store unless the
// upstream set its own caching policy, and lose Server and
// X-Powered-By.
type SecurityHeadersConfig struct {
	// Enabled turns the headers on.
	Enabled bool `yaml:"enabled"`

	// FrameOptions is the X-Frame-Options value, DENY or SAMEORIGIN.
	// Default: DENY.
	FrameOptions string `yaml:"frameOptions,omitempty"`

	// HSTSMaxAge is the Strict-Transport-Security max-age, sent only
	// on TLS requests. Zero leaves the header out.
	HSTSMaxAge Duration `yaml:"hstsMaxAge,omitempty"`
}

// RateLimitConfig configures request rate limiting on the public
// listener.
type RateLimitConfig struct {
	// Enabled turns rate limiting on.
	Enabled bool `yaml:"enabled"`

	// RPS is the sustained request rate.
	RPS float64 `yaml:"rps,omitempty"`

	// Burst is the burst allowance.
	Burst int `yaml:"burst,omitempty"`

	// PerClient keys limiting by client address instead of globally.
	PerClient bool `yaml:"perClient,omitempty"`

	// ClientTTL is how long an idle per-client limiter is kept.
	ClientTTL Duration `yaml:"clientTtl,omitempty"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate float64 `yaml:"samplingRate,omitempty"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"serviceName,omitempty"`
}

// SecretsConfig is the secrets section of the document. It mirrors the
// provider configuration with document-friendly duration fields.
type SecretsConfig struct {
	// Provider is the provider type: env, file, or vault.
	Provider string `yaml:"provider,omitempty"`

	// EnvPrefix overrides the env provider prefix.
	EnvPrefix string `yaml:"envPrefix,omitempty"`

	// Path is the base directory for the file provider.
	Path string `yaml:"path,omitempty"`

	// Vault configures the vault provider.
	Vault *VaultSecretsConfig `yaml:"vault,omitempty"`
}

// VaultSecretsConfig configures the vault secrets provider.
type VaultSecretsConfig struct {
	Address         string   `yaml:"address"`
	Namespace       string   `yaml:"namespace,omitempty"`
	AuthMethod      string   `yaml:"authMethod,omitempty"`
	Token           string   `yaml:"token,omitempty"`
	AppRoleID       string   `yaml:"appRoleID,omitempty"`
	AppRoleSecretID string   `yaml:"appRoleSecretID,omitempty"`
	AppRoleMount    string   `yaml:"appRoleMount,omitempty"`
	Mount           string   `yaml:"mount,omitempty"`
	Timeout         Duration `yaml:"timeout,omitempty"`
	MaxRetries      int      `yaml:"maxRetries,omitempty"`
	TLSSkipVerify   bool     `yaml:"tlsSkipVerify,omitempty"`
	CACert          string   `yaml:"caCert,omitempty"`
}

// StoreConfig declares one named backing store.
type StoreConfig struct {
	// Name is how loaders, the API key validator, and the decision
	// cache reference this store.
	Name string `yaml:"name"`

	// Type selects the backend: memory, redis, or postgres.
	Type string `yaml:"type"`

	// Memory configures the in-memory backend.
	Memory *MemoryStoreConfig `yaml:"memory,omitempty"`

	// Redis configures the redis backend.
	Redis *RedisStoreConfig `yaml:"redis,omitempty"`

	// Postgres configures the postgres backend.
	Postgres *PostgresStoreConfig `yaml:"postgres,omitempty"`

	// Breaker wraps the store in a circuit breaker.
	Breaker *BreakerConfig `yaml:"breaker,omitempty"`
}

// MemoryStoreConfig configures an in-memory store.
type MemoryStoreConfig struct {
	// MaxEntries caps the number of held documents. Zero means
	// unbounded.
	MaxEntries int `yaml:"maxEntries,omitempty"`

	// Seed pre-populates collections: collection name to key to
	// document. Meant for development and test fixtures.
	Seed map[string]map[string]map[string]interface{} `yaml:"seed,omitempty"`
}

// RedisStoreConfig configures a redis store.
type RedisStoreConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db,omitempty"`

	// Password is the literal password. PasswordRef resolves it
	// through the secrets provider instead; at most one may be set.
	Password    string `yaml:"password,omitempty"`
	PasswordRef string `yaml:"passwordRef,omitempty"`

	KeyPrefix    string   `yaml:"keyPrefix,omitempty"`
	DialTimeout  Duration `yaml:"dialTimeout,omitempty"`
	ReadTimeout  Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty"`
	PoolSize     int      `yaml:"poolSize,omitempty"`
}

// PostgresStoreConfig configures a postgres store.
type PostgresStoreConfig struct {
	// DSN is the literal connection string. DSNRef resolves it
	// through the secrets provider instead; at most one may be set.
	DSN    string `yaml:"dsn,omitempty"`
	DSNRef string `yaml:"dsnRef,omitempty"`
}

// BreakerConfig configures the circuit breaker around a store.
type BreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
}

// LoaderConfig declares one named resource loader. Exactly one of
// Store and Static must be configured.
type LoaderConfig struct {
	// Name is how route resource specs reference this loader.
	Name string `yaml:"name"`

	// Store names the backing store to load from. Requires
	// Collection.
	Store string `yaml:"store,omitempty"`

	// Collection is the store collection records live in.
	Collection string `yaml:"collection,omitempty"`

	// Static serves fixed records keyed by identifier. Meant for
	// development and test fixtures.
	Static map[string]map[string]interface{} `yaml:"static,omitempty"`
}

// IdentityConfig configures caller resolution.
type IdentityConfig struct {
	// Extraction overrides the credential extraction locations.
	Extraction *identity.ExtractionConfig `yaml:"extraction,omitempty"`

	// ClaimMapping overrides which token claims feed authorization
	// attributes.
	ClaimMapping *identity.ClaimMapping `yaml:"claimMapping,omitempty"`

	// JWT enables bearer token validation.
	JWT *JWTConfig `yaml:"jwt,omitempty"`

	// APIKey enables API key validation.
	APIKey *APIKeyConfig `yaml:"apiKey,omitempty"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Algorithms     []string          `yaml:"algorithms,omitempty"`
	Issuers        []string          `yaml:"issuers,omitempty"`
	Audiences      []string          `yaml:"audiences,omitempty"`
	RequiredClaims []string          `yaml:"requiredClaims,omitempty"`
	ClockSkew      Duration          `yaml:"clockSkew,omitempty"`
	JWKSURL        string            `yaml:"jwksUrl,omitempty"`
	JWKSCacheTTL   Duration          `yaml:"jwksCacheTtl,omitempty"`
	StaticKeys     []StaticKeyConfig `yaml:"staticKeys,omitempty"`
}

// StaticKeyConfig configures one locally held verification key.
// Exactly one of PEM, PEMFile, Secret, and SecretRef must be set.
type StaticKeyConfig struct {
	KeyID     string `yaml:"keyId,omitempty"`
	Algorithm string `yaml:"algorithm,omitempty"`
	PEM       string `yaml:"pem,omitempty"`
	PEMFile   string `yaml:"pemFile,omitempty"`

	// Secret is a literal HMAC secret. SecretRef resolves it through
	// the secrets provider instead.
	Secret    string `yaml:"secret,omitempty"`
	SecretRef string `yaml:"secretRef,omitempty"`
}

// APIKeyConfig configures API key validation.
type APIKeyConfig struct {
	// Store names the backing store holding key records.
	Store string `yaml:"store"`

	// Collection overrides the record collection.
	Collection string `yaml:"collection,omitempty"`

	// HashAlgorithm is how stored hashes were produced: sha256,
	// sha512, bcrypt, or plaintext.
	HashAlgorithm string `yaml:"hashAlgorithm,omitempty"`
}

// AccessConfig configures access evaluation.
type AccessConfig struct {
	// Policies are the named resource policies.
	Policies []access.Policy `yaml:"policies,omitempty"`

	// DefaultPolicy applies to routes that load resources but name no
	// policy of their own.
	DefaultPolicy string `yaml:"defaultPolicy,omitempty"`

	// RoleHierarchy maps a role to the roles it implies.
	RoleHierarchy map[string][]string `yaml:"roleHierarchy,omitempty"`

	// Cache configures decision caching.
	Cache *DecisionCacheConfig `yaml:"cache,omitempty"`
}

// DecisionCacheConfig configures the access decision cache.
type DecisionCacheConfig struct {
	// Enabled turns caching on.
	Enabled bool `yaml:"enabled"`

	// Store names the backing store decisions are kept in.
	Store string `yaml:"store,omitempty"`

	// Collection overrides the decision collection.
	Collection string `yaml:"collection,omitempty"`

	// TTL bounds how long a decision may be reused.
	TTL Duration `yaml:"ttl,omitempty"`
}

// RouteConfig declares one decided endpoint.
type RouteConfig struct {
	// Name uniquely identifies the route.
	Name string `yaml:"name"`

	// Method is the HTTP method.
	Method string `yaml:"method"`

	// Path is the path pattern: literal segments, {name} parameters,
	// optional trailing * wildcard.
	Path string `yaml:"path"`

	// AllowAnonymous opts the route out of credential enforcement.
	AllowAnonymous bool `yaml:"allowAnonymous,omitempty"`

	// Requirement is the route-level access requirement.
	Requirement *access.Requirement `yaml:"requirement,omitempty"`

	// ResourcePolicy names the policy applied to loaded resources.
	ResourcePolicy string `yaml:"resourcePolicy,omitempty"`

	// Resources declares the entities to load, in dependency order.
	Resources []resource.Spec `yaml:"resources,omitempty"`

	// Schema declares input validation rules.
	Schema *validate.Schema `yaml:"schema,omitempty"`

	// Upstream is the URL authorized requests are forwarded to.
	// Empty means the request terminates here with 204.
	Upstream string `yaml:"upstream,omitempty"`
}

// DefaultConfig returns a configuration with every default applied and
// no routes.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields with their defaults. Called by the
// loader after parsing and before validation.
func (c *Config) SetDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.AdminListen == "" {
		c.Server.AdminListen = DefaultAdminListen
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "authpipe"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}

	for i := range c.Stores {
		if c.Stores[i].Type == "" {
			c.Stores[i].Type = StoreTypeMemory
		}
	}
}

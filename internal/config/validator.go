package config

import (
	"fmt"
	"strings"

	"github.com/voronkovm/authpipe/internal/identity/apikey"
	"github.com/voronkovm/authpipe/internal/secrets"
	"github.com/voronkovm/authpipe/internal/util"
)

// ValidationError is one configuration validation finding.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is every finding of one validation pass. Matching
// util.ErrConfigInvalid through errors.Is keeps config failures
// uniform across the codebase.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// Is reports whether the target is util.ErrConfigInvalid.
func (e ValidationErrors) Is(target error) bool {
	return target == util.ErrConfigInvalid
}

// HasErrors reports whether any finding was recorded.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator checks a configuration document. Findings accumulate so
// the operator sees every problem in one pass.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// ValidateConfig validates a configuration document, resolving every
// cross-reference (loader to store, route to loader and policy, cache
// to store) so a name that resolves nowhere fails at load time, never
// at request time.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate runs all checks and returns the accumulated findings.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateLog(cfg)
	v.validateTracing(&cfg.Tracing)
	v.validateAudit(cfg)
	v.validateSecrets(cfg.Secrets)

	storeNames := v.validateStores(cfg.Stores)
	loaderNames := v.validateLoaders(cfg.Loaders, storeNames)
	v.validateIdentity(&cfg.Identity, storeNames)
	policyNames := v.validateAccess(&cfg.Access, storeNames)
	v.validateRoutes(cfg.Routes, loaderNames, policyNames)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// addError records one finding.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

// validateServer checks listener addresses and limits.
func (v *Validator) validateServer(s *ServerConfig) {
	if s.Listen == "" {
		v.addError("server.listen", "listen address is required")
	}
	if s.AdminListen == "" {
		v.addError("server.adminListen", "admin listen address is required")
	}
	if s.Listen != "" && s.Listen == s.AdminListen {
		v.addError("server.adminListen", "admin listener must not share the public address")
	}

	if rl := s.RateLimit; rl != nil && rl.Enabled {
		if rl.RPS <= 0 {
			v.addError("server.rateLimit.rps", "rps must be positive")
		}
		if rl.Burst < 0 {
			v.addError("server.rateLimit.burst", "burst must not be negative")
		}
	}

	if sh := s.SecurityHeaders; sh != nil && sh.Enabled {
		switch sh.FrameOptions {
		case "", "DENY", "SAMEORIGIN":
		default:
			v.addError("server.securityHeaders.frameOptions",
				fmt.Sprintf("unknown value %q, want DENY or SAMEORIGIN", sh.FrameOptions))
		}
		if sh.HSTSMaxAge < 0 {
			v.addError("server.securityHeaders.hstsMaxAge", "max age must not be negative")
		}
	}
}

// validateLog checks the logger section.
func (v *Validator) validateLog(cfg *Config) {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", fmt.Sprintf("unknown level %q", cfg.Log.Level))
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		v.addError("log.format", fmt.Sprintf("unknown format %q", cfg.Log.Format))
	}
}

// validateTracing checks the tracing section.
func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "sampling rate must be within [0, 1]")
	}
}

// validateAudit delegates to the audit package's own validation.
func (v *Validator) validateAudit(cfg *Config) {
	if cfg.Audit == nil {
		return
	}
	if err := cfg.Audit.Validate(); err != nil {
		v.addError("audit", err.Error())
	}
}

// validateSecrets delegates to the secrets package's own validation.
func (v *Validator) validateSecrets(s *SecretsConfig) {
	if s == nil {
		return
	}
	if err := s.toProviderConfig().Validate(); err != nil {
		v.addError("secrets", err.Error())
	}
}

// validateStores checks store declarations and returns the declared
// names.
func (v *Validator) validateStores(stores []StoreConfig) map[string]bool {
	names := make(map[string]bool, len(stores))

	for i, sc := range stores {
		path := fmt.Sprintf("stores[%d]", i)

		if sc.Name == "" {
			v.addError(path+".name", "store name is required")
		} else if names[sc.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate store name %q", sc.Name))
		} else {
			names[sc.Name] = true
		}

		switch sc.Type {
		case StoreTypeMemory:
		case StoreTypeRedis:
			if sc.Redis == nil || sc.Redis.Addr == "" {
				v.addError(path+".redis.addr", "redis store requires an address")
			}
			if sc.Redis != nil && sc.Redis.Password != "" && sc.Redis.PasswordRef != "" {
				v.addError(path+".redis", "password and passwordRef are mutually exclusive")
			}
		case StoreTypePostgres:
			switch {
			case sc.Postgres == nil:
				v.addError(path+".postgres", "postgres store requires a dsn or dsnRef")
			case sc.Postgres.DSN == "" && sc.Postgres.DSNRef == "":
				v.addError(path+".postgres", "postgres store requires a dsn or dsnRef")
			case sc.Postgres.DSN != "" && sc.Postgres.DSNRef != "":
				v.addError(path+".postgres", "dsn and dsnRef are mutually exclusive")
			}
		default:
			v.addError(path+".type", fmt.Sprintf("unknown store type %q", sc.Type))
		}

		if sc.Breaker != nil && sc.Breaker.Threshold < 0 {
			v.addError(path+".breaker.threshold", "threshold must not be negative")
		}
	}

	return names
}

// validateLoaders checks loader declarations against the declared
// stores and returns the loader names.
func (v *Validator) validateLoaders(loaders []LoaderConfig, storeNames map[string]bool) map[string]bool {
	names := make(map[string]bool, len(loaders))

	for i, lc := range loaders {
		path := fmt.Sprintf("loaders[%d]", i)

		if lc.Name == "" {
			v.addError(path+".name", "loader name is required")
		} else if names[lc.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate loader name %q", lc.Name))
		} else {
			names[lc.Name] = true
		}

		switch {
		case lc.Store != "" && lc.Static != nil:
			v.addError(path, "store and static are mutually exclusive")
		case lc.Store != "":
			if !storeNames[lc.Store] {
				v.addError(path+".store", fmt.Sprintf("store %q is not declared", lc.Store))
			}
			if lc.Collection == "" {
				v.addError(path+".collection", "collection is required with a store")
			}
		case lc.Static != nil:
		default:
			v.addError(path, "either store or static is required")
		}
	}

	return names
}

// validateIdentity checks the identity section against the declared
// stores.
func (v *Validator) validateIdentity(id *IdentityConfig, storeNames map[string]bool) {
	if jwt := id.JWT; jwt != nil {
		if jwt.JWKSURL == "" && len(jwt.StaticKeys) == 0 {
			v.addError("identity.jwt", "a key source is required: jwksUrl or staticKeys")
		}
		for i, key := range jwt.StaticKeys {
			path := fmt.Sprintf("identity.jwt.staticKeys[%d]", i)
			sources := 0
			for _, set := range []bool{key.PEM != "", key.PEMFile != "", key.Secret != "", key.SecretRef != ""} {
				if set {
					sources++
				}
			}
			if sources != 1 {
				v.addError(path, "exactly one of pem, pemFile, secret, and secretRef is required")
			}
		}
	}

	if ak := id.APIKey; ak != nil {
		if ak.Store == "" {
			v.addError("identity.apiKey.store", "store is required")
		} else if !storeNames[ak.Store] {
			v.addError("identity.apiKey.store", fmt.Sprintf("store %q is not declared", ak.Store))
		}
		switch ak.HashAlgorithm {
		case "", apikey.HashAlgSHA256, apikey.HashAlgSHA512, apikey.HashAlgBcrypt, apikey.HashAlgPlaintext:
		default:
			v.addError("identity.apiKey.hashAlgorithm", fmt.Sprintf("unsupported algorithm %q", ak.HashAlgorithm))
		}
	}
}

// validateAccess checks policies and the decision cache and returns
// the declared policy names.
func (v *Validator) validateAccess(ac *AccessConfig, storeNames map[string]bool) map[string]bool {
	names := make(map[string]bool, len(ac.Policies))
	for i := range ac.Policies {
		if err := ac.Policies[i].Validate(); err != nil {
			v.addError(fmt.Sprintf("access.policies[%d]", i), err.Error())
		}
		name := ac.Policies[i].Name
		if name == "" {
			continue
		}
		if names[name] {
			v.addError(fmt.Sprintf("access.policies[%d].name", i), fmt.Sprintf("duplicate policy name %q", name))
		}
		names[name] = true
	}

	if ac.DefaultPolicy != "" && !names[ac.DefaultPolicy] {
		v.addError("access.defaultPolicy", fmt.Sprintf("policy %q is not declared", ac.DefaultPolicy))
	}

	if cache := ac.Cache; cache != nil && cache.Enabled {
		if cache.Store == "" {
			v.addError("access.cache.store", "store is required")
		} else if !storeNames[cache.Store] {
			v.addError("access.cache.store", fmt.Sprintf("store %q is not declared", cache.Store))
		}
	}

	return names
}

// validateRoutes checks route declarations against loaders and
// policies. Pattern internals (parameter references, ambiguity) are
// rechecked when the route table is compiled.
func (v *Validator) validateRoutes(routes []RouteConfig, loaderNames, policyNames map[string]bool) {
	if len(routes) == 0 {
		v.addError("routes", "at least one route is required")
		return
	}

	seen := make(map[string]bool, len(routes))
	for i, rc := range routes {
		path := fmt.Sprintf("routes[%d]", i)

		if rc.Name == "" {
			v.addError(path+".name", "route name is required")
		} else if seen[rc.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate route name %q", rc.Name))
		} else {
			seen[rc.Name] = true
		}

		if rc.Method == "" {
			v.addError(path+".method", "method is required")
		}
		if rc.Path == "" {
			v.addError(path+".path", "path is required")
		}

		if rc.ResourcePolicy != "" && !policyNames[rc.ResourcePolicy] {
			v.addError(path+".resourcePolicy", fmt.Sprintf("policy %q is not declared", rc.ResourcePolicy))
		}

		v.validateRouteResources(path, rc, loaderNames)

		if rc.Requirement != nil {
			if err := rc.Requirement.Validate(); err != nil {
				v.addError(path+".requirement", err.Error())
			}
		}
	}
}

// validateRouteResources checks a route's resource specs: loader
// references and declaration order.
func (v *Validator) validateRouteResources(path string, rc RouteConfig, loaderNames map[string]bool) {
	declared := make(map[string]bool, len(rc.Resources))
	for j, spec := range rc.Resources {
		sp := fmt.Sprintf("%s.resources[%d]", path, j)

		if spec.Name == "" {
			v.addError(sp+".name", "resource name is required")
		} else if declared[spec.Name] {
			v.addError(sp+".name", fmt.Sprintf("duplicate resource name %q", spec.Name))
		}

		if spec.Loader == "" {
			v.addError(sp+".loader", "loader is required")
		} else if !loaderNames[spec.Loader] {
			v.addError(sp+".loader", fmt.Sprintf("loader %q is not declared", spec.Loader))
		}

		switch {
		case spec.Param != "" && spec.FromResource != "":
			v.addError(sp, "param and fromResource are mutually exclusive")
		case spec.Param == "" && spec.FromResource == "":
			v.addError(sp, "either param or fromResource is required")
		case spec.FromResource != "":
			if !declared[spec.FromResource] {
				v.addError(sp+".fromResource",
					fmt.Sprintf("resource %q must be declared earlier in the same route", spec.FromResource))
			}
			if spec.FromField == "" {
				v.addError(sp+".fromField", "fromField is required with fromResource")
			}
		}

		if spec.Name != "" {
			declared[spec.Name] = true
		}
	}
}

// toProviderConfig converts the document section into the secrets
// package's configuration.
func (s *SecretsConfig) toProviderConfig() *secrets.Config {
	if s == nil {
		return nil
	}
	cfg := &secrets.Config{
		Provider:  s.Provider,
		EnvPrefix: s.EnvPrefix,
		Path:      s.Path,
	}
	if v := s.Vault; v != nil {
		cfg.Vault = &secrets.VaultConfig{
			Address:         v.Address,
			Namespace:       v.Namespace,
			AuthMethod:      v.AuthMethod,
			Token:           v.Token,
			AppRoleID:       v.AppRoleID,
			AppRoleSecretID: v.AppRoleSecretID,
			AppRoleMount:    v.AppRoleMount,
			Mount:           v.Mount,
			Timeout:         v.Timeout.Duration(),
			MaxRetries:      v.MaxRetries,
			TLSSkipVerify:   v.TLSSkipVerify,
			CACert:          v.CACert,
		}
	}
	return cfg
}

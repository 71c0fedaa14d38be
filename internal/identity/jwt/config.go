package jwt

import "time"

// Defaults for token validation.
const (
	DefaultClockSkew = 30 * time.Second
)

// Config configures token validation.
type Config struct {
	// Algorithms is the allowlist of signing algorithms. Empty allows
	// every supported algorithm.
	Algorithms []string `yaml:"algorithms,omitempty"`

	// Issuers is the allowlist of token issuers. Empty skips the check.
	Issuers []string `yaml:"issuers,omitempty"`

	// Audiences are the audiences this service accepts tokens for. A
	// token must carry at least one of them. Empty skips the check.
	Audiences []string `yaml:"audiences,omitempty"`

	// RequiredClaims must all be present in a valid token.
	RequiredClaims []string `yaml:"requiredClaims,omitempty"`

	// ClockSkew is the tolerance applied to exp and nbf checks.
	ClockSkew time.Duration `yaml:"clockSkew,omitempty"`

	// JWKSURL is the remote key set endpoint.
	JWKSURL string `yaml:"jwksUrl,omitempty"`

	// JWKSCacheTTL is how long fetched keys stay fresh.
	JWKSCacheTTL time.Duration `yaml:"jwksCacheTtl,omitempty"`

	// StaticKeys are locally configured verification keys.
	StaticKeys []StaticKey `yaml:"staticKeys,omitempty"`
}

// GetEffectiveClockSkew returns the configured clock skew or the default.
func (c *Config) GetEffectiveClockSkew() time.Duration {
	if c.ClockSkew > 0 {
		return c.ClockSkew
	}
	return DefaultClockSkew
}

// GetEffectiveJWKSCacheTTL returns the configured cache TTL or the
// default.
func (c *Config) GetEffectiveJWKSCacheTTL() time.Duration {
	if c.JWKSCacheTTL > 0 {
		return c.JWKSCacheTTL
	}
	return defaultJWKSCacheTTL
}

// HasKeySource reports whether any key source is configured.
func (c *Config) HasKeySource() bool {
	return c.JWKSURL != "" || len(c.StaticKeys) > 0
}

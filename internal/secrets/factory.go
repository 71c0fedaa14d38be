package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

// Config is the secrets section of the service configuration.
type Config struct {
	// Provider is the provider type: env, file, or vault.
	// Default: env.
	Provider string `yaml:"provider"`

	// EnvPrefix overrides the env provider prefix.
	EnvPrefix string `yaml:"envPrefix"`

	// Path is the base directory for the file provider.
	Path string `yaml:"path"`

	// Vault configures the vault provider.
	Vault *VaultConfig `yaml:"vault"`
}

// VaultConfig is the vault subsection of the secrets configuration.
type VaultConfig struct {
	// Address is the Vault server address.
	Address string `yaml:"address"`

	// Namespace is the Vault namespace (Enterprise only).
	Namespace string `yaml:"namespace"`

	// AuthMethod is token or approle. Default: token.
	AuthMethod string `yaml:"authMethod"`

	// Token is the Vault token for token auth. Leave empty to use
	// VAULT_TOKEN from the environment.
	Token string `yaml:"token"`

	// AppRoleID is the AppRole role ID.
	AppRoleID string `yaml:"appRoleID"`

	// AppRoleSecretID is the AppRole secret ID.
	AppRoleSecretID string `yaml:"appRoleSecretID"`

	// AppRoleMount is the AppRole auth mount path. Default: approle.
	AppRoleMount string `yaml:"appRoleMount"`

	// Mount is the KV v2 mount point. Default: secret.
	Mount string `yaml:"mount"`

	// Timeout is the request timeout. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the maximum number of request retries. Default: 3.
	MaxRetries int `yaml:"maxRetries"`

	// TLSSkipVerify disables TLS certificate verification.
	TLSSkipVerify bool `yaml:"tlsSkipVerify"`

	// CACert is a path to a PEM-encoded CA certificate file.
	CACert string `yaml:"caCert"`
}

// EffectiveProvider returns the provider type after defaulting.
func (c *Config) EffectiveProvider() string {
	if c == nil || c.Provider == "" {
		return string(ProviderTypeEnv)
	}
	return c.Provider
}

// Validate validates the secrets configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}

	providerType, err := ValidateProviderType(c.EffectiveProvider())
	if err != nil {
		return util.NewConfigErrorWithCause("secrets.provider", "unknown provider", err)
	}

	switch providerType {
	case ProviderTypeFile:
		if c.Path == "" {
			return util.NewConfigError("secrets.path", "file provider requires a base directory")
		}
	case ProviderTypeVault:
		if c.Vault == nil || c.Vault.Address == "" {
			return util.NewConfigError("secrets.vault.address", "vault provider requires an address")
		}
		switch c.Vault.AuthMethod {
		case "", VaultAuthToken, VaultAuthAppRole:
		default:
			return util.NewConfigError("secrets.vault.authMethod",
				fmt.Sprintf("unsupported auth method %q", c.Vault.AuthMethod))
		}
		if c.Vault.AuthMethod == VaultAuthAppRole && c.Vault.AppRoleID == "" {
			return util.NewConfigError("secrets.vault.appRoleID", "approle auth requires a role ID")
		}
	case ProviderTypeEnv:
	}

	return nil
}

// NewProvider creates a secrets provider from configuration. A nil
// configuration yields the env provider with its defaults.
func NewProvider(ctx context.Context, cfg *Config, logger observability.Logger) (Provider, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	providerType, err := ValidateProviderType(cfg.EffectiveProvider())
	if err != nil {
		return nil, err
	}

	switch providerType {
	case ProviderTypeEnv:
		prefix := ""
		if cfg != nil {
			prefix = cfg.EnvPrefix
		}
		return NewEnvProvider(&EnvProviderConfig{
			Prefix: prefix,
			Logger: logger,
		})

	case ProviderTypeFile:
		return NewFileProvider(&FileProviderConfig{
			BasePath: cfg.Path,
			Logger:   logger,
		})

	case ProviderTypeVault:
		v := cfg.Vault
		return NewVaultProvider(ctx, &VaultProviderConfig{
			Address:         v.Address,
			Namespace:       v.Namespace,
			AuthMethod:      v.AuthMethod,
			Token:           v.Token,
			AppRoleID:       v.AppRoleID,
			AppRoleSecretID: v.AppRoleSecretID,
			AppRoleMount:    v.AppRoleMount,
			Mount:           v.Mount,
			Timeout:         v.Timeout,
			MaxRetries:      v.MaxRetries,
			TLSSkipVerify:   v.TLSSkipVerify,
			CACert:          v.CACert,
			Logger:          logger,
		})

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderType, providerType)
	}
}

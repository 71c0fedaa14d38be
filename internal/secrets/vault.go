package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/retry"
)

// Vault auth methods.
const (
	VaultAuthToken   = "token"
	VaultAuthAppRole = "approle"
)

// VaultProviderConfig holds configuration for the Vault secrets
// provider.
type VaultProviderConfig struct {
	// Address is the Vault server address.
	Address string

	// Namespace is the Vault namespace (Enterprise only).
	Namespace string

	// AuthMethod is the authentication method (token, approle).
	// Default: token.
	AuthMethod string

	// Token is the Vault token for token auth.
	Token string

	// AppRoleID is the AppRole role ID.
	AppRoleID string

	// AppRoleSecretID is the AppRole secret ID.
	AppRoleSecretID string

	// AppRoleMount is the AppRole auth mount path. Default: approle.
	AppRoleMount string

	// Mount is the KV v2 secrets engine mount point. Default: secret.
	Mount string

	// Timeout is the request timeout. Default: 30s.
	Timeout time.Duration

	// MaxRetries is the maximum number of request retries. Default: 3.
	MaxRetries int

	// TLSSkipVerify disables TLS certificate verification.
	TLSSkipVerify bool

	// CACert is a path to a PEM-encoded CA certificate file.
	CACert string

	// Logger is the logger instance.
	Logger observability.Logger
}

// VaultProvider reads secrets from a HashiCorp Vault KV v2 engine.
// Secrets are read once per configuration build, so the provider
// holds no renewal goroutine; reloads construct a fresh provider and
// authenticate again.
type VaultProvider struct {
	client *vaultapi.Client
	mount  string
	logger observability.Logger
}

// NewVaultProvider creates a new Vault secrets provider and
// authenticates with the configured method.
func NewVaultProvider(ctx context.Context, cfg *VaultProviderConfig) (*VaultProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrProviderNotConfigured)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client, err := newVaultClient(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if err := authenticateVault(ctx, client, cfg, logger); err != nil {
		return nil, err
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}

	logger.Info("vault secrets provider initialized",
		observability.String("address", cfg.Address),
		observability.String("auth_method", effectiveVaultAuth(cfg)),
		observability.String("mount", mount),
	)

	return &VaultProvider{
		client: client,
		mount:  mount,
		logger: logger,
	}, nil
}

// newVaultClient builds the underlying API client.
func newVaultClient(cfg *VaultProviderConfig) (*vaultapi.Client, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address

	apiCfg.Timeout = cfg.Timeout
	if apiCfg.Timeout == 0 {
		apiCfg.Timeout = 30 * time.Second
	}

	apiCfg.MaxRetries = cfg.MaxRetries
	if apiCfg.MaxRetries == 0 {
		apiCfg.MaxRetries = 3
	}

	if cfg.TLSSkipVerify || cfg.CACert != "" {
		tlsCfg := &vaultapi.TLSConfig{
			Insecure: cfg.TLSSkipVerify,
			CACert:   cfg.CACert,
		}
		if err := apiCfg.ConfigureTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("failed to configure vault tls: %w", err)
		}
	}

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	return client, nil
}

// effectiveVaultAuth returns the auth method after defaulting.
func effectiveVaultAuth(cfg *VaultProviderConfig) string {
	if cfg.AuthMethod == "" {
		return VaultAuthToken
	}
	return cfg.AuthMethod
}

// vaultLoginRetry bounds login attempts against a Vault that is still
// coming up when the service starts.
var vaultLoginRetry = retry.Policy{
	Attempts:       4,
	InitialBackoff: time.Second,
	MaxBackoff:     10 * time.Second,
}

// authenticateVault authenticates the client with the configured
// method. Token auth attaches the token without a round trip;
// AppRole auth performs a login, retried with backoff since Vault may
// be briefly unavailable during startup.
func authenticateVault(ctx context.Context, client *vaultapi.Client, cfg *VaultProviderConfig, logger observability.Logger) error {
	switch effectiveVaultAuth(cfg) {
	case VaultAuthToken:
		if cfg.Token != "" {
			client.SetToken(cfg.Token)
		}
		// NewClient picks up VAULT_TOKEN from the environment.
		if client.Token() == "" {
			return fmt.Errorf("%w: token is required for token auth (set token or VAULT_TOKEN)", ErrProviderNotConfigured)
		}
		return nil

	case VaultAuthAppRole:
		if cfg.AppRoleID == "" {
			return fmt.Errorf("%w: role_id is required for approle auth", ErrProviderNotConfigured)
		}
		mount := cfg.AppRoleMount
		if mount == "" {
			mount = "approle"
		}
		payload := map[string]interface{}{
			"role_id": cfg.AppRoleID,
		}
		if cfg.AppRoleSecretID != "" {
			payload["secret_id"] = cfg.AppRoleSecretID
		}

		login := func(ctx context.Context) error {
			secret, err := client.Logical().WriteWithContext(ctx, "auth/"+mount+"/login", payload)
			if err != nil {
				var respErr *vaultapi.ResponseError
				if errors.As(err, &respErr) && respErr.StatusCode >= 400 && respErr.StatusCode < 500 {
					// Rejected credentials do not heal with time.
					return retry.Permanent(err)
				}
				return err
			}
			if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
				return retry.Permanent(fmt.Errorf("approle login returned no client token"))
			}
			client.SetToken(secret.Auth.ClientToken)
			return nil
		}

		err := retry.Do(ctx, vaultLoginRetry, login, func(attempt int, err error, delay time.Duration) {
			logger.Warn("vault approle login failed, retrying",
				observability.Int("attempt", attempt),
				observability.Duration("backoff", delay),
				observability.Error(err),
			)
		})
		if err != nil {
			return fmt.Errorf("approle login failed: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported vault auth method: %s", ErrProviderNotConfigured, cfg.AuthMethod)
	}
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret retrieves a secret from the KV v2 engine.
func (p *VaultProvider) GetSecret(ctx context.Context, path string) (*Secret, error) {
	start := time.Now()

	if path == "" {
		RecordOperation(p.Type(), "get", time.Since(start), ErrInvalidPath)
		return nil, ErrInvalidPath
	}

	kvSecret, err := p.client.KVv2(p.mount).Get(ctx, path)
	if err != nil {
		if errors.Is(err, vaultapi.ErrSecretNotFound) {
			RecordOperation(p.Type(), "get", time.Since(start), ErrSecretNotFound)
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
		}
		p.logger.Error("failed to read secret from vault",
			observability.String("path", path),
			observability.Error(err),
		)
		RecordOperation(p.Type(), "get", time.Since(start), err)
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}

	data := make(map[string][]byte, len(kvSecret.Data))
	for k, v := range kvSecret.Data {
		switch val := v.(type) {
		case string:
			data[k] = []byte(val)
		default:
			jsonBytes, err := json.Marshal(val)
			if err != nil {
				p.logger.Warn("failed to marshal secret value",
					observability.String("key", k),
					observability.Error(err),
				)
				continue
			}
			data[k] = jsonBytes
		}
	}

	secret := &Secret{
		Name:     path,
		Data:     data,
		Metadata: map[string]string{"source": "vault", "mount": p.mount},
	}

	if kvSecret.VersionMetadata != nil {
		secret.Version = strconv.Itoa(kvSecret.VersionMetadata.Version)
		secret.Metadata["created_time"] = kvSecret.VersionMetadata.CreatedTime.Format(time.RFC3339)
	}

	p.logger.Debug("resolved secret from vault",
		observability.String("path", path),
		observability.Int("keys", len(data)),
	)

	RecordOperation(p.Type(), "get", time.Since(start), nil)
	return secret, nil
}

// ListSecrets lists secret names under a path in the KV v2 engine.
func (p *VaultProvider) ListSecrets(ctx context.Context, path string) ([]string, error) {
	start := time.Now()

	listPath := p.mount + "/metadata"
	if path != "" {
		listPath += "/" + path
	}

	secret, err := p.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		RecordOperation(p.Type(), "list", time.Since(start), err)
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		RecordOperation(p.Type(), "list", time.Since(start), nil)
		return nil, nil
	}

	rawKeys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		RecordOperation(p.Type(), "list", time.Since(start), nil)
		return nil, nil
	}

	names := make([]string, 0, len(rawKeys))
	for _, raw := range rawKeys {
		if name, ok := raw.(string); ok {
			names = append(names, name)
		}
	}

	RecordOperation(p.Type(), "list", time.Since(start), nil)
	return names, nil
}

// HealthCheck checks Vault connectivity and seal status.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	start := time.Now()

	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		RecordHealthStatus(p.Type(), false)
		RecordOperation(p.Type(), "health_check", time.Since(start), err)
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		err := errors.New("vault is sealed")
		RecordHealthStatus(p.Type(), false)
		RecordOperation(p.Type(), "health_check", time.Since(start), err)
		return err
	}

	RecordHealthStatus(p.Type(), true)
	RecordOperation(p.Type(), "health_check", time.Since(start), nil)
	return nil
}

// Close cleans up provider resources.
func (p *VaultProvider) Close() error {
	return nil
}

// Ensure VaultProvider satisfies the interface.
var _ Provider = (*VaultProvider)(nil)

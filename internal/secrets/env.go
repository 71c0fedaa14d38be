package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
)

// DefaultEnvPrefix is the default prefix for environment variable secrets.
const DefaultEnvPrefix = "AUTHPIPE_SECRET_"

// EnvProviderConfig holds configuration for the environment variable
// secrets provider.
type EnvProviderConfig struct {
	// Prefix is the prefix for environment variables.
	// Default: "AUTHPIPE_SECRET_"
	Prefix string

	// Logger is the logger instance.
	Logger observability.Logger
}

// EnvProvider reads secrets from environment variables with a
// configurable prefix. Path "store-password" maps to the variable
// "{PREFIX}STORE_PASSWORD". A JSON object value becomes a multi-key
// secret; any other value is stored under the DefaultKey.
type EnvProvider struct {
	prefix string
	logger observability.Logger
}

// NewEnvProvider creates a new environment variable secrets provider.
func NewEnvProvider(cfg *EnvProviderConfig) (*EnvProvider, error) {
	if cfg == nil {
		cfg = &EnvProviderConfig{}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &EnvProvider{
		prefix: prefix,
		logger: logger,
	}, nil
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// normalizeEnvName converts a secret path to an environment variable
// name: uppercase, separators replaced with underscores, prefix
// prepended.
func (p *EnvProvider) normalizeEnvName(path string) string {
	name := strings.ToUpper(path)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "/", "_")

	return p.prefix + name
}

// GetSecret retrieves a secret from environment variables.
func (p *EnvProvider) GetSecret(_ context.Context, path string) (*Secret, error) {
	start := time.Now()

	if path == "" {
		RecordOperation(p.Type(), "get", time.Since(start), ErrInvalidPath)
		return nil, ErrInvalidPath
	}

	envName := p.normalizeEnvName(path)

	value, exists := os.LookupEnv(envName)
	if !exists {
		p.logger.Debug("environment variable not set",
			observability.String("env_var", envName),
		)
		RecordOperation(p.Type(), "get", time.Since(start), ErrSecretNotFound)
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envName)
	}

	data := make(map[string][]byte)

	// A JSON object value carries a multi-key secret.
	var jsonData map[string]interface{}
	if err := json.Unmarshal([]byte(value), &jsonData); err == nil {
		for k, v := range jsonData {
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
	} else {
		data[DefaultKey] = []byte(value)
	}

	p.logger.Debug("resolved secret from environment",
		observability.String("path", path),
		observability.String("env_var", envName),
		observability.Int("keys", len(data)),
	)

	RecordOperation(p.Type(), "get", time.Since(start), nil)

	return &Secret{
		Name: path,
		Data: data,
		Metadata: map[string]string{
			"source":  "environment",
			"env_var": envName,
		},
	}, nil
}

// ListSecrets lists all secrets available from environment variables
// that match the configured prefix.
func (p *EnvProvider) ListSecrets(_ context.Context, _ string) ([]string, error) {
	start := time.Now()

	var names []string
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}

		name := parts[0]
		if strings.HasPrefix(name, p.prefix) {
			secretName := strings.TrimPrefix(name, p.prefix)
			secretName = strings.ToLower(secretName)
			secretName = strings.ReplaceAll(secretName, "_", "-")
			names = append(names, secretName)
		}
	}

	RecordOperation(p.Type(), "list", time.Since(start), nil)

	return names, nil
}

// HealthCheck always succeeds: the process environment is always
// reachable.
func (p *EnvProvider) HealthCheck(_ context.Context) error {
	start := time.Now()
	RecordHealthStatus(p.Type(), true)
	RecordOperation(p.Type(), "health_check", time.Since(start), nil)
	return nil
}

// Close cleans up provider resources.
func (p *EnvProvider) Close() error {
	return nil
}

// Ensure EnvProvider satisfies the interface.
var _ Provider = (*EnvProvider)(nil)

// Package secrets resolves secret material referenced by
// configuration (store passwords, DSNs, signing keys) through a
// pluggable provider: environment variables, a local directory, or
// HashiCorp Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderType represents the type of secrets provider.
type ProviderType string

const (
	// ProviderTypeEnv reads secrets from environment variables.
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeFile reads secrets from a local directory.
	ProviderTypeFile ProviderType = "file"
	// ProviderTypeVault reads secrets from HashiCorp Vault.
	ProviderTypeVault ProviderType = "vault"
)

// Common errors for secrets providers.
var (
	// ErrSecretNotFound is returned when a secret is not found.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrProviderNotConfigured is returned when the provider is not properly configured.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidPath is returned when the secret path is invalid.
	ErrInvalidPath = errors.New("invalid secret path")
	// ErrInvalidProviderType is returned when an unknown provider type is specified.
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Secret is a named bundle of key-value secret data.
type Secret struct {
	// Name is the path the secret was requested under.
	Name string

	// Data contains the secret key-value pairs.
	Data map[string][]byte

	// Metadata contains additional metadata about the secret.
	Metadata map[string]string

	// Version is the version of the secret, when the provider tracks
	// one.
	Version string
}

// GetString returns a string value from the secret data.
func (s *Secret) GetString(key string) (string, bool) {
	if s == nil || s.Data == nil {
		return "", false
	}
	v, ok := s.Data[key]
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetBytes returns a byte slice value from the secret data.
func (s *Secret) GetBytes(key string) ([]byte, bool) {
	if s == nil || s.Data == nil {
		return nil, false
	}
	v, ok := s.Data[key]
	return v, ok
}

// Provider is the read-side interface for secrets backends. Secret
// material is only ever read at configuration build time; nothing in
// the pipeline writes secrets.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// GetSecret retrieves a secret by path. Path format depends on
	// the provider:
	// - env: "store-password" maps to {PREFIX}STORE_PASSWORD
	// - file: "store-password" maps to base-path/store-password{,.yaml,.json}
	// - vault: "authpipe/store-password" under the KV v2 mount
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// ListSecrets lists the secret names visible at a path.
	ListSecrets(ctx context.Context, path string) ([]string, error)

	// HealthCheck checks provider connectivity.
	HealthCheck(ctx context.Context) error

	// Close cleans up provider resources.
	Close() error
}

// DefaultKey is the data key used when a secret holds a single bare
// value and for references that do not name a key.
const DefaultKey = "value"

// ResolveRef resolves a secret reference of the form "path" or
// "path#key" to its string value. Without an explicit key the
// DefaultKey entry is used; a single-key secret falls back to its
// only entry.
func ResolveRef(ctx context.Context, p Provider, ref string) (string, error) {
	if p == nil {
		return "", ErrProviderNotConfigured
	}
	if ref == "" {
		return "", ErrInvalidPath
	}

	path := ref
	key := DefaultKey
	if idx := strings.LastIndex(ref, "#"); idx >= 0 {
		path = ref[:idx]
		key = ref[idx+1:]
		if path == "" || key == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, ref)
		}
	}

	secret, err := p.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}

	if v, ok := secret.GetString(key); ok {
		return v, nil
	}

	// A single-entry secret answers any keyless reference.
	if key == DefaultKey && len(secret.Data) == 1 {
		for _, v := range secret.Data {
			return string(v), nil
		}
	}

	return "", fmt.Errorf("%w: %s has no key %q", ErrSecretNotFound, path, key)
}

// Prometheus metrics for secrets provider operations. They are
// created unregistered so the service can attach them to its own
// registry via RegisterMetrics.
var (
	secretsOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authpipe",
			Subsystem: "secrets",
			Name:      "operation_duration_seconds",
			Help:      "Duration of secrets provider operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "result"},
	)

	secretsOperationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authpipe",
			Subsystem: "secrets",
			Name:      "operation_total",
			Help:      "Total number of secrets provider operations",
		},
		[]string{"provider", "operation", "result"},
	)

	secretsProviderHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "authpipe",
			Subsystem: "secrets",
			Name:      "provider_healthy",
			Help:      "Whether the secrets provider is healthy (1) or not (0)",
		},
		[]string{"provider"},
	)
)

// RegisterMetrics registers the secrets metrics with the given
// registerer. Duplicate registration errors are ignored so reloads
// can call it again.
func RegisterMetrics(registerer prometheus.Registerer) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		secretsOperationDuration,
		secretsOperationTotal,
		secretsProviderHealth,
	} {
		_ = registerer.Register(c)
	}
}

// RecordOperation records metrics for a secrets provider operation.
func RecordOperation(provider ProviderType, operation string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	providerStr := string(provider)
	secretsOperationDuration.WithLabelValues(providerStr, operation, result).Observe(duration.Seconds())
	secretsOperationTotal.WithLabelValues(providerStr, operation, result).Inc()
}

// RecordHealthStatus records the health status of a provider.
func RecordHealthStatus(provider ProviderType, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	secretsProviderHealth.WithLabelValues(string(provider)).Set(value)
}

// ValidateProviderType validates that the given string is a valid provider type.
func ValidateProviderType(providerType string) (ProviderType, error) {
	switch ProviderType(providerType) {
	case ProviderTypeEnv, ProviderTypeFile, ProviderTypeVault:
		return ProviderType(providerType), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: env, file, vault", ErrInvalidProviderType, providerType)
	}
}

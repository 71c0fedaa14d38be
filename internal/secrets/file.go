package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voronkovm/authpipe/internal/observability"
)

// FileProviderConfig holds configuration for the local file secrets
// provider.
type FileProviderConfig struct {
	// BasePath is the base directory for secrets.
	BasePath string

	// Logger is the logger instance.
	Logger observability.Logger
}

// FileProvider reads secrets from a local directory. A secret named
// "store-password" resolves from, in order:
//   - base-path/store-password/      (each file inside is one key)
//   - base-path/store-password.yaml  (mapping of keys to values)
//   - base-path/store-password.yml
//   - base-path/store-password.json
//
// The directory layout matches mounted Kubernetes secret volumes, so
// the same configuration works in and out of a cluster.
type FileProvider struct {
	basePath string
	logger   observability.Logger
}

// NewFileProvider creates a new local file secrets provider.
func NewFileProvider(cfg *FileProviderConfig) (*FileProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrProviderNotConfigured)
	}
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrProviderNotConfigured)
	}

	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: base path does not exist: %s", ErrProviderNotConfigured, cfg.BasePath)
		}
		return nil, fmt.Errorf("%w: failed to access base path: %w", ErrProviderNotConfigured, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: base path is not a directory: %s", ErrProviderNotConfigured, cfg.BasePath)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &FileProvider{
		basePath: cfg.BasePath,
		logger:   logger,
	}, nil
}

// Type returns the provider type.
func (p *FileProvider) Type() ProviderType {
	return ProviderTypeFile
}

// cleanPath validates a secret path and rejects traversal outside the
// base directory.
func (p *FileProvider) cleanPath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}

	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: path escapes base directory", ErrInvalidPath)
	}

	return clean, nil
}

// GetSecret retrieves a secret by path, trying the directory layout
// first and falling back to YAML and JSON files.
func (p *FileProvider) GetSecret(_ context.Context, path string) (*Secret, error) {
	start := time.Now()

	clean, err := p.cleanPath(path)
	if err != nil {
		RecordOperation(p.Type(), "get", time.Since(start), err)
		return nil, err
	}

	dirPath := filepath.Join(p.basePath, clean)
	if info, err := os.Stat(dirPath); err == nil && info.IsDir() {
		secret, err := p.readDirectory(dirPath, clean)
		if err == nil {
			RecordOperation(p.Type(), "get", time.Since(start), nil)
			return secret, nil
		}
		p.logger.Debug("failed to read secret directory, trying file formats",
			observability.String("path", dirPath),
			observability.Error(err),
		)
	}

	for _, format := range []struct {
		ext    string
		reader func(string, string) (*Secret, error)
	}{
		{".yaml", p.readYAML},
		{".yml", p.readYAML},
		{".json", p.readJSON},
	} {
		filePath := filepath.Join(p.basePath, clean+format.ext)
		if _, err := os.Stat(filePath); err != nil {
			continue
		}
		secret, err := format.reader(filePath, clean)
		if err != nil {
			RecordOperation(p.Type(), "get", time.Since(start), err)
			return nil, err
		}
		RecordOperation(p.Type(), "get", time.Since(start), nil)
		return secret, nil
	}

	RecordOperation(p.Type(), "get", time.Since(start), ErrSecretNotFound)
	return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
}

// readDirectory reads a secret from a directory where each regular
// file is one key.
func (p *FileProvider) readDirectory(dirPath, name string) (*Secret, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret directory: %w", err)
	}

	data := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		// Key files come from trusted configuration.
		//nolint:gosec // G304: path from config is trusted
		value, err := os.ReadFile(filepath.Join(dirPath, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read secret key %s: %w", entry.Name(), err)
		}
		data[entry.Name()] = []byte(strings.TrimRight(string(value), "\n"))
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s holds no keys", ErrSecretNotFound, name)
	}

	return &Secret{
		Name:     name,
		Data:     data,
		Metadata: map[string]string{"source": "file", "format": "directory"},
	}, nil
}

// readYAML reads a secret from a YAML mapping file.
func (p *FileProvider) readYAML(filePath, name string) (*Secret, error) {
	//nolint:gosec // G304: path from config is trusted
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("failed to parse secret file %s: %w", filePath, err)
	}

	return secretFromValues(name, "yaml", values), nil
}

// readJSON reads a secret from a JSON object file.
func (p *FileProvider) readJSON(filePath, name string) (*Secret, error) {
	//nolint:gosec // G304: path from config is trusted
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("failed to parse secret file %s: %w", filePath, err)
	}

	return secretFromValues(name, "json", values), nil
}

// secretFromValues builds a Secret from decoded string values.
func secretFromValues(name, format string, values map[string]string) *Secret {
	data := make(map[string][]byte, len(values))
	for k, v := range values {
		data[k] = []byte(v)
	}
	return &Secret{
		Name:     name,
		Data:     data,
		Metadata: map[string]string{"source": "file", "format": format},
	}
}

// ListSecrets lists the secret names under the base directory: every
// subdirectory and every YAML or JSON file.
func (p *FileProvider) ListSecrets(_ context.Context, _ string) ([]string, error) {
	start := time.Now()

	entries, err := os.ReadDir(p.basePath)
	if err != nil {
		RecordOperation(p.Type(), "list", time.Since(start), err)
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			names = append(names, name)
			continue
		}
		switch filepath.Ext(name) {
		case ".yaml", ".yml", ".json":
			names = append(names, strings.TrimSuffix(name, filepath.Ext(name)))
		}
	}

	RecordOperation(p.Type(), "list", time.Since(start), nil)
	return names, nil
}

// HealthCheck verifies the base directory is still readable.
func (p *FileProvider) HealthCheck(_ context.Context) error {
	start := time.Now()

	_, err := os.ReadDir(p.basePath)
	if err != nil {
		RecordHealthStatus(p.Type(), false)
		RecordOperation(p.Type(), "health_check", time.Since(start), err)
		return fmt.Errorf("base directory unreadable: %w", err)
	}

	RecordHealthStatus(p.Type(), true)
	RecordOperation(p.Type(), "health_check", time.Since(start), nil)
	return nil
}

// Close cleans up provider resources.
func (p *FileProvider) Close() error {
	return nil
}

// Ensure FileProvider satisfies the interface.
var _ Provider = (*FileProvider)(nil)

// Package main provides unit tests for the authpipe entry point.
package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/secrets"
)

const minimalConfig = `
server:
  listen: "127.0.0.1:0"
  adminListen: "127.0.0.1:0"
routes:
  - name: ping
    method: GET
    path: /ping
    allowAnonymous: true
`

// writeConfig writes a configuration document to a temp file.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		setEnv       bool
		expected     string
	}{
		{
			name:         "returns default when env not set",
			key:          "AUTHPIPE_TEST_NOTSET",
			defaultValue: "default-value",
			setEnv:       false,
			expected:     "default-value",
		},
		{
			name:         "returns env value when set",
			key:          "AUTHPIPE_TEST_SET",
			defaultValue: "default-value",
			envValue:     "env-value",
			setEnv:       true,
			expected:     "env-value",
		},
		{
			name:         "returns default when env is empty string",
			key:          "AUTHPIPE_TEST_EMPTY",
			defaultValue: "default-value",
			envValue:     "",
			setEnv:       true,
			expected:     "default-value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				t.Setenv(tt.key, tt.envValue)
			}

			assert.Equal(t, tt.expected, getEnvOrDefault(tt.key, tt.defaultValue))
		})
	}
}

func TestLoadConfig_SubstitutesEnvAndDefaults(t *testing.T) {
	t.Setenv("AUTHPIPE_TEST_LISTEN", "127.0.0.1:18080")

	path := writeConfig(t, `
server:
  listen: "${AUTHPIPE_TEST_LISTEN:-127.0.0.1:8080}"
routes:
  - name: ping
    method: GET
    path: /ping
    allowAnonymous: true
`)

	cfg, err := loadConfig(cliFlags{configPath: path})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18080", cfg.Server.Listen)
	assert.Equal(t, config.DefaultAdminListen, cfg.Server.AdminListen)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "ping", cfg.Routes[0].Name)
}

func TestLoadConfig_FlagsWinOverDocument(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(cliFlags{
		configPath:  writeConfig(t, minimalConfig),
		logLevel:    "debug",
		logFormat:   "console",
		listen:      "127.0.0.1:28080",
		adminListen: "127.0.0.1:29090",
	})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:28080", cfg.Server.Listen)
	assert.Equal(t, "127.0.0.1:29090", cfg.Server.AdminListen)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := loadConfig(cliFlags{
		configPath: filepath.Join(t.TempDir(), "absent.yaml"),
	})

	require.Error(t, err)
}

func TestApplyOverrides_EmptyFlagsKeepDocument(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Server.Listen = ":7070"
	cfg.Log.Level = "warn"

	applyOverrides(cfg, cliFlags{})

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	// Not parallel - sets the global logger.

	cfg := &config.Config{}
	cfg.SetDefaults()

	logger := initLogger(cfg)
	require.NotNil(t, logger)
	_ = logger.Sync()
}

func TestValidateConfig_ValidDocument(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	// Fatals on an invalid document, so returning is the assertion.
	validateConfig(cfg, "authpipe.yaml", observability.NopLogger())
}

func TestInitTracer_Disabled(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.SetDefaults()

	tracer := initTracer(cfg, observability.NopLogger())
	require.NotNil(t, tracer)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tracer.Shutdown(ctx))
}

func TestInitApplication(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	app := initApplication(cfg, observability.NopLogger())
	require.NotNil(t, app)
	t.Cleanup(func() { _ = app.server.Runtime().Close() })

	assert.NotNil(t, app.server)
	assert.NotNil(t, app.checker)
	assert.NotNil(t, app.reloads)
	assert.NotNil(t, app.metrics)
	assert.NotNil(t, app.tracer)
	assert.Nil(t, app.secrets)
	assert.False(t, app.server.IsRunning())
}

func TestInitApplication_WithSecretsProvider(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalConfig))
	require.NoError(t, err)
	cfg.Secrets = &config.SecretsConfig{Provider: "env"}

	app := initApplication(cfg, observability.NopLogger())
	t.Cleanup(func() { _ = app.server.Runtime().Close() })

	require.NotNil(t, app.secrets)
	assert.Equal(t, secrets.ProviderTypeEnv, app.secrets.Type())
}

func TestPrintVersion(t *testing.T) {
	origVersion := version
	origBuildTime := buildTime
	origGitCommit := gitCommit

	version = "1.0.0-test"
	buildTime = "2026-01-01T00:00:00Z"
	gitCommit = "abc123"

	defer func() {
		version = origVersion
		buildTime = origBuildTime
		gitCommit = origGitCommit
	}()

	printVersion()
}

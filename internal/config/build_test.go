package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/access"
	"github.com/voronkovm/authpipe/internal/pipeline"
	"github.com/voronkovm/authpipe/internal/resource"
	"github.com/voronkovm/authpipe/internal/secrets"
	"github.com/voronkovm/authpipe/internal/util"
)

// buildableConfig declares a memory store seeded with two documents,
// one public and one private, behind a public-visibility policy.
func buildableConfig() *Config {
	cfg := &Config{
		Stores: []StoreConfig{{
			Name: "main",
			Type: StoreTypeMemory,
			Memory: &MemoryStoreConfig{
				Seed: map[string]map[string]map[string]interface{}{
					"documents": {
						"doc-1": {"title": "published", "public": true},
						"doc-2": {"title": "draft", "public": false},
					},
				},
			},
		}},
		Loaders: []LoaderConfig{
			{Name: "documents", Store: "main", Collection: "documents"},
		},
		Access: AccessConfig{
			Policies: []access.Policy{{
				Name: "public-docs",
				Rules: []access.Rule{{
					Name:  "published",
					Match: map[string]interface{}{"public": true},
				}},
			}},
		},
		Routes: []RouteConfig{
			{Name: "ping", Method: "GET", Path: "/ping", AllowAnonymous: true},
			{
				Name:           "get-document",
				Method:         "GET",
				Path:           "/documents/{id}",
				AllowAnonymous: true,
				ResourcePolicy: "public-docs",
				Resources: []resource.Spec{
					{Name: "document", Loader: "documents", Param: "id"},
				},
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestBuild(t *testing.T) {
	t.Parallel()

	cfg := buildableConfig()

	rt, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	assert.Same(t, cfg, rt.Config())
	assert.NotNil(t, rt.Pipeline())
	assert.NotNil(t, rt.Audit(), "audit defaults to a noop logger")
	assert.Contains(t, rt.Stores(), "main")
	assert.Equal(t, 2, rt.Pipeline().Routes().Len())
}

func TestBuild_PipelineDecides(t *testing.T) {
	t.Parallel()

	rt, err := Build(context.Background(), buildableConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	tests := []struct {
		name string
		path string
		want pipeline.Verdict
	}{
		{name: "anonymous route authorized", path: "/ping", want: pipeline.VerdictAuthorized},
		{name: "public document visible", path: "/documents/doc-1", want: pipeline.VerdictAuthorized},
		{name: "private document hidden", path: "/documents/doc-2", want: pipeline.VerdictResourceNotFound},
		{name: "absent document hidden", path: "/documents/doc-9", want: pipeline.VerdictResourceNotFound},
		{name: "unmatched path", path: "/nope", want: pipeline.VerdictRouteNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := pipeline.NewRequest(httptest.NewRequest(http.MethodGet, tt.path, nil), nil)

			res, err := rt.Pipeline().Evaluate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Verdict)
		})
	}
}

func TestBuild_StaticLoader(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Loaders: []LoaderConfig{{
			Name: "plans",
			Static: map[string]map[string]interface{}{
				"basic": {"tier": "basic"},
			},
		}},
		Access: AccessConfig{
			Policies: []access.Policy{{
				Name:  "any-plan",
				Rules: []access.Rule{{Match: map[string]interface{}{"tier": "basic"}}},
			}},
		},
		Routes: []RouteConfig{{
			Name:           "get-plan",
			Method:         "GET",
			Path:           "/plans/{id}",
			AllowAnonymous: true,
			ResourcePolicy: "any-plan",
			Resources: []resource.Spec{
				{Name: "plan", Loader: "plans", Param: "id"},
			},
		}},
	}
	cfg.SetDefaults()

	rt, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	req := pipeline.NewRequest(httptest.NewRequest(http.MethodGet, "/plans/basic", nil), nil)
	res, err := rt.Pipeline().Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, pipeline.VerdictAuthorized, res.Verdict)
}

func TestBuild_ResolvesSecretRefs(t *testing.T) {
	t.Setenv("AUTHPIPE_SECRET_JWT_SIGNING", "hmac-secret-value")

	provider, err := secrets.NewEnvProvider(nil)
	require.NoError(t, err)

	cfg := buildableConfig()
	cfg.Identity.JWT = &JWTConfig{
		Algorithms: []string{"HS256"},
		StaticKeys: []StaticKeyConfig{
			{KeyID: "k1", Algorithm: "HS256", SecretRef: "jwt-signing"},
		},
	}

	rt, err := Build(context.Background(), cfg, WithSecretsProvider(provider))
	require.NoError(t, err)
	require.NoError(t, rt.Close())
}

func TestNewSecretsProvider(t *testing.T) {
	t.Parallel()

	t.Run("nil section yields nil provider", func(t *testing.T) {
		t.Parallel()

		p, err := NewSecretsProvider(context.Background(), buildableConfig(), nil)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("env section yields env provider", func(t *testing.T) {
		t.Parallel()

		cfg := buildableConfig()
		cfg.Secrets = &SecretsConfig{Provider: "env", EnvPrefix: "APP_SECRET_"}

		p, err := NewSecretsProvider(context.Background(), cfg, nil)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, secrets.ProviderTypeEnv, p.Type())
		require.NoError(t, p.Close())
	})

	t.Run("unknown provider rejected", func(t *testing.T) {
		t.Parallel()

		cfg := buildableConfig()
		cfg.Secrets = &SecretsConfig{Provider: "consul"}

		_, err := NewSecretsProvider(context.Background(), cfg, nil)
		require.Error(t, err)
	})
}

func TestBuild_SecretRefWithoutProvider(t *testing.T) {
	t.Parallel()

	cfg := buildableConfig()
	cfg.Stores = append(cfg.Stores, StoreConfig{
		Name: "cache",
		Type: StoreTypeRedis,
		Redis: &RedisStoreConfig{
			Addr:        "127.0.0.1:6379",
			PasswordRef: "redis-password",
		},
	})

	_, err := Build(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "secret reference requires a secrets provider")
}

func TestBuild_InvalidConfigRejected(t *testing.T) {
	t.Parallel()

	cfg := buildableConfig()
	cfg.Routes = nil

	_, err := Build(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestBuild_NilConfigRejected(t *testing.T) {
	t.Parallel()

	_, err := Build(context.Background(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is nil")
}

func TestBuild_AmbiguousRoutesRejected(t *testing.T) {
	t.Parallel()

	cfg := buildableConfig()
	cfg.Routes = append(cfg.Routes, RouteConfig{
		Name:           "get-document-by-name",
		Method:         "GET",
		Path:           "/documents/{name}",
		AllowAnonymous: true,
	})

	_, err := Build(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous patterns")
}

func TestRuntime_Close(t *testing.T) {
	t.Parallel()

	rt, err := Build(context.Background(), buildableConfig())
	require.NoError(t, err)

	require.NoError(t, rt.Close())
}

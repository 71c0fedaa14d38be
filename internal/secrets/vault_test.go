package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/retry"
)

// fakeVault serves the approle login endpoint, answering the first
// failures requests with status before issuing a token.
func fakeVault(t *testing.T, failures int, status int) (*httptest.Server, *int32) {
	t.Helper()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/approle/login" {
			http.NotFound(w, r)
			return
		}
		if int(atomic.AddInt32(&calls, 1)) <= failures {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":{"client_token":"approle-token"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNewVaultProvider_NilConfig(t *testing.T) {
	t.Parallel()

	_, err := NewVaultProvider(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestNewVaultProvider_MissingAddress(t *testing.T) {
	t.Parallel()

	_, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		AuthMethod: VaultAuthToken,
		Token:      "test-token",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestNewVaultProvider_TokenAuth(t *testing.T) {
	t.Parallel()

	// Token auth attaches the token locally, so construction succeeds
	// without a reachable server.
	provider, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address: "http://127.0.0.1:8200",
		Token:   "dev-token",
	})
	require.NoError(t, err)

	assert.Equal(t, ProviderTypeVault, provider.Type())
	assert.NoError(t, provider.Close())
}

func TestNewVaultProvider_TokenRequired(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "")

	_, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address:    "http://127.0.0.1:8200",
		AuthMethod: VaultAuthToken,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
	assert.Contains(t, err.Error(), "VAULT_TOKEN")
}

func TestNewVaultProvider_AppRoleRequiresRoleID(t *testing.T) {
	t.Parallel()

	_, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address:    "http://127.0.0.1:8200",
		AuthMethod: VaultAuthAppRole,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
	assert.Contains(t, err.Error(), "role_id")
}

func TestNewVaultProvider_AppRoleLogin(t *testing.T) {
	t.Parallel()

	srv, calls := fakeVault(t, 0, 0)

	provider, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address:         srv.URL,
		AuthMethod:      VaultAuthAppRole,
		AppRoleID:       "role-1",
		AppRoleSecretID: "secret-1",
	})
	require.NoError(t, err)

	assert.Equal(t, ProviderTypeVault, provider.Type())
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	require.NoError(t, provider.Close())
}

func TestNewVaultProvider_AppRoleLoginRetriesOutage(t *testing.T) {
	// Not parallel - overrides the login retry policy.
	old := vaultLoginRetry
	vaultLoginRetry = retry.Policy{Attempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	t.Cleanup(func() { vaultLoginRetry = old })

	srv, calls := fakeVault(t, 2, http.StatusServiceUnavailable)

	provider, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address:    srv.URL,
		AuthMethod: VaultAuthAppRole,
		AppRoleID:  "role-1",
		// Disable the API client's own retries so the backoff wrapper
		// is what rides out the outage.
		MaxRetries: -1,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	require.NoError(t, provider.Close())
}

func TestNewVaultProvider_AppRoleRejectionNotRetried(t *testing.T) {
	t.Parallel()

	srv, calls := fakeVault(t, 100, http.StatusForbidden)

	_, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address:    srv.URL,
		AuthMethod: VaultAuthAppRole,
		AppRoleID:  "role-1",
	})
	require.Error(t, err)

	assert.Contains(t, err.Error(), "approle login failed")
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestNewVaultProvider_UnsupportedAuthMethod(t *testing.T) {
	t.Parallel()

	_, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address:    "http://127.0.0.1:8200",
		AuthMethod: "ldap",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestNewVaultProvider_BadCACert(t *testing.T) {
	t.Parallel()

	_, err := NewVaultProvider(context.Background(), &VaultProviderConfig{
		Address: "https://127.0.0.1:8200",
		Token:   "dev-token",
		CACert:  filepath.Join(t.TempDir(), "absent.pem"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls")
}

func TestEffectiveVaultAuth(t *testing.T) {
	t.Parallel()

	assert.Equal(t, VaultAuthToken, effectiveVaultAuth(&VaultProviderConfig{}))
	assert.Equal(t, VaultAuthAppRole, effectiveVaultAuth(&VaultProviderConfig{AuthMethod: VaultAuthAppRole}))
}

package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/util"
)

// jwksJSON builds a JWKS document for the given public keys.
func jwksJSON(t *testing.T, keys map[string]interface{}) []byte {
	t.Helper()

	set := jwk.NewSet()
	for kid, pub := range keys {
		key, err := jwk.FromRaw(pub)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, set.AddKey(key))
	}

	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

func jwksServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewJWKSKeySet_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewJWKSKeySet("")
	assert.Error(t, err)
}

func TestJWKSKeySet_Key(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	server := jwksServer(t, jwksJSON(t, map[string]interface{}{
		"rsa-1": rsaKey.Public(),
		"ec-1":  ecKey.Public(),
		"ed-1":  edPub,
	}))

	ks, err := NewJWKSKeySet(server.URL, WithCacheTTL(time.Hour))
	require.NoError(t, err)

	t.Run("RSA key", func(t *testing.T) {
		key, err := ks.Key(context.Background(), "rsa-1", AlgRS256)
		require.NoError(t, err)
		_, ok := key.(*rsa.PublicKey)
		assert.True(t, ok)
	})

	t.Run("EC key", func(t *testing.T) {
		key, err := ks.Key(context.Background(), "ec-1", AlgES256)
		require.NoError(t, err)
		_, ok := key.(*ecdsa.PublicKey)
		assert.True(t, ok)
	})

	t.Run("Ed25519 key", func(t *testing.T) {
		key, err := ks.Key(context.Background(), "ed-1", AlgEdDSA)
		require.NoError(t, err)
		_, ok := key.(ed25519.PublicKey)
		assert.True(t, ok)
	})

	t.Run("unknown kid", func(t *testing.T) {
		_, err := ks.Key(context.Background(), "missing", AlgRS256)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.True(t, IsCredentialError(err))
	})
}

func TestJWKSKeySet_EmptyCacheFetchFailureIsInfraFault(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	ks, err := NewJWKSKeySet(server.URL)
	require.NoError(t, err)

	_, err = ks.Key(context.Background(), "any", AlgRS256)
	require.Error(t, err)
	assert.True(t, util.IsInfrastructureFault(err))
	assert.False(t, IsCredentialError(err))
}

func TestJWKSKeySet_ServesStaleKeysOnRefreshFailure(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	body := jwksJSON(t, map[string]interface{}{"rsa-1": rsaKey.Public()})

	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	// A nanosecond TTL forces a refresh attempt on every lookup.
	ks, err := NewJWKSKeySet(server.URL, WithCacheTTL(time.Nanosecond))
	require.NoError(t, err)

	_, err = ks.Key(context.Background(), "rsa-1", AlgRS256)
	require.NoError(t, err)

	failing.Store(true)

	// The endpoint is down but the cached key keeps serving.
	key, err := ks.Key(context.Background(), "rsa-1", AlgRS256)
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestJSONWebKey_PublicKey_Unsupported(t *testing.T) {
	t.Parallel()

	jwkKey := &JSONWebKey{Kty: "unknown"}
	_, err := jwkKey.PublicKey()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

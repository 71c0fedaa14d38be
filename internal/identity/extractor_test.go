package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_Defaults(t *testing.T) {
	t.Parallel()

	e := NewExtractor(nil)

	t.Run("bearer token from Authorization header", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items", nil)
		r.Header.Set("Authorization", "Bearer the-token")

		creds, err := e.ExtractToken(r)
		require.NoError(t, err)
		assert.Equal(t, AuthTypeJWT, creds.Type)
		assert.Equal(t, "the-token", creds.Value)
		assert.Equal(t, "header:Authorization", creds.Source)
	})

	t.Run("missing prefix does not match", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

		_, err := e.ExtractToken(r)
		assert.ErrorIs(t, err, ErrNoCredentials)
	})

	t.Run("api key from X-API-Key header", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items", nil)
		r.Header.Set("X-API-Key", "key-123")

		creds, err := e.ExtractAPIKey(r)
		require.NoError(t, err)
		assert.Equal(t, AuthTypeAPIKey, creds.Type)
		assert.Equal(t, "key-123", creds.Value)
	})

	t.Run("no material anywhere", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items", nil)

		_, err := e.ExtractToken(r)
		assert.ErrorIs(t, err, ErrNoCredentials)
		_, err = e.ExtractAPIKey(r)
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}

func TestExtractor_ConfiguredSources(t *testing.T) {
	t.Parallel()

	e := NewExtractor(&ExtractionConfig{
		Token: []ExtractionSource{
			{Type: ExtractionTypeCookie, Name: "session"},
			{Type: ExtractionTypeQuery, Name: "access_token"},
		},
		APIKey: []ExtractionSource{
			{Type: ExtractionTypeQuery, Name: "api_key"},
		},
	})

	t.Run("cookie source", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items", nil)
		r.AddCookie(&http.Cookie{Name: "session", Value: "cookie-token"})

		creds, err := e.ExtractToken(r)
		require.NoError(t, err)
		assert.Equal(t, "cookie-token", creds.Value)
		assert.Equal(t, "cookie:session", creds.Source)
	})

	t.Run("query source used in declared order", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items?access_token=query-token", nil)

		creds, err := e.ExtractToken(r)
		require.NoError(t, err)
		assert.Equal(t, "query-token", creds.Value)
	})

	t.Run("earlier source wins", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items?access_token=query-token", nil)
		r.AddCookie(&http.Cookie{Name: "session", Value: "cookie-token"})

		creds, err := e.ExtractToken(r)
		require.NoError(t, err)
		assert.Equal(t, "cookie-token", creds.Value)
	})

	t.Run("api key from query", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/items?api_key=qk-1", nil)

		creds, err := e.ExtractAPIKey(r)
		require.NoError(t, err)
		assert.Equal(t, "qk-1", creds.Value)
	})
}

func TestExtractor_TrimsWhitespace(t *testing.T) {
	t.Parallel()

	e := NewExtractor(nil)
	r := httptest.NewRequest(http.MethodGet, "/items", nil)
	r.Header.Set("Authorization", "Bearer   padded-token  ")

	creds, err := e.ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "padded-token", creds.Value)
}

package jwt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClaims(t *testing.T) {
	t.Parallel()

	now := time.Now().Unix()
	claims := ParseClaims(map[string]interface{}{
		"iss":    "https://issuer.example.com",
		"sub":    "user-1",
		"aud":    []interface{}{"svc-a", "svc-b"},
		"exp":    float64(now + 3600),
		"nbf":    float64(now - 10),
		"iat":    float64(now),
		"jti":    "token-9",
		"roles":  []interface{}{"admin", "editor"},
		"tenant": "acme",
	})

	assert.Equal(t, "https://issuer.example.com", claims.Issuer)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, Audience{"svc-a", "svc-b"}, claims.Audience)
	assert.Equal(t, "token-9", claims.TokenID)
	require.NotNil(t, claims.ExpiresAt)
	assert.Equal(t, now+3600, claims.ExpiresAt.Unix())
	assert.Equal(t, "acme", claims.GetStringClaim("tenant"))
	assert.Equal(t, []string{"admin", "editor"}, claims.GetStringSliceClaim("roles"))
}

func TestAudience_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want Audience
	}{
		{name: "single string", data: `"svc-a"`, want: Audience{"svc-a"}},
		{name: "array", data: `["svc-a","svc-b"]`, want: Audience{"svc-a", "svc-b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var aud Audience
			require.NoError(t, json.Unmarshal([]byte(tt.data), &aud))
			assert.Equal(t, tt.want, aud)
		})
	}
}

func TestClaims_ValidAt(t *testing.T) {
	t.Parallel()

	now := time.Now()
	expired := &Claims{ExpiresAt: &Time{Time: now.Add(-time.Minute)}}
	future := &Claims{NotBefore: &Time{Time: now.Add(time.Minute)}}

	assert.ErrorIs(t, expired.ValidAt(now, 0), ErrTokenExpired)
	assert.NoError(t, expired.ValidAt(now, 2*time.Minute))

	assert.ErrorIs(t, future.ValidAt(now, 0), ErrTokenNotYetValid)
	assert.NoError(t, future.ValidAt(now, 2*time.Minute))

	assert.NoError(t, (&Claims{}).ValidAt(now, 0))
}

func TestClaims_GetStringSliceClaim(t *testing.T) {
	t.Parallel()

	claims := ParseClaims(map[string]interface{}{
		"scope": "read:items write:items",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"admin", "viewer"},
		},
	})

	assert.Equal(t, []string{"read:items", "write:items"}, claims.GetStringSliceClaim("scope"))
	assert.Equal(t, []string{"admin", "viewer"}, claims.GetStringSliceClaim("realm_access.roles"))
	assert.Nil(t, claims.GetStringSliceClaim("missing"))
	assert.Nil(t, claims.GetStringSliceClaim("realm_access.missing"))
}

func TestClaims_ToMap_RoundTrip(t *testing.T) {
	t.Parallel()

	source := map[string]interface{}{
		"iss":    "issuer",
		"sub":    "subject",
		"aud":    "single",
		"jti":    "id-1",
		"custom": "value",
	}

	m := ParseClaims(source).ToMap()
	assert.Equal(t, "issuer", m["iss"])
	assert.Equal(t, "subject", m["sub"])
	assert.Equal(t, "single", m["aud"])
	assert.Equal(t, "id-1", m["jti"])
	assert.Equal(t, "value", m["custom"])
}

package jwt

import (
	"encoding/json"
	"strings"
	"time"
)

// Claims represents the verified claims of a token.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  Audience `json:"aud,omitempty"`
	ExpiresAt *Time    `json:"exp,omitempty"`
	NotBefore *Time    `json:"nbf,omitempty"`
	IssuedAt  *Time    `json:"iat,omitempty"`
	TokenID   string   `json:"jti,omitempty"`

	// Extra holds every non-registered claim.
	Extra map[string]interface{} `json:"-"`
}

// Time wraps time.Time for NumericDate JSON encoding.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err != nil {
		return err
	}
	t.Time = time.Unix(int64(timestamp), 0)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Unix())
}

// Audience represents the aud claim, which may be a string or an array.
type Audience []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	*a = Audience(multiple)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Contains checks if the audience contains a specific value.
func (a Audience) Contains(aud string) bool {
	for _, v := range a {
		if v == aud {
			return true
		}
	}
	return false
}

// ContainsAny checks if the audience contains any of the specified values.
func (a Audience) ContainsAny(auds ...string) bool {
	for _, aud := range auds {
		if a.Contains(aud) {
			return true
		}
	}
	return false
}

// ValidAt validates the time claims at the given instant with skew
// tolerance. It returns ErrTokenExpired or ErrTokenNotYetValid.
func (c *Claims) ValidAt(now time.Time, skew time.Duration) error {
	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Time.Add(skew)) {
		return ErrTokenExpired
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time.Add(-skew)) {
		return ErrTokenNotYetValid
	}
	return nil
}

// GetClaim returns a claim value by name, registered claims included.
func (c *Claims) GetClaim(name string) (interface{}, bool) {
	switch name {
	case "iss":
		return c.Issuer, c.Issuer != ""
	case "sub":
		return c.Subject, c.Subject != ""
	case "aud":
		return []string(c.Audience), len(c.Audience) > 0
	case "exp":
		if c.ExpiresAt != nil {
			return c.ExpiresAt.Unix(), true
		}
		return nil, false
	case "nbf":
		if c.NotBefore != nil {
			return c.NotBefore.Unix(), true
		}
		return nil, false
	case "iat":
		if c.IssuedAt != nil {
			return c.IssuedAt.Unix(), true
		}
		return nil, false
	case "jti":
		return c.TokenID, c.TokenID != ""
	}

	if c.Extra != nil {
		v, ok := c.Extra[name]
		return v, ok
	}
	return nil, false
}

// GetNestedClaim returns a claim value using dot notation for nested
// objects, e.g. "realm_access.roles".
func (c *Claims) GetNestedClaim(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	current, ok := c.GetClaim(parts[0])
	if !ok {
		return nil, false
	}

	for _, part := range parts[1:] {
		obj, isMap := current.(map[string]interface{})
		if !isMap {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetStringClaim returns a claim value as a string.
func (c *Claims) GetStringClaim(name string) string {
	v, ok := c.GetClaim(name)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// GetStringSliceClaim returns a claim value as a string slice. The path
// may be dotted for nested objects. A plain string value is split on
// whitespace, which covers the usual space-separated scope claim.
func (c *Claims) GetStringSliceClaim(path string) []string {
	v, ok := c.GetNestedClaim(path)
	if !ok {
		return nil
	}

	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case string:
		return strings.Fields(val)
	default:
		return nil
	}
}

// ParseClaims parses claims from a decoded payload map.
func ParseClaims(data map[string]interface{}) *Claims {
	claims := &Claims{
		Extra: make(map[string]interface{}),
	}

	for key, value := range data {
		switch key {
		case "iss":
			if s, ok := value.(string); ok {
				claims.Issuer = s
			}
		case "sub":
			if s, ok := value.(string); ok {
				claims.Subject = s
			}
		case "aud":
			claims.Audience = parseAudience(value)
		case "exp":
			claims.ExpiresAt = parseNumericDate(value)
		case "nbf":
			claims.NotBefore = parseNumericDate(value)
		case "iat":
			claims.IssuedAt = parseNumericDate(value)
		case "jti":
			if s, ok := value.(string); ok {
				claims.TokenID = s
			}
		default:
			claims.Extra[key] = value
		}
	}

	return claims
}

// parseAudience parses the audience claim.
func parseAudience(value interface{}) Audience {
	switch v := value.(type) {
	case string:
		return Audience{v}
	case []string:
		return Audience(v)
	case []interface{}:
		result := make(Audience, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// parseNumericDate parses a NumericDate claim value.
func parseNumericDate(value interface{}) *Time {
	switch v := value.(type) {
	case float64:
		return &Time{Time: time.Unix(int64(v), 0)}
	case int64:
		return &Time{Time: time.Unix(v, 0)}
	case int:
		return &Time{Time: time.Unix(int64(v), 0)}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return &Time{Time: time.Unix(i, 0)}
		}
	}
	return nil
}

// ToMap converts claims back to a flat map, registered claims included.
func (c *Claims) ToMap() map[string]interface{} {
	result := make(map[string]interface{}, len(c.Extra)+7)

	if c.Issuer != "" {
		result["iss"] = c.Issuer
	}
	if c.Subject != "" {
		result["sub"] = c.Subject
	}
	if len(c.Audience) > 0 {
		if len(c.Audience) == 1 {
			result["aud"] = c.Audience[0]
		} else {
			result["aud"] = []string(c.Audience)
		}
	}
	if c.ExpiresAt != nil {
		result["exp"] = c.ExpiresAt.Unix()
	}
	if c.NotBefore != nil {
		result["nbf"] = c.NotBefore.Unix()
	}
	if c.IssuedAt != nil {
		result["iat"] = c.IssuedAt.Unix()
	}
	if c.TokenID != "" {
		result["jti"] = c.TokenID
	}

	for k, v := range c.Extra {
		result[k] = v
	}
	return result
}

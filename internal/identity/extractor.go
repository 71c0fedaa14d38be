package identity

import (
	"net/http"
	"strings"
)

// ExtractionType is the request location a credential is read from.
type ExtractionType string

// Extraction source types.
const (
	ExtractionTypeHeader ExtractionType = "header"
	ExtractionTypeCookie ExtractionType = "cookie"
	ExtractionTypeQuery  ExtractionType = "query"
)

// ExtractionSource describes one location to look for credential material.
type ExtractionSource struct {
	// Type is where to look: header, cookie, or query.
	Type ExtractionType `yaml:"type"`

	// Name is the header, cookie, or query parameter name.
	Name string `yaml:"name"`

	// Prefix is stripped from the value before use. A value without the
	// prefix does not match the source at all.
	Prefix string `yaml:"prefix,omitempty"`
}

// Credentials represents extracted credential material.
type Credentials struct {
	// Type is the credential type.
	Type AuthType

	// Value is the raw credential value with any prefix stripped.
	Value string

	// Source is where the credential was extracted from.
	Source string
}

// Extractor pulls credential material out of HTTP requests.
type Extractor interface {
	// ExtractToken extracts a bearer token from the request.
	ExtractToken(r *http.Request) (*Credentials, error)

	// ExtractAPIKey extracts an API key from the request.
	ExtractAPIKey(r *http.Request) (*Credentials, error)
}

// ExtractionConfig configures credential extraction locations.
type ExtractionConfig struct {
	// Token lists the locations to look for bearer tokens, in order.
	Token []ExtractionSource `yaml:"token,omitempty"`

	// APIKey lists the locations to look for API keys, in order.
	APIKey []ExtractionSource `yaml:"apiKey,omitempty"`
}

// extractor implements the Extractor interface.
type extractor struct {
	config *ExtractionConfig
}

// NewExtractor creates a credential extractor. A nil config gets the
// default locations: Authorization Bearer tokens and the X-API-Key header.
func NewExtractor(config *ExtractionConfig) Extractor {
	if config == nil || (len(config.Token) == 0 && len(config.APIKey) == 0) {
		config = &ExtractionConfig{
			Token: []ExtractionSource{
				{Type: ExtractionTypeHeader, Name: "Authorization", Prefix: "Bearer "},
			},
			APIKey: []ExtractionSource{
				{Type: ExtractionTypeHeader, Name: "X-API-Key"},
			},
		}
	}
	return &extractor{config: config}
}

// ExtractToken extracts a bearer token from the request.
func (e *extractor) ExtractToken(r *http.Request) (*Credentials, error) {
	for _, source := range e.config.Token {
		value := extractFromRequest(r, source)
		if value != "" {
			return &Credentials{
				Type:   AuthTypeJWT,
				Value:  value,
				Source: string(source.Type) + ":" + source.Name,
			}, nil
		}
	}
	return nil, ErrNoCredentials
}

// ExtractAPIKey extracts an API key from the request.
func (e *extractor) ExtractAPIKey(r *http.Request) (*Credentials, error) {
	for _, source := range e.config.APIKey {
		value := extractFromRequest(r, source)
		if value != "" {
			return &Credentials{
				Type:   AuthTypeAPIKey,
				Value:  value,
				Source: string(source.Type) + ":" + source.Name,
			}, nil
		}
	}
	return nil, ErrNoCredentials
}

// extractFromRequest reads one extraction source off the request.
func extractFromRequest(r *http.Request, source ExtractionSource) string {
	var value string

	switch source.Type {
	case ExtractionTypeHeader:
		value = r.Header.Get(source.Name)
	case ExtractionTypeCookie:
		if cookie, err := r.Cookie(source.Name); err == nil {
			value = cookie.Value
		}
	case ExtractionTypeQuery:
		value = r.URL.Query().Get(source.Name)
	}

	if value == "" {
		return ""
	}

	if source.Prefix != "" {
		if !strings.HasPrefix(value, source.Prefix) {
			return ""
		}
		value = strings.TrimPrefix(value, source.Prefix)
	}

	return strings.TrimSpace(value)
}

// Ensure extractor implements Extractor.
var _ Extractor = (*extractor)(nil)

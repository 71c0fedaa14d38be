package audit

import (
	"fmt"
)

// Level represents the audit log level.
type Level string

// Audit log levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// levelRank orders levels for minimum-level filtering.
var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Config represents the audit logging configuration.
type Config struct {
	// Enabled enables audit logging.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Level is the minimum audit level to record.
	Level Level `yaml:"level,omitempty" json:"level,omitempty"`

	// Output specifies the output destination (stdout, stderr, file path).
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	// Format specifies the output format (json, text).
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// Events configures which event types to audit.
	Events *EventsConfig `yaml:"events,omitempty" json:"events,omitempty"`

	// RedactFields specifies fields to redact from audit records.
	RedactFields []string `yaml:"redactFields,omitempty" json:"redactFields,omitempty"`

	// SkipRoutes specifies route names to skip auditing. A trailing
	// '*' matches any suffix, so "health.*" skips every route whose
	// name starts with "health.".
	SkipRoutes []string `yaml:"skipRoutes,omitempty" json:"skipRoutes,omitempty"`
}

// EventsConfig configures which event types to audit. A nil
// EventsConfig audits every type.
type EventsConfig struct {
	// Evaluation enables auditing of pipeline evaluations.
	Evaluation bool `yaml:"evaluation,omitempty" json:"evaluation,omitempty"`

	// Configuration enables auditing of configuration loads and
	// reloads.
	Configuration bool `yaml:"configuration,omitempty" json:"configuration,omitempty"`

	// Security enables auditing of security events such as rate
	// limit rejections.
	Security bool `yaml:"security,omitempty" json:"security,omitempty"`
}

// Validate validates the audit configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}

	if !c.Enabled {
		return nil
	}

	if c.Level != "" {
		if _, ok := levelRank[c.Level]; !ok {
			return fmt.Errorf("invalid audit level: %s", c.Level)
		}
	}

	if c.Format != "" && c.Format != formatJSON && c.Format != formatText {
		return fmt.Errorf("invalid audit format: %s (must be 'json' or 'text')", c.Format)
	}

	return nil
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Level:   LevelInfo,
		Output:  "stdout",
		Format:  "json",
		Events: &EventsConfig{
			Evaluation:    true,
			Configuration: true,
			Security:      true,
		},
		RedactFields: []string{
			"password",
			"secret",
			"token",
			"api_key",
			"apiKey",
			"authorization",
			"cookie",
		},
	}
}

// GetEffectiveLevel returns the effective audit level.
func (c *Config) GetEffectiveLevel() Level {
	if c.Level != "" {
		return c.Level
	}
	return LevelInfo
}

// GetEffectiveFormat returns the effective output format.
func (c *Config) GetEffectiveFormat() string {
	if c.Format != "" {
		return c.Format
	}
	return formatJSON
}

// GetEffectiveOutput returns the effective output destination.
func (c *Config) GetEffectiveOutput() string {
	if c.Output != "" {
		return c.Output
	}
	return "stdout"
}

// ShouldAuditEvaluation returns true if evaluation events should be
// audited.
func (c *Config) ShouldAuditEvaluation() bool {
	return c != nil && c.Enabled && (c.Events == nil || c.Events.Evaluation)
}

// ShouldAuditConfiguration returns true if configuration events should
// be audited.
func (c *Config) ShouldAuditConfiguration() bool {
	return c != nil && c.Enabled && (c.Events == nil || c.Events.Configuration)
}

// ShouldAuditSecurity returns true if security events should be
// audited.
func (c *Config) ShouldAuditSecurity() bool {
	return c != nil && c.Enabled && (c.Events == nil || c.Events.Security)
}

// ShouldRecordLevel returns true if events at the given level clear
// the configured minimum.
func (c *Config) ShouldRecordLevel(level Level) bool {
	rank, ok := levelRank[level]
	if !ok {
		return true
	}
	return rank >= levelRank[c.GetEffectiveLevel()]
}

// ShouldSkipRoute returns true if the named route should be skipped
// from auditing.
func (c *Config) ShouldSkipRoute(name string) bool {
	for _, skip := range c.SkipRoutes {
		if matchRoute(skip, name) {
			return true
		}
	}
	return false
}

// matchRoute checks if a route name matches a pattern.
func matchRoute(pattern, name string) bool {
	if pattern == name {
		return true
	}
	// Check for wildcard suffix
	if pattern != "" && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(name) >= len(prefix) && name[:len(prefix)] == prefix
	}
	return false
}

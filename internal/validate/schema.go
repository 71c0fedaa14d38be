// Package validate checks request input against route-declared
// schemas. A schema carries typed rules for body fields, query
// parameters, path parameters, and headers. Evaluation never stops at
// the first problem: the result carries every violation so a caller
// can fix all of them in one round trip.
//
// Schemas are compiled once at configuration load. All declaration
// errors (unknown types, bad patterns, misplaced constraints) surface
// there, never at request time.
package validate

import (
	"fmt"
	"regexp"
	"sync"
)

// Value types accepted by schema rules.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeObject = "object"
	TypeArray  = "array"
)

// Schema sections, used as violation field prefixes.
const (
	sectionBody    = "body"
	sectionQuery   = "query"
	sectionParams  = "params"
	sectionHeaders = "headers"
)

// Rule constrains a single field. Name is the field name; for body
// rules it may be a dotted path into the decoded document.
type Rule struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type,omitempty"`
	Required bool     `yaml:"required,omitempty"`
	MinLen   *int     `yaml:"minLength,omitempty"`
	MaxLen   *int     `yaml:"maxLength,omitempty"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Enum     []string `yaml:"enum,omitempty"`

	re *regexp.Regexp
}

// Schema declares the input rules for one route. A nil or empty
// section accepts anything in that section.
type Schema struct {
	Body    []Rule `yaml:"body,omitempty"`
	Query   []Rule `yaml:"query,omitempty"`
	Params  []Rule `yaml:"params,omitempty"`
	Headers []Rule `yaml:"headers,omitempty"`
}

// patternCache caches compiled rule patterns across schemas.
var (
	patternCache   = make(map[string]*regexp.Regexp)
	patternCacheMu sync.RWMutex
)

// compilePattern compiles a rule pattern through the shared cache.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternCacheMu.RLock()
	re, ok := patternCache[pattern]
	patternCacheMu.RUnlock()

	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}

		patternCacheMu.Lock()
		patternCache[pattern] = re
		patternCacheMu.Unlock()
	}

	return re, nil
}

// Compile checks the schema declaration and compiles rule patterns.
// It must be called before Validate; the route table compiles every
// schema it registers.
func (s *Schema) Compile() error {
	if s == nil {
		return nil
	}

	sections := []struct {
		name  string
		rules []Rule
	}{
		{sectionBody, s.Body},
		{sectionQuery, s.Query},
		{sectionParams, s.Params},
		{sectionHeaders, s.Headers},
	}

	for _, sec := range sections {
		seen := make(map[string]bool, len(sec.rules))
		for i := range sec.rules {
			rule := &sec.rules[i]
			if rule.Name == "" {
				return fmt.Errorf("%s[%d]: rule name is required", sec.name, i)
			}
			if seen[rule.Name] {
				return fmt.Errorf("%s[%d]: duplicate rule for field %q", sec.name, i, rule.Name)
			}
			seen[rule.Name] = true

			if err := compileRule(rule, sec.name); err != nil {
				return fmt.Errorf("%s.%s: %w", sec.name, rule.Name, err)
			}
		}
	}

	return nil
}

// compileRule normalizes one rule and checks constraint placement.
func compileRule(rule *Rule, section string) error {
	if rule.Type == "" {
		rule.Type = TypeString
	}

	switch rule.Type {
	case TypeString, TypeInt, TypeFloat, TypeBool:
	case TypeObject:
		if section != sectionBody {
			return fmt.Errorf("type object is only allowed in body rules")
		}
	case TypeArray:
		if section != sectionBody && section != sectionQuery {
			return fmt.Errorf("type array is only allowed in body and query rules")
		}
	default:
		return fmt.Errorf("unknown type %q", rule.Type)
	}

	if rule.MinLen != nil || rule.MaxLen != nil {
		if rule.Type != TypeString && rule.Type != TypeArray {
			return fmt.Errorf("length bounds require type string or array, not %s", rule.Type)
		}
		if rule.MinLen != nil && *rule.MinLen < 0 {
			return fmt.Errorf("minLength must not be negative")
		}
		if rule.MaxLen != nil && *rule.MaxLen < 0 {
			return fmt.Errorf("maxLength must not be negative")
		}
		if rule.MinLen != nil && rule.MaxLen != nil && *rule.MinLen > *rule.MaxLen {
			return fmt.Errorf("minLength %d exceeds maxLength %d", *rule.MinLen, *rule.MaxLen)
		}
	}

	if rule.Min != nil || rule.Max != nil {
		if rule.Type != TypeInt && rule.Type != TypeFloat {
			return fmt.Errorf("numeric bounds require type int or float, not %s", rule.Type)
		}
		if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
			return fmt.Errorf("min %g exceeds max %g", *rule.Min, *rule.Max)
		}
	}

	if rule.Pattern != "" {
		if rule.Type != TypeString {
			return fmt.Errorf("pattern requires type string, not %s", rule.Type)
		}
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		rule.re = re
	}

	if len(rule.Enum) > 0 {
		if rule.Type != TypeString {
			return fmt.Errorf("enum requires type string, not %s", rule.Type)
		}
		for _, v := range rule.Enum {
			if v == "" {
				return fmt.Errorf("enum values must not be empty")
			}
		}
	}

	return nil
}

// Empty reports whether the schema declares no rules at all.
func (s *Schema) Empty() bool {
	if s == nil {
		return true
	}
	return len(s.Body) == 0 && len(s.Query) == 0 && len(s.Params) == 0 && len(s.Headers) == 0
}

package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Violation is one failed check. Field is section-qualified
// ("body.profile.name", "query.limit"); Rule names the failed check.
type Violation struct {
	Field   string `json:"field" yaml:"field"`
	Rule    string `json:"rule" yaml:"rule"`
	Message string `json:"message" yaml:"message"`
}

// Input is the request material a schema is checked against.
type Input struct {
	Body    []byte
	Query   url.Values
	Params  map[string]string
	Headers http.Header
}

// Result carries every violation found plus the normalized payload.
// Query, Params, and Headers hold typed values after coercion; Body
// holds the decoded JSON document.
type Result struct {
	Violations []Violation

	Body    map[string]interface{}
	Query   map[string]interface{}
	Params  map[string]interface{}
	Headers map[string]interface{}
}

// OK reports whether the input passed every check.
func (r *Result) OK() bool {
	return len(r.Violations) == 0
}

// add records one violation.
func (r *Result) add(field, rule, message string) {
	r.Violations = append(r.Violations, Violation{Field: field, Rule: rule, Message: message})
}

var (
	errBodyNotJSON   = errors.New("request body is not valid JSON")
	errBodyNotObject = errors.New("request body must be a JSON object")
)

// Validate checks the input against the schema and returns the full
// violation list. It never stops early: a caller sees every problem at
// once. The schema must have been compiled.
func (s *Schema) Validate(in *Input) *Result {
	res := &Result{}
	if s == nil {
		return res
	}
	if in == nil {
		in = &Input{}
	}

	s.validateBody(in, res)
	s.validateQuery(in, res)
	s.validateParams(in, res)
	s.validateHeaders(in, res)

	return res
}

// validateBody decodes the body and applies body rules. A body that
// does not decode is a single body-level violation; the remaining
// sections are still checked.
func (s *Schema) validateBody(in *Input, res *Result) {
	if len(s.Body) == 0 {
		return
	}

	doc, err := decodeBody(in.Body)
	if err != nil {
		res.add(sectionBody, "json", err.Error())
		return
	}
	res.Body = doc

	for i := range s.Body {
		rule := &s.Body[i]
		field := sectionBody + "." + rule.Name

		value, ok := lookup(doc, rule.Name)
		if !ok {
			if rule.Required {
				res.add(field, "required", "is required")
			}
			continue
		}
		checkBodyValue(res, field, rule, value)
	}
}

// validateQuery applies query rules. Scalar rules read the first
// value; array rules treat repeated keys as the elements.
func (s *Schema) validateQuery(in *Input, res *Result) {
	if len(s.Query) == 0 {
		return
	}
	res.Query = make(map[string]interface{}, len(s.Query))

	for i := range s.Query {
		rule := &s.Query[i]
		field := sectionQuery + "." + rule.Name

		raw := in.Query[rule.Name]
		if len(raw) == 0 {
			if rule.Required {
				res.add(field, "required", "is required")
			}
			continue
		}

		if rule.Type == TypeArray {
			checkCount(res, field, rule, len(raw))
			values := make([]interface{}, len(raw))
			for j, v := range raw {
				values[j] = v
			}
			res.Query[rule.Name] = values
			continue
		}

		if value, ok := checkScalar(res, field, rule, raw[0]); ok {
			res.Query[rule.Name] = value
		}
	}
}

// validateParams applies path parameter rules.
func (s *Schema) validateParams(in *Input, res *Result) {
	if len(s.Params) == 0 {
		return
	}
	res.Params = make(map[string]interface{}, len(s.Params))

	for i := range s.Params {
		rule := &s.Params[i]
		field := sectionParams + "." + rule.Name

		raw, ok := in.Params[rule.Name]
		if !ok || raw == "" {
			if rule.Required {
				res.add(field, "required", "is required")
			}
			continue
		}

		if value, ok := checkScalar(res, field, rule, raw); ok {
			res.Params[rule.Name] = value
		}
	}
}

// validateHeaders applies header rules.
func (s *Schema) validateHeaders(in *Input, res *Result) {
	if len(s.Headers) == 0 {
		return
	}
	res.Headers = make(map[string]interface{}, len(s.Headers))

	for i := range s.Headers {
		rule := &s.Headers[i]
		field := sectionHeaders + "." + rule.Name

		raw := in.Headers.Get(rule.Name)
		if raw == "" {
			if rule.Required {
				res.add(field, "required", "is required")
			}
			continue
		}

		if value, ok := checkScalar(res, field, rule, raw); ok {
			res.Headers[rule.Name] = value
		}
	}
}

// decodeBody decodes the request body. An absent body decodes to an
// empty document so required rules report every missing field.
func decodeBody(raw []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errBodyNotJSON
	}
	doc, ok := value.(map[string]interface{})
	if !ok {
		return nil, errBodyNotObject
	}
	return doc, nil
}

// checkBodyValue applies a rule to a decoded JSON value.
func checkBodyValue(res *Result, field string, rule *Rule, value interface{}) {
	switch rule.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			res.add(field, "type", typeMessage(rule.Type))
			return
		}
		checkString(res, field, rule, str)
	case TypeInt:
		num, ok := value.(float64)
		if !ok || num != math.Trunc(num) {
			res.add(field, "type", typeMessage(rule.Type))
			return
		}
		checkRange(res, field, rule, num)
	case TypeFloat:
		num, ok := value.(float64)
		if !ok {
			res.add(field, "type", typeMessage(rule.Type))
			return
		}
		checkRange(res, field, rule, num)
	case TypeBool:
		if _, ok := value.(bool); !ok {
			res.add(field, "type", typeMessage(rule.Type))
		}
	case TypeObject:
		if _, ok := value.(map[string]interface{}); !ok {
			res.add(field, "type", typeMessage(rule.Type))
		}
	case TypeArray:
		arr, ok := value.([]interface{})
		if !ok {
			res.add(field, "type", typeMessage(rule.Type))
			return
		}
		checkCount(res, field, rule, len(arr))
	}
}

// checkScalar coerces a raw string to the rule's type and applies the
// rule's constraints. Returns the typed value and whether it parsed.
func checkScalar(res *Result, field string, rule *Rule, raw string) (interface{}, bool) {
	switch rule.Type {
	case TypeInt:
		num, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			res.add(field, "type", typeMessage(rule.Type))
			return nil, false
		}
		checkRange(res, field, rule, float64(num))
		return num, true
	case TypeFloat:
		num, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			res.add(field, "type", typeMessage(rule.Type))
			return nil, false
		}
		checkRange(res, field, rule, num)
		return num, true
	case TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			res.add(field, "type", typeMessage(rule.Type))
			return nil, false
		}
		return b, true
	default:
		checkString(res, field, rule, raw)
		return raw, true
	}
}

// checkString applies length, pattern, and enum constraints.
func checkString(res *Result, field string, rule *Rule, value string) {
	n := utf8.RuneCountInString(value)
	if rule.MinLen != nil && n < *rule.MinLen {
		res.add(field, "minLength", fmt.Sprintf("must be at least %d characters", *rule.MinLen))
	}
	if rule.MaxLen != nil && n > *rule.MaxLen {
		res.add(field, "maxLength", fmt.Sprintf("must be at most %d characters", *rule.MaxLen))
	}
	if rule.re != nil && !rule.re.MatchString(value) {
		res.add(field, "pattern", fmt.Sprintf("does not match pattern %q", rule.Pattern))
	}
	if len(rule.Enum) > 0 && !slices.Contains(rule.Enum, value) {
		res.add(field, "enum", "must be one of: "+strings.Join(rule.Enum, ", "))
	}
}

// checkRange applies numeric bounds.
func checkRange(res *Result, field string, rule *Rule, value float64) {
	if rule.Min != nil && value < *rule.Min {
		res.add(field, "min", fmt.Sprintf("must be at least %g", *rule.Min))
	}
	if rule.Max != nil && value > *rule.Max {
		res.add(field, "max", fmt.Sprintf("must be at most %g", *rule.Max))
	}
}

// checkCount applies length bounds to an element count.
func checkCount(res *Result, field string, rule *Rule, n int) {
	if rule.MinLen != nil && n < *rule.MinLen {
		res.add(field, "minLength", fmt.Sprintf("must have at least %d items", *rule.MinLen))
	}
	if rule.MaxLen != nil && n > *rule.MaxLen {
		res.add(field, "maxLength", fmt.Sprintf("must have at most %d items", *rule.MaxLen))
	}
}

// lookup walks a dotted path through a decoded JSON document.
func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = doc

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// typeMessage is the violation message for a failed type check.
func typeMessage(typ string) string {
	switch typ {
	case TypeInt:
		return "must be an integer"
	case TypeFloat:
		return "must be a number"
	case TypeBool:
		return "must be a boolean"
	case TypeObject:
		return "must be an object"
	case TypeArray:
		return "must be an array"
	default:
		return "must be a string"
	}
}

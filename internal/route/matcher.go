package route

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentKind classifies one path segment of a pattern.
type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentWildcard
)

// segment is one compiled path segment.
type segment struct {
	kind    segmentKind
	literal string
	param   string
}

// paramNameRe restricts parameter names to identifier characters.
var paramNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// patternMatcher is a compiled path pattern. Literal segments match
// exactly, {name} segments capture one path segment, and a trailing *
// matches any remainder.
type patternMatcher struct {
	pattern  string
	segments []segment
	regex    *regexp.Regexp
	params   []string

	literals  int
	variables int
	wildcard  bool
}

// compilePattern parses and compiles a path pattern.
func compilePattern(pattern string) (*patternMatcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", pattern)
	}

	m := &patternMatcher{pattern: pattern}

	trimmed := strings.TrimPrefix(pattern, "/")
	var rawSegments []string
	if trimmed != "" {
		rawSegments = strings.Split(trimmed, "/")
	}

	seen := make(map[string]bool)
	var sb strings.Builder
	sb.WriteString("^")

	for i, raw := range rawSegments {
		switch {
		case raw == "*":
			if i != len(rawSegments)-1 {
				return nil, fmt.Errorf("pattern %q: wildcard must be the last segment", pattern)
			}
			m.segments = append(m.segments, segment{kind: segmentWildcard})
			m.wildcard = true
			m.variables++
			sb.WriteString("(?:/.*)?")

		case strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
			name := raw[1 : len(raw)-1]
			if !paramNameRe.MatchString(name) {
				return nil, fmt.Errorf("pattern %q: invalid parameter name %q", pattern, name)
			}
			if seen[name] {
				return nil, fmt.Errorf("pattern %q: duplicate parameter name %q", pattern, name)
			}
			seen[name] = true
			m.segments = append(m.segments, segment{kind: segmentParam, param: name})
			m.params = append(m.params, name)
			m.variables++
			sb.WriteString("/(?P<" + name + ">[^/]+)")

		default:
			if strings.ContainsAny(raw, "{}*") {
				return nil, fmt.Errorf("pattern %q: malformed segment %q", pattern, raw)
			}
			m.segments = append(m.segments, segment{kind: segmentLiteral, literal: raw})
			m.literals++
			sb.WriteString("/" + regexp.QuoteMeta(raw))
		}
	}

	if len(rawSegments) == 0 {
		sb.WriteString("/")
	}
	sb.WriteString("$")

	regex, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	m.regex = regex

	return m, nil
}

// match attempts to match a request path, returning extracted
// parameters on success.
func (m *patternMatcher) match(path string) (map[string]string, bool) {
	matches := m.regex.FindStringSubmatch(path)
	if matches == nil {
		return nil, false
	}

	if len(m.params) == 0 {
		return nil, true
	}

	params := make(map[string]string, len(m.params))
	for i, name := range m.regex.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		params[name] = matches[i]
	}
	return params, true
}

// priority orders candidates for matching: more literal segments win,
// then fewer variable segments, then non-wildcard patterns.
func (m *patternMatcher) priority() int {
	p := m.literals*100 - m.variables*10
	if m.wildcard {
		p -= 1000
	}
	return p
}

// overlaps reports whether two patterns can match the same path.
func (m *patternMatcher) overlaps(other *patternMatcher) bool {
	a, b := m.segments, other.segments

	i := 0
	for ; i < len(a) && i < len(b); i++ {
		if a[i].kind == segmentWildcard || b[i].kind == segmentWildcard {
			return true
		}
		if a[i].kind == segmentLiteral && b[i].kind == segmentLiteral && a[i].literal != b[i].literal {
			return false
		}
	}

	// A leftover suffix only overlaps when it starts with a wildcard.
	if i < len(a) {
		return a[i].kind == segmentWildcard
	}
	if i < len(b) {
		return b[i].kind == segmentWildcard
	}
	return true
}

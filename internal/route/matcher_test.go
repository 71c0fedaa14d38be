package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		want    string
	}{
		{"empty", "", "empty pattern"},
		{"no leading slash", "projects", "must start with /"},
		{"wildcard not last", "/files/*/meta", "wildcard must be the last segment"},
		{"bad parameter name", "/projects/{1id}", "invalid parameter name"},
		{"duplicate parameter", "/orgs/{id}/projects/{id}", "duplicate parameter name"},
		{"malformed segment", "/projects/id}", "malformed segment"},
		{"brace inside literal", "/pro{ject}s/x", "malformed segment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := compilePattern(tt.pattern)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPatternMatcher_Match(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		path    string
		ok      bool
		params  map[string]string
	}{
		{"root", "/", "/", true, nil},
		{"root rejects deeper", "/", "/projects", false, nil},
		{"literal", "/projects", "/projects", true, nil},
		{"literal trailing slash misses", "/projects", "/projects/", false, nil},
		{"literal no prefix match", "/projects", "/projects/p-1", false, nil},
		{"single param", "/projects/{projectID}", "/projects/p-1", true, map[string]string{"projectID": "p-1"}},
		{"param rejects empty segment", "/projects/{projectID}", "/projects/", false, nil},
		{"param rejects nested", "/projects/{projectID}", "/projects/p-1/tasks", false, nil},
		{"two params", "/orgs/{orgID}/projects/{projectID}", "/orgs/o-9/projects/p-1", true,
			map[string]string{"orgID": "o-9", "projectID": "p-1"}},
		{"wildcard bare", "/files/*", "/files", true, nil},
		{"wildcard deep", "/files/*", "/files/a/b/c.txt", true, nil},
		{"wildcard wrong base", "/files/*", "/docs/a", false, nil},
		{"param then literal", "/projects/{projectID}/export", "/projects/p-1/export", true,
			map[string]string{"projectID": "p-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := compilePattern(tt.pattern)
			require.NoError(t, err)

			params, ok := m.match(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.params != nil {
				assert.Equal(t, tt.params, params)
			}
		})
	}
}

func TestPatternMatcher_Priority(t *testing.T) {
	t.Parallel()

	literal, err := compilePattern("/projects/export")
	require.NoError(t, err)
	param, err := compilePattern("/projects/{projectID}")
	require.NoError(t, err)
	wildcard, err := compilePattern("/projects/*")
	require.NoError(t, err)

	assert.Greater(t, literal.priority(), param.priority())
	assert.Greater(t, param.priority(), wildcard.priority())
}

func TestPatternMatcher_Overlaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"param vs literal", "/projects/{id}", "/projects/export", true},
		{"distinct literals", "/projects", "/orgs", false},
		{"wildcard vs anything", "/files/*", "/files/{name}/meta", true},
		{"different depth", "/projects/{id}", "/projects/{id}/tasks", false},
		{"crossed params", "/a/{x}/b", "/a/b/{y}", true},
		{"same pattern", "/projects/{id}", "/projects/{other}", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, err := compilePattern(tt.a)
			require.NoError(t, err)
			b, err := compilePattern(tt.b)
			require.NoError(t, err)

			assert.Equal(t, tt.want, a.overlaps(b))
			assert.Equal(t, tt.want, b.overlaps(a))
		})
	}
}

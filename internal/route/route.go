// Package route implements route registration and resolution. A Table
// is built once from configuration, validated for ambiguity, and
// immutable afterwards; concurrent matching needs no locking.
package route

import (
	"fmt"
	"sort"
	"strings"

	"github.com/voronkovm/authpipe/internal/access"
	"github.com/voronkovm/authpipe/internal/resource"
	"github.com/voronkovm/authpipe/internal/util"
	"github.com/voronkovm/authpipe/internal/validate"
)

// validMethods is the set of accepted HTTP methods. Resolution is
// exact on method: a path registered under another method is a miss.
var validMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// Route is an immutable route descriptor. It carries everything the
// pipeline needs to decide a request against this endpoint.
type Route struct {
	// Name uniquely identifies the route. Used for metrics labels,
	// audit events, and the decision trail.
	Name string

	// Method is the HTTP method, uppercase.
	Method string

	// Pattern is the path pattern: literal segments, {name}
	// parameters, optional trailing * wildcard.
	Pattern string

	// AllowAnonymous opts the route out of credential enforcement.
	AllowAnonymous bool

	// Requirement is the route-level access requirement. Nil means
	// any authenticated (or anonymous, if allowed) caller may invoke
	// the route.
	Requirement *access.Requirement

	// ResourcePolicy names the policy evaluated against each loaded
	// resource. Empty selects the evaluator's default policy.
	ResourcePolicy string

	// Resources declares which entities to load before access
	// evaluation, in dependency order.
	Resources []resource.Spec

	// Schema declares input validation rules. Nil skips validation.
	Schema *validate.Schema

	// Upstream is the URL authorized requests are forwarded to.
	// Empty means the route terminates at the gateway.
	Upstream string
}

// Match is the result of a successful route resolution.
type Match struct {
	Route  *Route
	Params map[string]string
}

// compiledRoute pairs a route with its compiled pattern.
type compiledRoute struct {
	route   *Route
	matcher *patternMatcher
}

// Table is an immutable set of compiled routes ordered by matching
// priority.
type Table struct {
	routes []*compiledRoute
	byName map[string]*Route
}

// NewTable compiles and validates a route set. All configuration
// errors (ambiguous patterns, bad parameter references, unknown
// methods) surface here, never at request time.
func NewTable(routes []*Route) (*Table, error) {
	t := &Table{
		byName: make(map[string]*Route, len(routes)),
	}

	for i, r := range routes {
		if r.Name == "" {
			return nil, util.NewConfigError(fmt.Sprintf("routes[%d]", i), "route name is required")
		}
		if _, exists := t.byName[r.Name]; exists {
			return nil, util.NewConfigError(
				fmt.Sprintf("routes[%d].name", i),
				fmt.Sprintf("duplicate route name %q", r.Name),
			)
		}

		method := strings.ToUpper(r.Method)
		if !validMethods[method] {
			return nil, util.NewConfigError(
				fmt.Sprintf("routes[%d].method", i),
				fmt.Sprintf("unsupported method %q", r.Method),
			)
		}
		r.Method = method

		matcher, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, util.NewConfigErrorWithCause(
				fmt.Sprintf("routes[%d].pattern", i), "invalid pattern", err,
			)
		}

		if err := validateResourceSpecs(r, matcher); err != nil {
			return nil, err
		}

		if r.Requirement != nil {
			if err := r.Requirement.Validate(); err != nil {
				return nil, util.NewConfigErrorWithCause(
					fmt.Sprintf("routes[%d].requirement", i), "invalid requirement", err,
				)
			}
		}

		if err := r.Schema.Compile(); err != nil {
			return nil, util.NewConfigErrorWithCause(
				fmt.Sprintf("routes[%d].schema", i), "invalid schema", err,
			)
		}

		t.routes = append(t.routes, &compiledRoute{route: r, matcher: matcher})
		t.byName[r.Name] = r
	}

	if err := t.checkAmbiguity(); err != nil {
		return nil, err
	}

	sort.SliceStable(t.routes, func(i, j int) bool {
		return t.routes[i].matcher.priority() > t.routes[j].matcher.priority()
	})

	return t, nil
}

// validateResourceSpecs checks that every resource spec references a
// declared path parameter or an earlier-declared resource.
func validateResourceSpecs(r *Route, matcher *patternMatcher) error {
	params := make(map[string]bool, len(matcher.params))
	for _, p := range matcher.params {
		params[p] = true
	}

	declared := make(map[string]bool, len(r.Resources))
	for i, spec := range r.Resources {
		field := fmt.Sprintf("route %q resources[%d]", r.Name, i)

		if spec.Name == "" {
			return util.NewConfigError(field, "resource name is required")
		}
		if declared[spec.Name] {
			return util.NewConfigError(field, fmt.Sprintf("duplicate resource name %q", spec.Name))
		}
		if spec.Loader == "" {
			return util.NewConfigError(field, "resource loader is required")
		}

		switch {
		case spec.Param != "" && spec.FromResource != "":
			return util.NewConfigError(field, "param and fromResource are mutually exclusive")
		case spec.Param != "":
			if !params[spec.Param] {
				return util.NewConfigError(field,
					fmt.Sprintf("parameter %q is not declared in pattern %q", spec.Param, r.Pattern))
			}
		case spec.FromResource != "":
			if !declared[spec.FromResource] {
				return util.NewConfigError(field,
					fmt.Sprintf("fromResource %q must be declared earlier in the same route", spec.FromResource))
			}
			if spec.FromField == "" {
				return util.NewConfigError(field, "fromField is required with fromResource")
			}
		default:
			return util.NewConfigError(field, "either param or fromResource is required")
		}

		declared[spec.Name] = true
	}

	return nil
}

// checkAmbiguity rejects route pairs that could match the same path
// with equal priority. Overlap with unequal priority is fine: the
// higher-priority pattern wins deterministically.
func (t *Table) checkAmbiguity() error {
	for i := 0; i < len(t.routes); i++ {
		for j := i + 1; j < len(t.routes); j++ {
			a, b := t.routes[i], t.routes[j]
			if a.route.Method != b.route.Method {
				continue
			}
			if !a.matcher.overlaps(b.matcher) {
				continue
			}
			if a.matcher.priority() == b.matcher.priority() {
				return util.NewConfigError(
					"routes",
					fmt.Sprintf("ambiguous patterns %q and %q for method %s",
						a.route.Pattern, b.route.Pattern, a.route.Method),
				)
			}
		}
	}
	return nil
}

// Match resolves a method and path to a route. The most specific
// matching pattern wins. Returns false when no route matches; the
// caller must treat a method mismatch identically to a path miss.
func (t *Table) Match(method, path string) (*Match, bool) {
	method = strings.ToUpper(method)

	for _, cr := range t.routes {
		if cr.route.Method != method {
			continue
		}
		params, ok := cr.matcher.match(path)
		if !ok {
			continue
		}
		return &Match{Route: cr.route, Params: params}, true
	}
	return nil, false
}

// Lookup returns a route by name.
func (t *Table) Lookup(name string) (*Route, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Len returns the number of registered routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Names returns all route names in priority order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.routes))
	for _, cr := range t.routes {
		names = append(names, cr.route.Name)
	}
	return names
}

// Package resource loads the domain records a route operates on.
//
// Routes declare which resources they touch and where each identifier
// comes from: a path parameter, or a field of a resource declared
// earlier on the same route. Loading walks the declarations in order, so
// a later resource can chain off an earlier one. Absence of a record is
// a NotFoundError; a broken loader backend is an infrastructure fault
// and never masquerades as absence.
package resource

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound indicates that a declared resource does not exist.
var ErrNotFound = errors.New("resource not found")

// NotFoundError reports which declared resource was absent. It matches
// ErrNotFound through errors.Is. The resource and key never reach
// response bodies; rendering collapses every absence into the same
// response.
type NotFoundError struct {
	Resource string
	Key      string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource %q not found (key %q)", e.Resource, e.Key)
}

// Is reports whether the target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Spec declares one resource a route operates on.
type Spec struct {
	// Name identifies the resource within the route. Unique per route.
	Name string `yaml:"name"`

	// Loader names the registered loader that fetches the resource.
	Loader string `yaml:"loader"`

	// Param is the path parameter holding the identifier. Exactly one
	// of Param and FromResource must be set.
	Param string `yaml:"param,omitempty"`

	// FromResource names an earlier resource on the same route whose
	// field supplies the identifier.
	FromResource string `yaml:"fromResource,omitempty"`

	// FromField is the attribute of FromResource holding the
	// identifier. May be dotted for nested attributes.
	FromField string `yaml:"fromField,omitempty"`
}

// Resource is a loaded record.
type Resource struct {
	// Name is the route-declared name.
	Name string

	// Key is the identifier the record was loaded by.
	Key string

	// Attributes is the record's data.
	Attributes map[string]interface{}
}

// Attribute returns an attribute by dotted path.
func (r *Resource) Attribute(path string) (interface{}, bool) {
	if r.Attributes == nil {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current interface{} = r.Attributes
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// StringAttribute returns an attribute as a string. Numeric values are
// formatted, so a numeric foreign key can feed a chained identifier.
func (r *Resource) StringAttribute(path string) string {
	v, ok := r.Attribute(path)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// Set is the loaded resources of one request, in declaration order.
type Set struct {
	byName map[string]*Resource
	order  []string
}

// NewSet creates an empty resource set.
func NewSet() *Set {
	return &Set{byName: make(map[string]*Resource)}
}

// add appends a loaded resource. Names are unique, enforced at route
// registration.
func (s *Set) add(r *Resource) {
	s.byName[r.Name] = r
	s.order = append(s.order, r.Name)
}

// Get returns a loaded resource by name.
func (s *Set) Get(name string) (*Resource, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Names returns the resource names in declaration order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of loaded resources.
func (s *Set) Len() int {
	return len(s.order)
}

// AttributeMaps returns the attributes of every resource keyed by name,
// in the shape policy evaluation binds.
func (s *Set) AttributeMaps() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(s.order))
	for name, r := range s.byName {
		out[name] = r.Attributes
	}
	return out
}

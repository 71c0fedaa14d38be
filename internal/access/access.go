// Package access decides whether an identity may act.
//
// Two questions are answered separately. Resource access (may this
// caller perceive this loaded record) is evaluated through named
// policies whose rules combine attribute checks with CEL expressions;
// a deny here is rendered as absence by the pipeline. Route access
// (may this caller ever invoke this endpoint) is a coarse check of a
// route's declared requirement; a deny here is an ordinary 403.
//
// Both checks default to deny, and an evaluator malfunction (unknown
// policy, broken expression) is an error, never a decision.
package access

import (
	"fmt"
	"time"

	"github.com/voronkovm/authpipe/internal/identity"
	"github.com/voronkovm/authpipe/internal/resource"
)

// Effect is a rule outcome.
type Effect string

// Rule effects.
const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision is the outcome of one access evaluation.
type Decision struct {
	// Allowed reports whether the action is permitted.
	Allowed bool

	// Reason explains the decision. Internal only; it names rules and
	// policies that response bodies must never reveal.
	Reason string

	// Policy is the policy that decided.
	Policy string

	// Cached reports whether the decision came from the cache.
	Cached bool
}

// Query is one resource access question.
type Query struct {
	// Identity is the resolved caller.
	Identity *identity.Identity

	// Resource is the loaded record under evaluation.
	Resource *resource.Resource

	// Policy names the policy to apply. Empty selects the evaluator's
	// default policy.
	Policy string

	// Route is the matched route's name.
	Route string

	// Action is the HTTP method.
	Action string
}

// Rule is one clause of a resource policy. Every configured check
// must hold for the rule to match; the first matching rule decides
// with its effect.
type Rule struct {
	// Name labels the rule in reasons and logs.
	Name string `yaml:"name,omitempty"`

	// Effect is applied when the rule matches. Defaults to allow.
	Effect Effect `yaml:"effect,omitempty"`

	// Roles requires the caller to hold at least one listed role.
	Roles []string `yaml:"roles,omitempty"`

	// OwnerField names the resource attribute that must equal the
	// caller's subject. Dotted paths reach nested attributes.
	OwnerField string `yaml:"ownerField,omitempty"`

	// Match requires resource attributes (dotted paths) to equal
	// literal values.
	Match map[string]interface{} `yaml:"match,omitempty"`

	// Expression is a CEL expression over subject, resource, route,
	// action, and now. Compiled at registration.
	Expression string `yaml:"expression,omitempty"`
}

// GetEffectiveEffect returns the rule's effect, defaulting to allow.
func (r *Rule) GetEffectiveEffect() Effect {
	if r.Effect != "" {
		return r.Effect
	}
	return EffectAllow
}

// Validate checks the rule for configuration errors.
func (r *Rule) Validate() error {
	if r.Effect != "" && r.Effect != EffectAllow && r.Effect != EffectDeny {
		return fmt.Errorf("invalid effect %q (must be %q or %q)", r.Effect, EffectAllow, EffectDeny)
	}
	if len(r.Roles) == 0 && r.OwnerField == "" && len(r.Match) == 0 && r.Expression == "" {
		return fmt.Errorf("rule has no checks")
	}
	for i, role := range r.Roles {
		if role == "" {
			return fmt.Errorf("roles[%d] is empty", i)
		}
	}
	return nil
}

// Policy is a named set of resource access rules, evaluated in order.
// No matching rule means deny.
type Policy struct {
	// Name identifies the policy; routes reference it.
	Name string `yaml:"name"`

	// Description documents the policy's intent.
	Description string `yaml:"description,omitempty"`

	// Rules are evaluated in declaration order.
	Rules []Rule `yaml:"rules"`
}

// Validate checks the policy for configuration errors.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy %q has no rules", p.Name)
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("policy %q rules[%d]: %w", p.Name, i, err)
		}
	}
	return nil
}

// Requirement is a route-level access requirement. Every configured
// clause must hold.
type Requirement struct {
	// Permission the caller must hold.
	Permission string `yaml:"permission,omitempty"`

	// Roles of which the caller must hold at least one. The role
	// hierarchy, when configured, expands the caller's roles first.
	Roles []string `yaml:"roles,omitempty"`

	// Scopes the caller must hold, all of them.
	Scopes []string `yaml:"scopes,omitempty"`

	// Expression is a CEL expression over subject, route, action, and
	// now. The resource variable is an empty map at route level.
	Expression string `yaml:"expression,omitempty"`
}

// Validate checks the requirement for configuration errors.
func (r *Requirement) Validate() error {
	if r.Permission == "" && len(r.Roles) == 0 && len(r.Scopes) == 0 && r.Expression == "" {
		return fmt.Errorf("requirement has no checks")
	}
	for i, role := range r.Roles {
		if role == "" {
			return fmt.Errorf("roles[%d] is empty", i)
		}
	}
	for i, scope := range r.Scopes {
		if scope == "" {
			return fmt.Errorf("scopes[%d] is empty", i)
		}
	}
	return nil
}

// CacheConfig configures the decision cache.
type CacheConfig struct {
	// Enabled turns caching on.
	Enabled bool `yaml:"enabled"`

	// Collection is the store collection decisions are kept in.
	Collection string `yaml:"collection,omitempty"`

	// TTL bounds how long a decision may be reused.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// Config is the access evaluator configuration.
type Config struct {
	// Policies are the named resource policies.
	Policies []Policy `yaml:"policies,omitempty"`

	// DefaultPolicy applies to routes that load resources but name no
	// policy of their own.
	DefaultPolicy string `yaml:"defaultPolicy,omitempty"`

	// RoleHierarchy maps a role to the roles it implies. Expansion is
	// transitive.
	RoleHierarchy map[string][]string `yaml:"roleHierarchy,omitempty"`

	// Cache configures decision caching. Nil disables it.
	Cache *CacheConfig `yaml:"cache,omitempty"`
}

// Validate checks the configuration for errors that must stop startup.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		if err := c.Policies[i].Validate(); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
		if seen[c.Policies[i].Name] {
			return fmt.Errorf("duplicate policy name %q", c.Policies[i].Name)
		}
		seen[c.Policies[i].Name] = true
	}
	if c.DefaultPolicy != "" && !seen[c.DefaultPolicy] {
		return fmt.Errorf("default policy %q is not declared", c.DefaultPolicy)
	}
	return nil
}

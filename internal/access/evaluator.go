package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voronkovm/authpipe/internal/access/cel"
	"github.com/voronkovm/authpipe/internal/identity"
	"github.com/voronkovm/authpipe/internal/observability"
)

// accessTracer is the OTEL tracer for access evaluations.
var accessTracer = otel.Tracer("authpipe/access")

// ErrNoIdentity is returned when an evaluation is attempted without a
// resolved identity. The pipeline resolves identity first, so this
// marks a wiring bug, not a deniable request.
var ErrNoIdentity = errors.New("access: no identity")

// RouteQuery is one route access question.
type RouteQuery struct {
	// Identity is the resolved caller.
	Identity *identity.Identity

	// Requirement is the route's declared requirement. Nil allows any
	// caller the route admits.
	Requirement *Requirement

	// Route is the matched route's name.
	Route string

	// Action is the HTTP method.
	Action string
}

// Evaluator answers resource and route access questions.
//
// A nil error always carries a Decision; an error means the question
// could not be answered (unknown policy, broken expression) and the
// request must fail rather than be decided.
type Evaluator interface {
	// Evaluate decides resource access through the named policy.
	Evaluate(ctx context.Context, q *Query) (*Decision, error)

	// EvaluateRoute decides route access from the route's requirement.
	EvaluateRoute(ctx context.Context, q *RouteQuery) (*Decision, error)

	// HasPolicyFor reports whether a policy would apply to a route
	// naming the given resource policy.
	HasPolicyFor(name string) bool

	// Precompile compiles requirement expressions ahead of time so a
	// bad expression stops startup instead of a request.
	Precompile(exprs ...string) error

	// Close releases evaluator resources.
	Close() error
}

// compiledPolicy pairs a policy with its rules' compiled expressions,
// index-aligned with Rules.
type compiledPolicy struct {
	policy   *Policy
	programs []*cel.Program
}

// evaluator implements the Evaluator interface.
type evaluator struct {
	config   *Config
	env      *cel.Env
	policies map[string]*compiledPolicy
	cache    DecisionCache
	logger   observability.Logger

	// mu guards programs, the lazily compiled requirement
	// expressions.
	mu       sync.RWMutex
	programs map[string]*cel.Program
}

// EvaluatorOption is a functional option for the evaluator.
type EvaluatorOption func(*evaluator)

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger observability.Logger) EvaluatorOption {
	return func(e *evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDecisionCache sets the decision cache.
func WithDecisionCache(cache DecisionCache) EvaluatorOption {
	return func(e *evaluator) {
		if cache != nil {
			e.cache = cache
		}
	}
}

// New creates an evaluator. Every policy expression is compiled here;
// a policy that cannot compile stops startup.
func New(config *Config, opts ...EvaluatorOption) (Evaluator, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	env, err := cel.NewEnv()
	if err != nil {
		return nil, err
	}

	e := &evaluator{
		config:   config,
		env:      env,
		policies: make(map[string]*compiledPolicy, len(config.Policies)),
		cache:    NewNoopDecisionCache(),
		logger:   observability.NopLogger(),
		programs: make(map[string]*cel.Program),
	}
	for _, opt := range opts {
		opt(e)
	}

	for i := range config.Policies {
		policy := &config.Policies[i]
		cp := &compiledPolicy{
			policy:   policy,
			programs: make([]*cel.Program, len(policy.Rules)),
		}
		for j := range policy.Rules {
			if policy.Rules[j].Expression == "" {
				continue
			}
			prog, err := env.Compile(policy.Rules[j].Expression)
			if err != nil {
				return nil, fmt.Errorf("policy %q rules[%d]: %w", policy.Name, j, err)
			}
			cp.programs[j] = prog
		}
		e.policies[policy.Name] = cp
	}

	return e, nil
}

// Evaluate decides resource access through the named policy. Rules
// run in declaration order; the first match decides with its effect,
// and no match denies.
func (e *evaluator) Evaluate(ctx context.Context, q *Query) (*Decision, error) {
	ctx, span := accessTracer.Start(ctx, "access.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("access.route", q.Route),
			attribute.String("access.action", q.Action),
		),
	)
	defer span.End()

	if q.Identity == nil {
		return nil, ErrNoIdentity
	}
	if q.Resource == nil {
		return nil, errors.New("access: no resource")
	}

	name := q.Policy
	if name == "" {
		name = e.config.DefaultPolicy
	}
	if name == "" {
		return nil, errors.New("access: no policy to apply")
	}
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("access: policy %q is not declared", name)
	}
	span.SetAttributes(
		attribute.String("access.policy", name),
		attribute.String("access.subject", q.Identity.Subject),
		attribute.String("access.resource", q.Resource.Name),
	)

	expandedRoles := e.expandRoles(q.Identity.Roles)

	cacheKey := e.buildCacheKey(name, q, expandedRoles)
	if cached, ok := e.cache.Get(ctx, cacheKey); ok {
		cached.Cached = true
		span.SetAttributes(
			attribute.Bool("access.cached", true),
			attribute.Bool("access.allowed", cached.Allowed),
		)
		e.logger.Debug("resource access decision from cache",
			observability.String("policy", name),
			observability.String("subject", q.Identity.Subject),
			observability.String("resource", q.Resource.Name),
			observability.Bool("allowed", cached.Allowed),
		)
		return cached, nil
	}

	decision, err := e.evaluatePolicy(cp, q, expandedRoles)
	if err != nil {
		span.SetAttributes(attribute.String("access.error", err.Error()))
		return nil, err
	}

	e.cache.Set(ctx, cacheKey, decision)

	span.SetAttributes(
		attribute.Bool("access.cached", false),
		attribute.Bool("access.allowed", decision.Allowed),
	)
	e.logger.Debug("resource access decision",
		observability.String("policy", name),
		observability.String("subject", q.Identity.Subject),
		observability.String("resource", q.Resource.Name),
		observability.String("key", q.Resource.Key),
		observability.Bool("allowed", decision.Allowed),
		observability.String("reason", decision.Reason),
	)

	return decision, nil
}

// evaluatePolicy walks the policy's rules in order.
func (e *evaluator) evaluatePolicy(cp *compiledPolicy, q *Query, expandedRoles []string) (*Decision, error) {
	for i := range cp.policy.Rules {
		rule := &cp.policy.Rules[i]

		matched, err := e.ruleMatches(rule, cp.programs[i], q, expandedRoles)
		if err != nil {
			return nil, fmt.Errorf("policy %q rule %s: %w", cp.policy.Name, ruleLabel(rule, i), err)
		}
		if !matched {
			continue
		}

		return &Decision{
			Allowed: rule.GetEffectiveEffect() == EffectAllow,
			Reason:  "matched rule " + ruleLabel(rule, i),
			Policy:  cp.policy.Name,
		}, nil
	}

	return &Decision{
		Allowed: false,
		Reason:  "no matching rule",
		Policy:  cp.policy.Name,
	}, nil
}

// ruleMatches reports whether every configured check of the rule
// holds. Attribute checks run before the expression so the cheap
// clauses gate the compiled program.
func (e *evaluator) ruleMatches(rule *Rule, prog *cel.Program, q *Query, expandedRoles []string) (bool, error) {
	if len(rule.Roles) > 0 && !anyMatch(expandedRoles, rule.Roles) {
		return false, nil
	}

	if rule.OwnerField != "" {
		owner := q.Resource.StringAttribute(rule.OwnerField)
		if owner == "" || owner != q.Identity.Subject {
			return false, nil
		}
	}

	for path, want := range rule.Match {
		got, ok := q.Resource.Attribute(path)
		if !ok || !literalEqual(got, want) {
			return false, nil
		}
	}

	if prog != nil {
		allowed, err := prog.Eval(e.bindVars(q.Identity, q.Resource.Attributes, q.Route, q.Action, expandedRoles))
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, nil
		}
	}

	return true, nil
}

// EvaluateRoute decides route access from the route's requirement.
// Every configured clause must hold.
func (e *evaluator) EvaluateRoute(ctx context.Context, q *RouteQuery) (*Decision, error) {
	_, span := accessTracer.Start(ctx, "access.evaluate_route",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("access.route", q.Route),
			attribute.String("access.action", q.Action),
		),
	)
	defer span.End()

	if q.Identity == nil {
		return nil, ErrNoIdentity
	}

	req := q.Requirement
	if req == nil {
		return &Decision{Allowed: true, Reason: "no requirement"}, nil
	}
	span.SetAttributes(attribute.String("access.subject", q.Identity.Subject))

	expandedRoles := e.expandRoles(q.Identity.Roles)

	decision := e.checkRequirement(req, q, expandedRoles)
	if decision == nil {
		prog, err := e.requirementProgram(req.Expression)
		if err != nil {
			return nil, err
		}
		if prog != nil {
			allowed, err := prog.Eval(e.bindVars(q.Identity, nil, q.Route, q.Action, expandedRoles))
			if err != nil {
				return nil, err
			}
			if !allowed {
				decision = &Decision{Allowed: false, Reason: "expression denied"}
			}
		}
	}
	if decision == nil {
		decision = &Decision{Allowed: true, Reason: "requirement satisfied"}
	}

	span.SetAttributes(attribute.Bool("access.allowed", decision.Allowed))
	e.logger.Debug("route access decision",
		observability.String("route", q.Route),
		observability.String("subject", q.Identity.Subject),
		observability.Bool("allowed", decision.Allowed),
		observability.String("reason", decision.Reason),
	)

	return decision, nil
}

// checkRequirement runs the attribute clauses. A nil return means all
// of them passed and only the expression remains.
func (e *evaluator) checkRequirement(req *Requirement, q *RouteQuery, expandedRoles []string) *Decision {
	if req.Permission != "" && !q.Identity.HasPermission(req.Permission) {
		return &Decision{Allowed: false, Reason: "permission not held"}
	}
	if len(req.Roles) > 0 && !anyMatch(expandedRoles, req.Roles) {
		return &Decision{Allowed: false, Reason: "role not held"}
	}
	if len(req.Scopes) > 0 && !q.Identity.HasAllScopes(req.Scopes...) {
		return &Decision{Allowed: false, Reason: "scope not held"}
	}
	return nil
}

// HasPolicyFor reports whether Evaluate would have a policy to run
// for a route naming the given resource policy. A named policy always
// evaluates, even if missing, so a configuration gap fails the
// request instead of waving it through.
func (e *evaluator) HasPolicyFor(name string) bool {
	if name != "" {
		return true
	}
	return e.config.DefaultPolicy != ""
}

// Precompile compiles requirement expressions ahead of time.
func (e *evaluator) Precompile(exprs ...string) error {
	for _, expr := range exprs {
		if expr == "" {
			continue
		}
		if _, err := e.requirementProgram(expr); err != nil {
			return err
		}
	}
	return nil
}

// Close releases evaluator resources.
func (e *evaluator) Close() error {
	return e.cache.Close()
}

// requirementProgram returns the compiled program for a requirement
// expression, compiling and caching it on first use.
func (e *evaluator) requirementProgram(expr string) (*cel.Program, error) {
	if expr == "" {
		return nil, nil
	}

	e.mu.RLock()
	prog, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prog, ok := e.programs[expr]; ok {
		return prog, nil
	}

	prog, err := e.env.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.programs[expr] = prog
	return prog, nil
}

// bindVars builds the expression variable bindings. Fixed subject
// keys win over claims of the same name.
func (e *evaluator) bindVars(id *identity.Identity, resourceAttrs map[string]interface{}, routeName, action string, expandedRoles []string) map[string]interface{} {
	subject := make(map[string]interface{}, len(id.Claims)+6)
	for k, v := range id.Claims {
		subject[k] = v
	}
	subject["id"] = id.Subject
	subject["auth_type"] = string(id.AuthType)
	subject["roles"] = expandedRoles
	subject["permissions"] = id.Permissions
	subject["scopes"] = id.Scopes
	subject["groups"] = id.Groups

	if resourceAttrs == nil {
		resourceAttrs = map[string]interface{}{}
	}

	return map[string]interface{}{
		cel.VarSubject:  subject,
		cel.VarResource: resourceAttrs,
		cel.VarRoute:    routeName,
		cel.VarAction:   action,
		cel.VarNow:      time.Now(),
	}
}

// expandRoles expands roles through the hierarchy, transitively.
func (e *evaluator) expandRoles(roles []string) []string {
	if len(e.config.RoleHierarchy) == 0 {
		return roles
	}

	expanded := make(map[string]bool)
	var expand func(role string)
	expand = func(role string) {
		if expanded[role] {
			return
		}
		expanded[role] = true
		for _, implied := range e.config.RoleHierarchy[role] {
			expand(implied)
		}
	}
	for _, role := range roles {
		expand(role)
	}

	result := make([]string, 0, len(expanded))
	for role := range expanded {
		result = append(result, role)
	}
	sort.Strings(result)
	return result
}

// buildCacheKey builds the decision cache key for a query.
func (e *evaluator) buildCacheKey(policy string, q *Query, expandedRoles []string) *CacheKey {
	roles := append([]string(nil), expandedRoles...)
	sort.Strings(roles)
	return &CacheKey{
		Policy:   policy,
		Subject:  q.Identity.Subject,
		Resource: q.Resource.Name,
		Key:      q.Resource.Key,
		Action:   q.Action,
		Roles:    roles,
	}
}

// ruleLabel names a rule for reasons and errors.
func ruleLabel(rule *Rule, index int) string {
	if rule.Name != "" {
		return rule.Name
	}
	return fmt.Sprintf("#%d", index)
}

// anyMatch reports whether any held value is among the wanted ones.
func anyMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// literalEqual compares a loaded attribute with a configured literal.
// YAML literals decode to int where store documents carry float64, so
// numeric values are normalized before comparison.
func literalEqual(got, want interface{}) bool {
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
		return false
	}
	return got == want
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Ensure evaluator implements Evaluator.
var _ Evaluator = (*evaluator)(nil)

package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/identity"
	"github.com/voronkovm/authpipe/internal/resource"
	"github.com/voronkovm/authpipe/internal/store"
)

func testConfig() *Config {
	return &Config{
		Policies: []Policy{
			{
				Name: "project-access",
				Rules: []Rule{
					{Name: "frozen", Effect: EffectDeny, Match: map[string]interface{}{"frozen": true}},
					{Name: "admin-override", Roles: []string{"admin"}},
					{Name: "owner", OwnerField: "owner_id"},
					{
						Name:       "public-read",
						Match:      map[string]interface{}{"visibility": "public"},
						Expression: `action == "GET"`,
					},
				},
			},
			{
				Name: "org-members",
				Rules: []Rule{
					{Name: "member", Expression: `subject.id in resource.member_ids`},
				},
			},
		},
		RoleHierarchy: map[string][]string{
			"admin":  {"editor"},
			"editor": {"viewer"},
		},
	}
}

func newTestEvaluator(t *testing.T, cfg *Config, opts ...EvaluatorOption) Evaluator {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func caller(subject string, roles ...string) *identity.Identity {
	return &identity.Identity{
		Subject:  subject,
		AuthType: identity.AuthTypeJWT,
		Roles:    roles,
	}
}

func project(key string, attrs map[string]interface{}) *resource.Resource {
	return &resource.Resource{Name: "project", Key: key, Attributes: attrs}
}

func TestNew_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "invalid policy",
			config: &Config{Policies: []Policy{{Name: "p"}}},
		},
		{
			name: "bad expression",
			config: &Config{Policies: []Policy{{
				Name:  "p",
				Rules: []Rule{{Expression: `resource.owner ==`}},
			}}},
		},
		{
			name: "non-boolean expression",
			config: &Config{Policies: []Policy{{
				Name:  "p",
				Rules: []Rule{{Expression: `resource.owner_id`}},
			}}},
		},
		{
			name: "undeclared default policy",
			config: &Config{
				Policies:      []Policy{{Name: "p", Rules: []Rule{{OwnerField: "x"}}}},
				DefaultPolicy: "other",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestEvaluate_OwnerRule(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)
	res := project("p-1", map[string]interface{}{"owner_id": "u-7", "visibility": "private"})

	owner, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Resource: res,
		Policy:   "project-access",
		Route:    "projects.get",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.True(t, owner.Allowed)
	assert.Equal(t, "project-access", owner.Policy)
	assert.Contains(t, owner.Reason, "owner")

	stranger, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-9"),
		Resource: res,
		Policy:   "project-access",
		Route:    "projects.get",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.False(t, stranger.Allowed)
	assert.Equal(t, "no matching rule", stranger.Reason)
}

func TestEvaluate_RoleHierarchy(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Policies: []Policy{{
			Name:  "viewer-gate",
			Rules: []Rule{{Name: "viewers", Roles: []string{"viewer"}}},
		}},
		RoleHierarchy: map[string][]string{
			"admin":  {"editor"},
			"editor": {"viewer"},
		},
	}
	e := newTestEvaluator(t, cfg)
	res := project("p-1", map[string]interface{}{"owner_id": "someone-else"})

	admin, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("root", "admin"),
		Resource: res,
		Policy:   "viewer-gate",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.True(t, admin.Allowed, "admin implies viewer through the hierarchy")

	unrelated, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("guest", "reporter"),
		Resource: res,
		Policy:   "viewer-gate",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.False(t, unrelated.Allowed)
}

func TestEvaluate_MatchWithExpression(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)
	public := project("p-2", map[string]interface{}{"owner_id": "u-1", "visibility": "public"})

	read, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-9"),
		Resource: public,
		Policy:   "project-access",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.True(t, read.Allowed)

	write, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-9"),
		Resource: public,
		Policy:   "project-access",
		Action:   "DELETE",
	})
	require.NoError(t, err)
	assert.False(t, write.Allowed, "public visibility only opens reads")
}

func TestEvaluate_DenyRuleWinsByOrder(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)
	frozen := project("p-3", map[string]interface{}{"owner_id": "u-7", "frozen": true})

	decision, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Resource: frozen,
		Policy:   "project-access",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "the frozen deny rule precedes the owner rule")
	assert.Contains(t, decision.Reason, "frozen")
}

func TestEvaluate_ExpressionOverResourceList(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)
	org := &resource.Resource{
		Name: "org",
		Key:  "o-9",
		Attributes: map[string]interface{}{
			"member_ids": []interface{}{"u-7", "u-8"},
		},
	}

	member, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Resource: org,
		Policy:   "org-members",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.True(t, member.Allowed)

	outsider, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-1"),
		Resource: org,
		Policy:   "org-members",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.False(t, outsider.Allowed)
}

func TestEvaluate_Faults(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)
	res := project("p-1", map[string]interface{}{"owner_id": "u-7"})

	_, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Resource: res,
		Policy:   "not-declared",
		Action:   "GET",
	})
	assert.Error(t, err, "an unknown policy is a fault, not a deny")

	_, err = e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Resource: res,
		Action:   "GET",
	})
	assert.Error(t, err, "no policy and no default is a fault")

	_, err = e.Evaluate(context.Background(), &Query{
		Resource: res,
		Policy:   "project-access",
		Action:   "GET",
	})
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Policy:   "project-access",
		Action:   "GET",
	})
	assert.Error(t, err)
}

func TestEvaluate_BrokenExpressionIsFault(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Policies: []Policy{{
			Name:  "broken",
			Rules: []Rule{{Expression: `resource.missing == "x"`}},
		}},
	}
	e := newTestEvaluator(t, cfg)

	_, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Resource: project("p-1", map[string]interface{}{"owner_id": "u-7"}),
		Policy:   "broken",
		Action:   "GET",
	})
	assert.Error(t, err, "an expression over an absent attribute must fault, not deny")
}

func TestEvaluate_DefaultPolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DefaultPolicy = "project-access"
	e := newTestEvaluator(t, cfg)

	decision, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-7"),
		Resource: project("p-1", map[string]interface{}{"owner_id": "u-7"}),
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "project-access", decision.Policy)
}

func TestEvaluate_CacheRoundTrip(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	cache := NewStoreDecisionCache(st, nil)

	e := newTestEvaluator(t, nil, WithDecisionCache(cache))
	q := &Query{
		Identity: caller("u-7"),
		Resource: project("p-1", map[string]interface{}{"owner_id": "u-7"}),
		Policy:   "project-access",
		Action:   "GET",
	}

	first, err := e.Evaluate(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.False(t, first.Cached)

	second, err := e.Evaluate(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Policy, second.Policy)

	otherAction := *q
	otherAction.Action = "DELETE"
	third, err := e.Evaluate(context.Background(), &otherAction)
	require.NoError(t, err)
	assert.False(t, third.Cached, "a different action is a different cache key")
}

func TestEvaluateRoute(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)
	ctx := context.Background()

	admin := &identity.Identity{
		Subject:     "root",
		AuthType:    identity.AuthTypeJWT,
		Roles:       []string{"admin"},
		Permissions: []string{"projects:write"},
		Scopes:      []string{"read:projects", "write:projects"},
	}

	tests := []struct {
		name    string
		id      *identity.Identity
		req     *Requirement
		allowed bool
	}{
		{name: "nil requirement", id: admin, req: nil, allowed: true},
		{name: "permission held", id: admin, req: &Requirement{Permission: "projects:write"}, allowed: true},
		{name: "permission missing", id: admin, req: &Requirement{Permission: "billing:write"}, allowed: false},
		{name: "role via hierarchy", id: admin, req: &Requirement{Roles: []string{"viewer"}}, allowed: true},
		{name: "role missing", id: caller("u-1", "reporter"), req: &Requirement{Roles: []string{"viewer"}}, allowed: false},
		{name: "all scopes held", id: admin, req: &Requirement{Scopes: []string{"read:projects", "write:projects"}}, allowed: true},
		{name: "one scope missing", id: admin, req: &Requirement{Scopes: []string{"read:projects", "admin:projects"}}, allowed: false},
		{name: "expression allows", id: admin, req: &Requirement{Expression: `subject.auth_type == "jwt"`}, allowed: true},
		{name: "expression denies", id: admin, req: &Requirement{Expression: `subject.auth_type == "apikey"`}, allowed: false},
		{
			name:    "clauses combine",
			id:      admin,
			req:     &Requirement{Permission: "projects:write", Roles: []string{"admin"}, Expression: `action == "POST"`},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decision, err := e.EvaluateRoute(ctx, &RouteQuery{
				Identity:    tt.id,
				Requirement: tt.req,
				Route:       "projects.create",
				Action:      "POST",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed, decision.Reason)
		})
	}
}

func TestEvaluateRoute_NilIdentity(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)

	_, err := e.EvaluateRoute(context.Background(), &RouteQuery{Route: "r", Action: "GET"})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestPrecompile(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t, nil)

	assert.NoError(t, e.Precompile(`subject.id == "u-1"`, "", `action == "GET"`))
	assert.Error(t, e.Precompile(`action ==`))
}

func TestHasPolicyFor(t *testing.T) {
	t.Parallel()

	withDefault := testConfig()
	withDefault.DefaultPolicy = "project-access"

	e := newTestEvaluator(t, withDefault)
	assert.True(t, e.HasPolicyFor("project-access"))
	assert.True(t, e.HasPolicyFor("missing"), "a named policy always evaluates so a gap fails closed")
	assert.True(t, e.HasPolicyFor(""))

	noDefault := newTestEvaluator(t, nil)
	assert.False(t, noDefault.HasPolicyFor(""))
}

func TestExpandRoles_CycleSafe(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Policies: []Policy{{
			Name:  "p",
			Rules: []Rule{{Roles: []string{"b"}}},
		}},
		RoleHierarchy: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	}
	e := newTestEvaluator(t, cfg)

	decision, err := e.Evaluate(context.Background(), &Query{
		Identity: caller("u-1", "a"),
		Resource: project("p-1", map[string]interface{}{}),
		Policy:   "p",
		Action:   "GET",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

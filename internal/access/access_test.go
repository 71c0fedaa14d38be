package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRule_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{name: "owner check only", rule: Rule{OwnerField: "owner_id"}},
		{name: "roles only", rule: Rule{Roles: []string{"admin"}}},
		{name: "match only", rule: Rule{Match: map[string]interface{}{"visibility": "public"}}},
		{name: "expression only", rule: Rule{Expression: `action == "GET"`}},
		{name: "deny effect", rule: Rule{Effect: EffectDeny, Roles: []string{"banned"}}},
		{name: "no checks", rule: Rule{Name: "empty"}, wantErr: true},
		{name: "bad effect", rule: Rule{Effect: "audit", Roles: []string{"admin"}}, wantErr: true},
		{name: "empty role entry", rule: Rule{Roles: []string{"admin", ""}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.rule.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRule_GetEffectiveEffect(t *testing.T) {
	t.Parallel()

	assert.Equal(t, EffectAllow, (&Rule{}).GetEffectiveEffect())
	assert.Equal(t, EffectDeny, (&Rule{Effect: EffectDeny}).GetEffectiveEffect())
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	valid := Policy{Name: "p", Rules: []Rule{{OwnerField: "owner_id"}}}
	assert.NoError(t, valid.Validate())

	noName := Policy{Rules: []Rule{{OwnerField: "owner_id"}}}
	assert.Error(t, noName.Validate())

	noRules := Policy{Name: "p"}
	assert.Error(t, noRules.Validate())

	badRule := Policy{Name: "p", Rules: []Rule{{}}}
	assert.Error(t, badRule.Validate())
}

func TestRequirement_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     Requirement
		wantErr bool
	}{
		{name: "permission", req: Requirement{Permission: "projects:read"}},
		{name: "roles", req: Requirement{Roles: []string{"admin"}}},
		{name: "scopes", req: Requirement{Scopes: []string{"read:projects"}}},
		{name: "expression", req: Requirement{Expression: `"ops" in subject.groups`}},
		{name: "no checks", req: Requirement{}, wantErr: true},
		{name: "empty role", req: Requirement{Roles: []string{""}}, wantErr: true},
		{name: "empty scope", req: Requirement{Scopes: []string{"a", ""}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	ownerRule := []Rule{{OwnerField: "owner_id"}}

	valid := Config{
		Policies:      []Policy{{Name: "a", Rules: ownerRule}, {Name: "b", Rules: ownerRule}},
		DefaultPolicy: "a",
	}
	assert.NoError(t, valid.Validate())

	duplicate := Config{
		Policies: []Policy{{Name: "a", Rules: ownerRule}, {Name: "a", Rules: ownerRule}},
	}
	assert.Error(t, duplicate.Validate())

	missingDefault := Config{
		Policies:      []Policy{{Name: "a", Rules: ownerRule}},
		DefaultPolicy: "zzz",
	}
	assert.Error(t, missingDefault.Validate())

	empty := Config{}
	assert.NoError(t, empty.Validate())
}

func TestLiteralEqual(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
		eq   bool
	}{
		{name: "strings", got: "public", want: "public", eq: true},
		{name: "string mismatch", got: "public", want: "private", eq: false},
		{name: "yaml int vs store float", got: float64(42), want: 42, eq: true},
		{name: "int vs int64", got: int64(7), want: 7, eq: true},
		{name: "bools", got: true, want: true, eq: true},
		{name: "number vs string", got: float64(42), want: "42", eq: false},
		{name: "float mismatch", got: float64(1.5), want: 2, eq: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.eq, literalEqual(tt.got, tt.want))
		})
	}
}

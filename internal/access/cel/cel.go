// Package cel compiles and evaluates CEL policy expressions.
//
// Expressions are compiled once, at policy registration, against a
// fixed environment; request-time evaluation only binds variables and
// runs the compiled program. An expression that fails to compile is a
// configuration error. An expression that fails to evaluate at request
// time is an infrastructure fault, never an implicit deny: the caller
// decides what a broken program means, and in this pipeline every
// stage fails closed.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Environment variable names bound for every evaluation.
const (
	VarSubject  = "subject"
	VarResource = "resource"
	VarRoute    = "route"
	VarAction   = "action"
	VarNow      = "now"
)

// Env is the policy expression environment. Expressions see the
// caller (subject), the loaded resource's attributes (resource), the
// route name (route), the HTTP method (action), and the evaluation
// time (now).
type Env struct {
	env *cel.Env
}

// NewEnv creates the policy expression environment.
func NewEnv() (*Env, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarSubject, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarResource, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarRoute, cel.StringType),
		cel.Variable(VarAction, cel.StringType),
		cel.Variable(VarNow, cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	return &Env{env: env}, nil
}

// Program is a compiled boolean policy expression.
type Program struct {
	expr string
	prog cel.Program
}

// Compile compiles an expression. The expression must produce a
// boolean.
func (e *Env) Compile(expr string) (*Program, error) {
	if expr == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q evaluates to %s, want bool", expr, ast.OutputType())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for %q: %w", expr, err)
	}

	return &Program{expr: expr, prog: prog}, nil
}

// Expression returns the source expression.
func (p *Program) Expression() string {
	return p.expr
}

// Eval runs the program against the bound variables.
func (p *Program) Eval(vars map[string]interface{}) (bool, error) {
	result, _, err := p.prog.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", p.expr, err)
	}

	allowed, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q produced %T, want bool", p.expr, result.Value())
	}
	return allowed, nil
}

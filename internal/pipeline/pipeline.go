// Package pipeline runs the ordered authorization decision for one
// request: route resolution, identity resolution, resource loading,
// resource access, route access, input validation. Stages run in that
// fixed order; the first failing stage terminates the run with its
// verdict and later stages never observe partially-failed state.
//
// Policy outcomes and infrastructure faults never mix. Evaluate
// returns a verdict with a nil error, or no verdict with a non-nil
// error when a collaborator broke. A store outage is not "not found"
// and must never render as one: mapping faults onto absence would
// corrupt the meaning of the existence-hiding guarantee.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voronkovm/authpipe/internal/access"
	"github.com/voronkovm/authpipe/internal/identity"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/resource"
	"github.com/voronkovm/authpipe/internal/route"
	"github.com/voronkovm/authpipe/internal/util"
	"github.com/voronkovm/authpipe/internal/validate"
)

// pipelineTracer traces pipeline runs and their stages.
var pipelineTracer = otel.Tracer("authpipe/pipeline")

// Request is the material for one pipeline run. It is owned by exactly
// one run and never shared across requests.
type Request struct {
	// Method and Path drive route resolution.
	Method string
	Path   string

	// Raw is the underlying HTTP request: the source of credential
	// material, query parameters, and headers. It may be nil for
	// synthetic requests, which then resolve as carrying no
	// credentials.
	Raw *http.Request

	// Body is the request payload. The transport layer reads it so
	// that size limits and upstream forwarding stay its concern.
	Body []byte
}

// NewRequest builds a pipeline request from an HTTP request and its
// already-read body.
func NewRequest(r *http.Request, body []byte) *Request {
	return &Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Raw:    r,
		Body:   body,
	}
}

// Result is the outcome of one pipeline run. On a policy verdict every
// field resolved before the terminal stage is populated; on an
// infrastructure fault the verdict is empty and the trail records the
// failing stage.
type Result struct {
	Verdict Verdict

	Route    *route.Route
	Params   map[string]string
	Identity *identity.Identity

	// Resources holds the loaded entities, keyed by spec name. Loaded
	// resources are owned by this result and never mutated by later
	// stages.
	Resources *resource.Set

	// Violations is populated only for VerdictValidationFailed and
	// carries every violated field.
	Violations []validate.Violation

	// Payload is the normalized input, populated only when validation
	// passed.
	Payload *validate.Result

	Trail   Trail
	Elapsed time.Duration
}

// Pipeline decides requests. It is immutable after construction and
// safe for concurrent use; configuration reloads build a new Pipeline
// and swap it in.
type Pipeline struct {
	table     *route.Table
	identity  identity.Resolver
	resources *resource.Resolver
	access    access.Evaluator
	logger    observability.Logger
	metrics   *observability.Metrics
}

// Option is a functional option for the pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics enables stage and verdict metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New creates a pipeline over its four collaborators.
func New(
	table *route.Table,
	resolver identity.Resolver,
	resources *resource.Resolver,
	evaluator access.Evaluator,
	opts ...Option,
) (*Pipeline, error) {
	if table == nil {
		return nil, errors.New("pipeline: route table is required")
	}
	if resolver == nil {
		return nil, errors.New("pipeline: identity resolver is required")
	}
	if resources == nil {
		return nil, errors.New("pipeline: resource resolver is required")
	}
	if evaluator == nil {
		return nil, errors.New("pipeline: access evaluator is required")
	}

	p := &Pipeline{
		table:     table,
		identity:  resolver,
		resources: resources,
		access:    evaluator,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Routes returns the route table the pipeline decides against.
func (p *Pipeline) Routes() *route.Table {
	return p.table
}

// stageResult is what one stage run produces. An empty verdict with a
// nil error continues to the next stage.
type stageResult struct {
	outcome Outcome
	reason  string
	verdict Verdict
	err     error
}

func pass(reason string) stageResult {
	return stageResult{outcome: OutcomePass, reason: reason}
}

func skip(reason string) stageResult {
	return stageResult{outcome: OutcomeSkip, reason: reason}
}

func fail(verdict Verdict, reason string) stageResult {
	return stageResult{outcome: OutcomeFail, reason: reason, verdict: verdict}
}

func fault(err error) stageResult {
	return stageResult{outcome: OutcomeError, err: err}
}

// Evaluate runs the pipeline for one request. A nil error carries
// exactly one verdict in the result; a non-nil error is an
// infrastructure fault (*util.StageError) and the result carries only
// the trail up to the failing stage. Faults are never mapped onto
// verdicts.
func (p *Pipeline) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, errors.New("pipeline: nil request")
	}

	ctx, span := pipelineTracer.Start(ctx, "pipeline.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
	)

	res := &Result{}
	start := time.Now()
	verdict, err := p.run(ctx, req, res)
	res.Elapsed = time.Since(start)

	if err != nil {
		span.SetAttributes(attribute.String("pipeline.error", err.Error()))
		if p.metrics != nil {
			p.metrics.RecordEvaluation("error")
		}
		p.logger.Warn("pipeline aborted",
			observability.String("method", req.Method),
			observability.String("path", req.Path),
			observability.String("trail", res.Trail.Summary()),
			observability.Error(err),
		)
		return res, err
	}

	res.Verdict = verdict
	span.SetAttributes(attribute.String("pipeline.verdict", verdict.String()))
	if p.metrics != nil {
		p.metrics.RecordEvaluation(verdict.String())
	}
	p.logger.Debug("request decided",
		observability.String("method", req.Method),
		observability.String("path", req.Path),
		observability.String("route", res.routeName()),
		observability.String("subject", res.subject()),
		observability.String("verdict", verdict.String()),
		observability.String("trail", res.Trail.Summary()),
		observability.DurationMillis("elapsed_ms", res.Elapsed),
	)
	return res, nil
}

// run drives the stage sequence. Cancellation is observed at every
// stage boundary; a call already in flight finishes or fails on its
// own.
func (p *Pipeline) run(ctx context.Context, req *Request, res *Result) (Verdict, error) {
	stages := []struct {
		stage Stage
		fn    func(context.Context, *Request, *Result) stageResult
	}{
		{StageRouteResolution, p.resolveRoute},
		{StageIdentityResolution, p.resolveIdentity},
		{StageResourceLoading, p.loadResources},
		{StageResourceAccess, p.checkResourceAccess},
		{StageRouteAccess, p.checkRouteAccess},
		{StageInputValidation, p.validateInput},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			res.Trail.add(s.stage, OutcomeError, "cancelled", 0)
			p.recordStage(s.stage, OutcomeError, 0)
			return "", util.NewStageError(string(s.stage), err)
		}

		sctx, span := pipelineTracer.Start(ctx, "pipeline."+string(s.stage))
		begin := time.Now()
		sr := s.fn(sctx, req, res)
		elapsed := time.Since(begin)

		span.SetAttributes(attribute.String("pipeline.outcome", string(sr.outcome)))
		if sr.reason != "" {
			span.SetAttributes(attribute.String("pipeline.reason", sr.reason))
		}
		span.End()

		reason := sr.reason
		if sr.err != nil {
			reason = sr.err.Error()
		}
		res.Trail.add(s.stage, sr.outcome, reason, elapsed)
		p.recordStage(s.stage, sr.outcome, elapsed)

		if sr.err != nil {
			return "", util.NewStageError(string(s.stage), sr.err)
		}
		if sr.verdict != "" {
			return sr.verdict, nil
		}
	}

	return VerdictAuthorized, nil
}

// recordStage emits stage metrics.
func (p *Pipeline) recordStage(stage Stage, outcome Outcome, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordStage(string(stage), string(outcome), elapsed)
	if outcome == OutcomeError {
		p.metrics.RecordStageFailure(string(stage))
	}
}

// resolveRoute matches method and path against the route table. A path
// registered under a different method is an ordinary miss.
func (p *Pipeline) resolveRoute(_ context.Context, req *Request, res *Result) stageResult {
	m, ok := p.table.Match(req.Method, req.Path)
	if !ok {
		return fail(VerdictRouteNotFound, "no route matches")
	}
	res.Route = m.Route
	res.Params = m.Params
	return pass("matched " + m.Route.Name)
}

// resolveIdentity establishes the caller. Routes that allow anonymous
// access never fail here: absent or invalid credentials resolve to the
// anonymous identity, while valid ones still yield the real caller.
func (p *Pipeline) resolveIdentity(ctx context.Context, req *Request, res *Result) stageResult {
	var (
		id  *identity.Identity
		err error
	)
	if req.Raw == nil {
		err = identity.ErrNoCredentials
	} else {
		id, err = p.identity.Resolve(ctx, req.Raw)
	}

	switch {
	case err == nil:
		if id.IsAnonymous() && !res.Route.AllowAnonymous {
			return fail(VerdictUnauthenticated, "anonymous caller on a protected route")
		}
		res.Identity = id
		return pass(fmt.Sprintf("%s subject %s", id.AuthType, id.Subject))

	case identity.IsCredentialFailure(err):
		if res.Route.AllowAnonymous {
			res.Identity = identity.Anonymous()
			if errors.Is(err, identity.ErrNoCredentials) {
				return skip("anonymous route, no credentials")
			}
			return pass("anonymous route, invalid credentials ignored")
		}
		return fail(VerdictUnauthenticated, err.Error())

	default:
		return fault(err)
	}
}

// loadResources fetches the route's declared resources in declaration
// order. Absence of any resource terminates the run before any access
// check, so absence and denial stay indistinguishable downstream.
func (p *Pipeline) loadResources(ctx context.Context, _ *Request, res *Result) stageResult {
	if len(res.Route.Resources) == 0 {
		return skip("no resources declared")
	}

	set, err := p.resources.Load(ctx, res.Route.Resources, res.Params)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return fail(VerdictResourceNotFound, err.Error())
		}
		return fault(err)
	}

	res.Resources = set
	return pass("loaded " + strings.Join(set.Names(), ", "))
}

// checkResourceAccess asks the policy evaluator whether the caller may
// perceive each loaded resource. A denial renders exactly like
// absence.
func (p *Pipeline) checkResourceAccess(ctx context.Context, req *Request, res *Result) stageResult {
	if res.Resources == nil || res.Resources.Len() == 0 {
		return skip("no resources loaded")
	}
	if !p.access.HasPolicyFor(res.Route.ResourcePolicy) {
		return skip("no resource policy configured")
	}

	for _, name := range res.Resources.Names() {
		rsrc, _ := res.Resources.Get(name)
		decision, err := p.access.Evaluate(ctx, &access.Query{
			Identity: res.Identity,
			Resource: rsrc,
			Policy:   res.Route.ResourcePolicy,
			Route:    res.Route.Name,
			Action:   req.Method,
		})
		if err != nil {
			return fault(err)
		}
		if !decision.Allowed {
			return fail(VerdictResourceNotFound, fmt.Sprintf("resource %q: %s", name, decision.Reason))
		}
	}
	return pass("all resources permitted")
}

// checkRouteAccess evaluates the route-level requirement. This runs
// after resource access so instance-level denial wins the
// short-circuit regardless of the caller's route privilege.
func (p *Pipeline) checkRouteAccess(ctx context.Context, req *Request, res *Result) stageResult {
	if res.Route.Requirement == nil {
		return skip("no requirement declared")
	}

	decision, err := p.access.EvaluateRoute(ctx, &access.RouteQuery{
		Identity:    res.Identity,
		Requirement: res.Route.Requirement,
		Route:       res.Route.Name,
		Action:      req.Method,
	})
	if err != nil {
		return fault(err)
	}
	if !decision.Allowed {
		return fail(VerdictRouteForbidden, decision.Reason)
	}
	return pass(decision.Reason)
}

// validateInput checks the request against the route schema. It runs
// last: a caller that was never going to be authorized learns nothing
// about how its payload would have been received.
func (p *Pipeline) validateInput(_ context.Context, req *Request, res *Result) stageResult {
	if res.Route.Schema.Empty() {
		return skip("no schema declared")
	}

	in := &validate.Input{
		Body:   req.Body,
		Params: res.Params,
	}
	if req.Raw != nil {
		in.Query = req.Raw.URL.Query()
		in.Headers = req.Raw.Header
	}

	result := res.Route.Schema.Validate(in)
	if !result.OK() {
		res.Violations = result.Violations
		return fail(VerdictValidationFailed, fmt.Sprintf("%d violations", len(result.Violations)))
	}

	res.Payload = result
	return pass("input valid")
}

// routeName is the matched route name for log fields.
func (r *Result) routeName() string {
	if r.Route == nil {
		return ""
	}
	return r.Route.Name
}

// subject is the resolved subject for log fields.
func (r *Result) subject() string {
	if r.Identity == nil {
		return ""
	}
	return r.Identity.Subject
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/health"
	"github.com/voronkovm/authpipe/internal/middleware"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/pipeline"
	"github.com/voronkovm/authpipe/internal/util"
)

// maxDryRunBodyBytes caps dry-run request payloads.
const maxDryRunBodyBytes = 1 << 20

// Admin serves the operator listener: metrics, probes, and dry-run
// decisions. It is never exposed on the public listener; the dry-run
// response carries the decision trail, which public responses must
// conceal.
type Admin struct {
	runtime func() *config.Runtime
	metrics *observability.Metrics
	checker *health.Checker
	logger  observability.Logger
}

// AdminOption is a functional option for the admin surface.
type AdminOption func(*Admin)

// WithAdminMetrics exposes the metrics registry on /metrics.
func WithAdminMetrics(m *observability.Metrics) AdminOption {
	return func(a *Admin) {
		a.metrics = m
	}
}

// WithAdminChecker exposes the health checker probes.
func WithAdminChecker(c *health.Checker) AdminOption {
	return func(a *Admin) {
		a.checker = c
	}
}

// WithAdminLogger sets the logger.
func WithAdminLogger(logger observability.Logger) AdminOption {
	return func(a *Admin) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdmin creates the admin surface over the current runtime.
func NewAdmin(runtime func() *config.Runtime, opts ...AdminOption) *Admin {
	a := &Admin{
		runtime: runtime,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Handler builds the admin mux.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()

	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
	}
	if a.checker != nil {
		mux.HandleFunc("/health", a.checker.HealthHandler())
		mux.HandleFunc("/ready", a.checker.ReadinessHandler())
		mux.HandleFunc("/live", a.checker.LivenessHandler())
	}
	mux.HandleFunc("POST /v1/decisions", a.handleDryRun)

	return mux
}

// dryRunRequest describes one synthetic request to decide.
type dryRunRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// dryRunResponse reports the full decision, trail included.
type dryRunResponse struct {
	Verdict    string                 `json:"verdict,omitempty"`
	Status     int                    `json:"status,omitempty"`
	Route      string                 `json:"route,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Resources  []string               `json:"resources,omitempty"`
	Violations []violationResponse    `json:"violations,omitempty"`
	Trail      []pipeline.StageRecord `json:"trail"`
	ElapsedMS  float64                `json:"elapsed_ms"`
	Error      string                 `json:"error,omitempty"`
}

// handleDryRun evaluates a synthetic request and reports the decision
// without forwarding anything.
func (a *Admin) handleDryRun(w http.ResponseWriter, r *http.Request) {
	rt := a.runtime()
	if rt == nil {
		a.renderError(w, http.StatusServiceUnavailable, "runtime not ready")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDryRunBodyBytes))
	if err != nil {
		a.renderError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}

	var in dryRunRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		a.renderError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if in.Method == "" || in.Path == "" {
		a.renderError(w, http.StatusBadRequest, "method and path are required")
		return
	}

	synthetic, err := http.NewRequestWithContext(r.Context(), in.Method, in.Path, nil)
	if err != nil {
		a.renderError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	for key, value := range in.Headers {
		synthetic.Header.Set(key, value)
	}

	res, evalErr := rt.Pipeline().Evaluate(r.Context(), pipeline.NewRequest(synthetic, []byte(in.Body)))

	a.auditDryRun(r, res, evalErr)

	resp := dryRunResponse{
		Trail:     res.Trail,
		ElapsedMS: durationMillis(res.Elapsed),
	}
	if evalErr != nil {
		resp.Error = evalErr.Error()
	} else {
		resp.Verdict = res.Verdict.String()
		resp.Status = res.Verdict.HTTPStatus()
	}
	if res.Route != nil {
		resp.Route = res.Route.Name
	}
	if res.Identity != nil {
		resp.Subject = res.Identity.Subject
	}
	if res.Resources != nil {
		resp.Resources = res.Resources.Names()
	}
	for _, v := range res.Violations {
		resp.Violations = append(resp.Violations, violationResponse{
			Field:   v.Field,
			Rule:    v.Rule,
			Message: v.Message,
		})
	}

	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("write dry-run response", observability.Error(err))
	}
}

// auditDryRun records the dry-run evaluation.
func (a *Admin) auditDryRun(r *http.Request, res *pipeline.Result, evalErr error) {
	rt := a.runtime()
	if rt == nil || rt.Audit() == nil {
		return
	}

	var outcome audit.Outcome
	switch {
	case evalErr != nil:
		outcome = audit.OutcomeError
	case res.Verdict == pipeline.VerdictAuthorized:
		outcome = audit.OutcomeSuccess
	default:
		outcome = audit.OutcomeDenied
	}

	event := audit.NewEvent(audit.EventTypeEvaluation, audit.ActionDryRun, outcome).
		WithSubject(&audit.Subject{IPAddress: util.ClientIP(r)}).
		WithDecision(&audit.DecisionDetails{
			Verdict: res.Verdict.String(),
			Trail:   res.Trail.Summary(),
		}).
		WithDuration(res.Elapsed)

	if evalErr != nil {
		details := &audit.ErrorDetails{Message: evalErr.Error()}
		var stageErr *util.StageError
		if errors.As(evalErr, &stageErr) {
			details.Stage = stageErr.Stage
			details.Message = stageErr.Cause.Error()
		}
		event.WithError(details)
	}

	rt.Audit().LogEvent(r.Context(), event)
}

// renderError writes an admin error response.
func (a *Admin) renderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// durationMillis converts a duration to fractional milliseconds.
func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

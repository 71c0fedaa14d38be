package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/middleware"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/pipeline"
	"github.com/voronkovm/authpipe/internal/util"
)

// Canned response bodies. Both not-found verdicts render bodyNotFound,
// the same constant, so the two cases cannot drift apart byte-wise.
// The fault body is distinct from bodyNotFound: an outage must never
// read as absence.
const (
	bodyNotFound        = `{"error":"not found"}`
	bodyUnauthenticated = `{"error":"unauthenticated"}`
	bodyForbidden       = `{"error":"forbidden"}`
	bodyUnavailable     = `{"error":"temporarily unavailable"}`
	bodyUnreadable      = `{"error":"unreadable request body"}`
)

// routeLabelUnmatched keeps the metrics route label bounded when no
// route matched. Raw request paths never become label values.
const routeLabelUnmatched = "unmatched"

// violationsResponse is the 400 body for failed input validation. It
// carries every violation so a caller can fix all problems in one
// round trip.
type violationsResponse struct {
	Error      string              `json:"error"`
	Violations []violationResponse `json:"violations"`
}

type violationResponse struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Handler decides every public request against the current runtime and
// renders the verdict. Authorized requests are forwarded to the
// route's upstream, or answered 204 when the route terminates here.
type Handler struct {
	runtime   func() *config.Runtime
	forwarder *Forwarder
	logger    observability.Logger
	metrics   *observability.Metrics
}

// HandlerOption is a functional option for the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHandlerMetrics enables request metrics.
func WithHandlerMetrics(m *observability.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithHandlerForwarder sets the upstream forwarder.
func WithHandlerForwarder(f *Forwarder) HandlerOption {
	return func(h *Handler) {
		if f != nil {
			h.forwarder = f
		}
	}
}

// NewHandler creates the decision handler. The runtime getter is read
// per request so configuration reloads take effect without restarting
// the listener.
func NewHandler(runtime func() *config.Runtime, opts ...HandlerOption) *Handler {
	h := &Handler{
		runtime:   runtime,
		forwarder: NewForwarder(),
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// statusWriter captures the status written by the forwarder.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime()
	if rt == nil {
		h.render(w, http.StatusServiceUnavailable, bodyUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.renderBodyError(w, r, rt, err)
		return
	}

	start := time.Now()
	res, evalErr := rt.Pipeline().Evaluate(r.Context(), pipeline.NewRequest(r, body))

	annotations := util.AnnotationsFromContext(r.Context())
	if res.Route != nil {
		annotations.SetRoute(res.Route.Name)
	}

	if evalErr != nil {
		annotations.SetVerdict("error")
		h.audit(r, rt, res, evalErr)
		h.record(r.Method, routeLabel(res), http.StatusServiceUnavailable, time.Since(start))
		h.render(w, http.StatusServiceUnavailable, bodyUnavailable)
		return
	}

	annotations.SetVerdict(res.Verdict.String())
	h.audit(r, rt, res, nil)

	switch res.Verdict {
	case pipeline.VerdictAuthorized:
		h.serveAuthorized(w, r, res, body, start)

	case pipeline.VerdictValidationFailed:
		h.record(r.Method, routeLabel(res), http.StatusBadRequest, time.Since(start))
		h.renderViolations(w, res)

	case pipeline.VerdictUnauthenticated:
		w.Header().Set("WWW-Authenticate", "Bearer")
		h.record(r.Method, routeLabel(res), http.StatusUnauthorized, time.Since(start))
		h.render(w, http.StatusUnauthorized, bodyUnauthenticated)

	case pipeline.VerdictRouteForbidden:
		h.record(r.Method, routeLabel(res), http.StatusForbidden, time.Since(start))
		h.render(w, http.StatusForbidden, bodyForbidden)

	default:
		// VerdictRouteNotFound and VerdictResourceNotFound, one body.
		h.record(r.Method, routeLabel(res), http.StatusNotFound, time.Since(start))
		h.render(w, http.StatusNotFound, bodyNotFound)
	}
}

// serveAuthorized forwards to the upstream or answers 204 when the
// route terminates at this service.
func (h *Handler) serveAuthorized(
	w http.ResponseWriter,
	r *http.Request,
	res *pipeline.Result,
	body []byte,
	start time.Time,
) {
	if res.Route.Upstream == "" {
		h.record(r.Method, res.Route.Name, http.StatusNoContent, time.Since(start))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The pipeline consumed the body; hand the upstream a fresh copy.
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.forwarder.Forward(sw, r, res)
	h.record(r.Method, res.Route.Name, sw.status, time.Since(start))
}

// renderBodyError maps a failed body read. A capped read surfaces as
// *http.MaxBytesError from the limiter installed upstream.
func (h *Handler) renderBodyError(w http.ResponseWriter, r *http.Request, rt *config.Runtime, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		if h.metrics != nil {
			h.metrics.RecordOversizedBody()
		}
		if logger := rt.Audit(); logger != nil {
			logger.LogSecurity(r.Context(),
				audit.ActionBodyLimitExceeded, audit.OutcomeDenied,
				&audit.Subject{IPAddress: util.ClientIP(r)},
				map[string]interface{}{
					"method":    r.Method,
					"path":      r.URL.Path,
					"max_bytes": maxErr.Limit,
				})
		}
		h.render(w, http.StatusRequestEntityTooLarge, middleware.ErrRequestEntityTooLarge)
		return
	}

	h.logger.Debug("request body read failed",
		observability.String("path", r.URL.Path),
		observability.Error(err),
	)
	h.render(w, http.StatusBadRequest, bodyUnreadable)
}

// renderViolations writes the full violation list.
func (h *Handler) renderViolations(w http.ResponseWriter, res *pipeline.Result) {
	resp := violationsResponse{
		Error:      "validation failed",
		Violations: make([]violationResponse, 0, len(res.Violations)),
	}
	for _, v := range res.Violations {
		resp.Violations = append(resp.Violations, violationResponse{
			Field:   v.Field,
			Rule:    v.Rule,
			Message: v.Message,
		})
	}

	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	w.WriteHeader(http.StatusBadRequest)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("write violations response", observability.Error(err))
	}
}

// render writes a canned JSON response.
func (h *Handler) render(w http.ResponseWriter, status int, body string) {
	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// record emits the request metric.
func (h *Handler) record(method, route string, status int, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordRequest(method, route, status, elapsed)
}

// routeLabel is the bounded metrics label for the matched route.
func routeLabel(res *pipeline.Result) string {
	if res == nil || res.Route == nil {
		return routeLabelUnmatched
	}
	return res.Route.Name
}

// audit emits one evaluation event per decided request.
func (h *Handler) audit(r *http.Request, rt *config.Runtime, res *pipeline.Result, evalErr error) {
	logger := rt.Audit()
	if logger == nil {
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

	subject := &audit.Subject{
		IPAddress: util.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if res.Identity != nil {
		subject.ID = res.Identity.Subject
		subject.AuthType = string(res.Identity.AuthType)
		subject.Issuer = res.Identity.Issuer
		subject.Roles = res.Identity.Roles
	}

	request := &audit.RequestDetails{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
	}
	if res.Route != nil {
		request.Route = res.Route.Name
	}

	decision := &audit.DecisionDetails{
		Verdict:    res.Verdict.String(),
		Trail:      res.Trail.Summary(),
		Violations: len(res.Violations),
	}
	if last, ok := res.Trail.Last(); ok {
		decision.Reason = last.Reason
	}
	if res.Resources != nil {
		decision.Resources = res.Resources.Names()
	}

	event := audit.EvaluationEvent(outcome, subject, request, decision).
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

	logger.LogEvent(r.Context(), event)
}

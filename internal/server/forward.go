package server

import (
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/pipeline"
)

// Forwarded context headers. The forwarder strips any inbound headers
// with these prefixes before injecting its own, so a caller can never
// smuggle an identity or resource claim past the decision.
const (
	HeaderAuthSubject    = "X-Auth-Subject"
	HeaderAuthRoles      = "X-Auth-Roles"
	headerResourcePrefix = "X-Resource-"
)

// Forwarder sends authorized requests to the route's upstream with the
// resolved decision context attached as headers.
type Forwarder struct {
	logger        observability.Logger
	transport     http.RoundTripper
	flushInterval time.Duration
}

// ForwarderOption is a functional option for the forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithForwarderTransport sets the upstream transport.
func WithForwarderTransport(transport http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.transport = transport
	}
}

// WithFlushInterval sets the flush interval for streaming upstream
// responses.
func WithFlushInterval(interval time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.flushInterval = interval
	}
}

// NewForwarder creates a forwarder.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		logger:        observability.NopLogger(),
		flushInterval: -1,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Forward proxies the request to the result's upstream. The upstream
// response passes through untouched; only request headers are
// decorated.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, res *pipeline.Result) {
	target, err := url.Parse(res.Route.Upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		f.logger.Error("invalid upstream",
			observability.String("route", res.Route.Name),
			observability.String("upstream", res.Route.Upstream),
			observability.Error(err),
		)
		f.renderBadGateway(w)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		f.decorate(req, target, r, res)
	}
	proxy.Transport = f.transport
	proxy.FlushInterval = f.flushInterval
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		f.logger.Error("upstream request failed",
			observability.String("route", res.Route.Name),
			observability.String("upstream", res.Route.Upstream),
			observability.Error(err),
		)
		f.renderBadGateway(w)
	}

	proxy.ServeHTTP(w, r)
}

// decorate prepares the outbound request: spoofable headers removed,
// decision context and forwarding headers set. Hop-by-hop headers and
// X-Forwarded-For are handled by the reverse proxy itself after the
// director runs.
func (f *Forwarder) decorate(req *http.Request, target *url.URL, original *http.Request, res *pipeline.Result) {
	stripDecisionHeaders(req.Header)

	if res.Identity != nil && !res.Identity.IsAnonymous() {
		req.Header.Set(HeaderAuthSubject, res.Identity.Subject)
		if len(res.Identity.Roles) > 0 {
			req.Header.Set(HeaderAuthRoles, strings.Join(res.Identity.Roles, ","))
		}
	}

	if res.Resources != nil {
		for _, name := range res.Resources.Names() {
			rsrc, _ := res.Resources.Get(name)
			req.Header.Set(resourceHeader(name), rsrc.Key)
		}
	}

	if original.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", original.Host)

	req.Host = target.Host
}

// stripDecisionHeaders removes inbound decision context headers.
func stripDecisionHeaders(h http.Header) {
	h.Del(HeaderAuthSubject)
	h.Del(HeaderAuthRoles)
	for key := range h {
		if strings.HasPrefix(key, headerResourcePrefix) {
			h.Del(key)
		}
	}
}

// resourceHeader builds the header name carrying one resource key.
func resourceHeader(name string) string {
	return http.CanonicalHeaderKey(headerResourcePrefix + name)
}

// renderBadGateway writes the upstream failure response.
func (f *Forwarder) renderBadGateway(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, `{"error":"upstream unavailable"}`)
}

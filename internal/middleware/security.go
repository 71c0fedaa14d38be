package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/voronkovm/authpipe/internal/config"
)

// DefaultFrameOptions is the X-Frame-Options value when none is
// configured.
const DefaultFrameOptions = "DENY"

// responseHeadersRemoved are stripped from every response so neither
// this service nor an upstream leaks its software stack.
var responseHeadersRemoved = []string{"Server", "X-Powered-By"}

// securityWriter injects the hardening headers when the response
// status is committed, so upstream-provided headers are already in
// place and can take precedence where they should.
type securityWriter struct {
	http.ResponseWriter
	frameOptions string
	hstsValue    string
	wroteHeader  bool
}

func (w *securityWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		h := w.Header()

		setIfAbsent(h, "X-Content-Type-Options", "nosniff")
		setIfAbsent(h, "X-Frame-Options", w.frameOptions)
		if w.hstsValue != "" {
			setIfAbsent(h, "Strict-Transport-Security", w.hstsValue)
		}
		// Decisions must never be served from a shared cache; an
		// upstream's own caching policy wins for forwarded content.
		setIfAbsent(h, "Cache-Control", "no-store")

		for _, name := range responseHeadersRemoved {
			h.Del(name)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *securityWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *securityWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// setIfAbsent sets the header only when no value is present yet.
func setIfAbsent(h http.Header, name, value string) {
	if h.Get(name) == "" {
		h.Set(name, value)
	}
}

// isSecure reports whether the request arrived over TLS, directly or
// per an edge proxy's X-Forwarded-Proto.
func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// SecurityHeadersFromConfig builds the response hardening middleware
// from the server section. Disabled or missing config yields a
// pass-through.
func SecurityHeadersFromConfig(cfg *config.SecurityHeadersConfig) Middleware {
	if cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	frameOptions := cfg.FrameOptions
	if frameOptions == "" {
		frameOptions = DefaultFrameOptions
	}

	hstsValue := ""
	if maxAge := cfg.HSTSMaxAge.Duration(); maxAge > 0 {
		hstsValue = "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &securityWriter{
				ResponseWriter: w,
				frameOptions:   frameOptions,
			}
			if hstsValue != "" && isSecure(r) {
				sw.hstsValue = hstsValue
			}
			next.ServeHTTP(sw, r)
		})
	}
}

package middleware

import (
	"net/http"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

// responseWriter wraps http.ResponseWriter to capture status and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher for streaming upstreams.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging returns a middleware that writes one structured line per
// request. It installs the annotation holder the guard handler fills
// with the matched route and verdict, so the line carries both even
// though they are decided further down the chain.
func Logging(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, annotations := util.ContextWithAnnotations(r.Context())
			r = r.WithContext(ctx)

			rw := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rw.status),
				observability.Int("size", rw.size),
				observability.Duration("duration", time.Since(start)),
				observability.String("client_ip", util.ClientIP(r)),
				observability.String("user_agent", r.UserAgent()),
				observability.String("request_id", util.RequestIDFromContext(r.Context())),
			}
			if route := annotations.Route(); route != "" {
				fields = append(fields, observability.String("route", route))
			}
			if verdict := annotations.Verdict(); verdict != "" {
				fields = append(fields, observability.String("verdict", verdict))
			}

			logger.Info("http request", fields...)
		})
	}
}

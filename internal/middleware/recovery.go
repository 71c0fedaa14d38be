package middleware

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

// Recovery returns a middleware that turns handler panics into 500
// responses with a stack log and a security audit event.
// http.ErrAbortHandler is re-raised; the reverse proxy uses it to
// abort on client disconnect and the server suppresses it.
func Recovery(logger observability.Logger, m *observability.Metrics, auditLog audit.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}

					logger.Error("panic recovered",
						observability.String("path", r.URL.Path),
						observability.String("method", r.Method),
						observability.Any("error", err),
						observability.String("stack", string(debug.Stack())),
					)

					if m != nil {
						m.RecordPanicRecovered()
					}
					if auditLog != nil {
						auditLog.LogSecurity(r.Context(),
							audit.ActionPanicRecovered, audit.OutcomeError,
							&audit.Subject{IPAddress: util.ClientIP(r)},
							map[string]interface{}{
								"method": r.Method,
								"path":   r.URL.Path,
							})
					}

					w.Header().Set(HeaderContentType, ContentTypeJSON)
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = io.WriteString(w, ErrInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

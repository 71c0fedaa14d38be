package middleware

import (
	"io"
	"net/http"

	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

// BodyLimit returns a middleware that caps request body size. A
// declared Content-Length over the cap is rejected with 413 before the
// handler runs; bodies without a declared length are capped during
// reading via http.MaxBytesReader, which surfaces as a
// *http.MaxBytesError from the handler's read. A non-positive cap
// disables the limit.
func BodyLimit(maxBytes int64, logger observability.Logger, m *observability.Metrics, auditLog audit.Logger) Middleware {
	if maxBytes <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				logger.Warn("request body too large",
					observability.Int64("content_length", r.ContentLength),
					observability.Int64("max_bytes", maxBytes),
					observability.String("path", r.URL.Path),
				)
				if m != nil {
					m.RecordOversizedBody()
				}
				if auditLog != nil {
					auditLog.LogSecurity(r.Context(),
						audit.ActionBodyLimitExceeded, audit.OutcomeDenied,
						&audit.Subject{IPAddress: util.ClientIP(r)},
						map[string]interface{}{
							"method":         r.Method,
							"path":           r.URL.Path,
							"content_length": r.ContentLength,
							"max_bytes":      maxBytes,
						})
				}

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = io.WriteString(w, ErrRequestEntityTooLarge)
				return
			}

			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}

			next.ServeHTTP(w, r)
		})
	}
}

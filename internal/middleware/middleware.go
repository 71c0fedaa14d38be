// Package middleware provides the HTTP middleware for the public
// listener. Everything here is a transport concern: request IDs, panic
// recovery, request logging, rate limiting, and body size limits.
// Decision semantics live in the pipeline; no middleware alters them.
package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares around h in declaration order: the first
// middleware is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderRetryAfter is the Retry-After header name.
	HeaderRetryAfter = "Retry-After"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// Error response bodies.
const (
	// ErrRateLimitExceeded is the body sent on 429.
	ErrRateLimitExceeded = `{"error":"rate limit exceeded"}`

	// ErrRequestEntityTooLarge is the body sent on 413.
	ErrRequestEntityTooLarge = `{"error":"request entity too large"}`

	// ErrInternalServerError is the body sent on a recovered panic.
	ErrInternalServerError = `{"error":"internal server error"}`
)

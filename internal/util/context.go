package util

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
)

// Context keys.
type ctxKey string

const (
	ctxKeyRequestID   ctxKey = "request_id"
	ctxKeyAnnotations ctxKey = "annotations"
)

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// Annotations collects per-request facts written by inner handlers for
// outer middleware to read after the handler returns. The context
// carries a pointer, so writes made below the handoff stay visible
// above it. The route name recorded here is what request metrics use
// as their route label; raw paths never become metric labels.
type Annotations struct {
	mu      sync.Mutex
	route   string
	verdict string
}

// SetRoute records the matched route name. Safe on a nil receiver.
func (a *Annotations) SetRoute(route string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.route = route
	a.mu.Unlock()
}

// Route returns the recorded route name.
func (a *Annotations) Route() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.route
}

// SetVerdict records the terminal verdict kind. Safe on a nil
// receiver.
func (a *Annotations) SetVerdict(verdict string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.verdict = verdict
	a.mu.Unlock()
}

// Verdict returns the recorded verdict kind.
func (a *Annotations) Verdict() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verdict
}

// ContextWithAnnotations installs a fresh annotation holder and
// returns it alongside the derived context.
func ContextWithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	a := &Annotations{}
	return context.WithValue(ctx, ctxKeyAnnotations, a), a
}

// AnnotationsFromContext returns the installed holder, or nil. All
// holder methods tolerate nil, so callers need not check.
func AnnotationsFromContext(ctx context.Context) *Annotations {
	if a, ok := ctx.Value(ctxKeyAnnotations).(*Annotations); ok {
		return a
	}
	return nil
}

// ClientIP extracts the client IP from a request, honouring
// X-Forwarded-For and X-Real-IP before falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

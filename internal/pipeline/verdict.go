package pipeline

import "net/http"

// Verdict is the single terminal outcome of one pipeline run. Exactly
// one verdict is produced per request and it never changes once set.
//
// A resource-access denial is already collapsed into ResourceNotFound
// by the time a verdict exists: callers of the pipeline cannot tell a
// denied resource from an absent one, and the rendered responses for
// the two cases are identical.
type Verdict string

const (
	// VerdictRouteNotFound means no registered route matches the
	// request method and path. A path registered under a different
	// method renders the same way.
	VerdictRouteNotFound Verdict = "route_not_found"

	// VerdictUnauthenticated means the route requires credentials and
	// the request carried none, or carried invalid ones.
	VerdictUnauthenticated Verdict = "unauthenticated"

	// VerdictResourceNotFound means a declared resource does not exist
	// or the caller is not permitted to perceive it.
	VerdictResourceNotFound Verdict = "resource_not_found"

	// VerdictRouteForbidden means the caller may not invoke this route
	// regardless of the targeted resource. Route-level privilege is
	// not hidden: the route's existence is public knowledge.
	VerdictRouteForbidden Verdict = "route_forbidden"

	// VerdictValidationFailed means the input violated the route's
	// schema. The result carries every violation, not just the first.
	VerdictValidationFailed Verdict = "validation_failed"

	// VerdictAuthorized means every stage passed and the request may
	// reach its handler.
	VerdictAuthorized Verdict = "authorized"
)

// String returns the verdict label used in metrics and logs.
func (v Verdict) String() string {
	return string(v)
}

// HTTPStatus maps the verdict to its response status. Both not-found
// verdicts map to the same status so the transport layer cannot
// accidentally distinguish them.
func (v Verdict) HTTPStatus() int {
	switch v {
	case VerdictRouteNotFound, VerdictResourceNotFound:
		return http.StatusNotFound
	case VerdictUnauthenticated:
		return http.StatusUnauthorized
	case VerdictRouteForbidden:
		return http.StatusForbidden
	case VerdictValidationFailed:
		return http.StatusBadRequest
	case VerdictAuthorized:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

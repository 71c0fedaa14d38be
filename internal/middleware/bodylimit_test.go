package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/observability"
)

func TestBodyLimit_RejectsDeclaredOversize(t *testing.T) {
	t.Parallel()

	m := observability.NewMetrics("bodylimit_test")
	auditLog := &fakeAuditLogger{}
	invoked := false
	h := BodyLimit(10, observability.NopLogger(), m, auditLog)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invoked = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.False(t, invoked)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, ContentTypeJSON, rec.Header().Get(HeaderContentType))
	assert.JSONEq(t, ErrRequestEntityTooLarge, rec.Body.String())
	assert.Equal(t, 1.0, counterValue(t, m, "bodylimit_test_http_oversized_bodies_total"))

	require.Len(t, auditLog.actions, 1)
	assert.Equal(t, audit.ActionBodyLimitExceeded, auditLog.actions[0])
	assert.Equal(t, audit.OutcomeDenied, auditLog.outcomes[0])
	assert.Equal(t, "/upload", auditLog.details[0]["path"])
	assert.Equal(t, int64(10), auditLog.details[0]["max_bytes"])
}

func TestBodyLimit_AllowsUnderCap(t *testing.T) {
	t.Parallel()

	h := BodyLimit(64, observability.NopLogger(), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Write(body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestBodyLimit_CapsUndeclaredLength(t *testing.T) {
	t.Parallel()

	var readErr error
	h := BodyLimit(10, observability.NopLogger(), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	// A chunked request declares no length, so the early check cannot
	// catch it. The cap has to surface from the read instead.
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Error(t, readErr)
	var maxErr *http.MaxBytesError
	assert.True(t, errors.As(readErr, &maxErr))
}

func TestBodyLimit_ZeroDisables(t *testing.T) {
	t.Parallel()

	h := BodyLimit(0, observability.NopLogger(), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Write(body)
	}))

	large := strings.Repeat("x", 1<<16)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(large))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Body.String(), 1<<16)
}

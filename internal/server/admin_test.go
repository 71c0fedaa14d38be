package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/health"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/pipeline"
)

func newAdminSurface(t *testing.T, cfg *config.Config, opts ...AdminOption) http.Handler {
	t.Helper()

	rt, err := config.Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	return NewAdmin(func() *config.Runtime { return rt }, opts...).Handler()
}

func dryRun(t *testing.T, h http.Handler, in dryRunRequest) (*httptest.ResponseRecorder, dryRunResponse) {
	t.Helper()

	payload, err := json.Marshal(in)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions",
		strings.NewReader(string(payload))))

	var resp dryRunResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestAdmin_DryRunAuthorized(t *testing.T) {
	t.Parallel()

	h := newAdminSurface(t, decisionConfig(t, ""))

	rec, resp := dryRun(t, h, dryRunRequest{Method: "GET", Path: "/documents/doc-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "authorized", resp.Verdict)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "get-document", resp.Route)
	assert.Equal(t, []string{"document"}, resp.Resources)
	assert.Empty(t, resp.Error)

	// The trail is the point of this endpoint: every stage, in order.
	require.NotEmpty(t, resp.Trail)
	assert.Equal(t, pipeline.StageRouteResolution, resp.Trail[0].Stage)
	assert.Equal(t, pipeline.OutcomePass, resp.Trail[0].Outcome)
}

func TestAdmin_DryRunExplainsHiddenDenial(t *testing.T) {
	t.Parallel()

	h := newAdminSurface(t, decisionConfig(t, ""))

	rec, resp := dryRun(t, h, dryRunRequest{Method: "GET", Path: "/documents/doc-2"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "resource_not_found", resp.Verdict)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	// Publicly this is a plain 404; here the operator sees which stage
	// said no.
	last := resp.Trail[len(resp.Trail)-1]
	assert.Equal(t, pipeline.StageResourceAccess, last.Stage)
	assert.Equal(t, pipeline.OutcomeFail, last.Outcome)
}

func TestAdmin_DryRunCarriesHeaders(t *testing.T) {
	t.Parallel()

	h := newAdminSurface(t, decisionConfig(t, ""))

	rec, resp := dryRun(t, h, dryRunRequest{
		Method:  "POST",
		Path:    "/admin/reindex",
		Headers: map[string]string{"X-API-Key": editorKey},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "route_forbidden", resp.Verdict)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "editor-1", resp.Subject)
}

func TestAdmin_DryRunReportsViolations(t *testing.T) {
	t.Parallel()

	h := newAdminSurface(t, decisionConfig(t, ""))

	rec, resp := dryRun(t, h, dryRunRequest{
		Method: "POST",
		Path:   "/documents",
		Body:   `{"title":"ab","pages":0}`,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "validation_failed", resp.Verdict)
	require.Len(t, resp.Violations, 2)
	assert.Equal(t, "body.title", resp.Violations[0].Field)
	assert.Equal(t, "body.pages", resp.Violations[1].Field)
}

func TestAdmin_DryRunRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := newAdminSurface(t, decisionConfig(t, ""))

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "invalid json", body: `{"method":`, want: http.StatusBadRequest},
		{name: "missing method", body: `{"path":"/ping"}`, want: http.StatusBadRequest},
		{name: "missing path", body: `{"method":"GET"}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions",
				strings.NewReader(tt.body)))

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdmin_DryRunMethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := newAdminSurface(t, decisionConfig(t, ""))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/decisions", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdmin_DryRunNilRuntime(t *testing.T) {
	t.Parallel()

	h := NewAdmin(func() *config.Runtime { return nil }).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions",
		strings.NewReader(`{"method":"GET","path":"/ping"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_Probes(t *testing.T) {
	t.Parallel()

	checker := health.NewChecker("1.2.3")
	m := observability.NewMetrics("admin_probe_test")
	h := newAdminSurface(t, decisionConfig(t, ""),
		WithAdminChecker(checker),
		WithAdminMetrics(m),
	)

	for _, path := range []string{"/live", "/ready", "/health", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAdmin_ProbesAbsentWithoutChecker(t *testing.T) {
	t.Parallel()

	h := newAdminSurface(t, decisionConfig(t, ""))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

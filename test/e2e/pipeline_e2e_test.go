//go:build e2e
// +build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Seeded API keys. The store holds records under the sha256 of the
// presented key.
const (
	editorKey  = "e2e-editor-key"
	editorHash = "8cabea13c939a7241f0afbdf9dcaa59371980cdceaea6e2d6e87e38baa16a204"
	bobKey     = "e2e-bob-key"
	bobHash    = "38dda95bc8507e2cabb9e02851b5e953742224639c5d33ab7ace3ed7b0f1042c"
	carolKey   = "e2e-carol-key"
	carolHash  = "06d92f611fe7d98cc69294eb64df3f9ea804ca02df97fae63172b579f3b0033a"
)

// documentStack is the full stack a small document service would put in
// front of its API: anonymous reads guarded by a resource policy,
// writes gated on a role and an input schema. The upstream placeholder
// is filled per test.
const documentStack = `
server:
  listen: "127.0.0.1:0"
  adminListen: "127.0.0.1:0"

log:
  level: error
  format: json
  output: stderr

stores:
  - name: main
    type: memory
    memory:
      seed:
        documents:
          doc-1:
            title: "Getting started"
            public: true
            ownerId: alice
          doc-2:
            title: "Q3 forecast"
            public: false
            ownerId: bob
        api_keys:
          %[1]s:
            subject: editor-1
            hash: %[1]s
            enabled: true
            roles: [editor]
          %[2]s:
            subject: bob
            hash: %[2]s
            enabled: true
          %[3]s:
            subject: carol
            hash: %[3]s
            enabled: true

loaders:
  - name: documents
    store: main
    collection: documents

identity:
  apiKey:
    store: main
    collection: api_keys

access:
  policies:
    - name: document-access
      rules:
        - name: public
          match:
            public: true
        - name: owner
          ownerField: ownerId
        - name: editors
          roles: [editor]

routes:
  - name: get-document
    method: GET
    path: /documents/{id}
    allowAnonymous: true
    resourcePolicy: document-access
    resources:
      - name: document
        loader: documents
        param: id

  - name: create-document
    method: POST
    path: /documents
    requirement:
      roles: [editor]
    schema:
      body:
        - name: title
          type: string
          required: true
          minLength: 3
    upstream: "%[4]s"

  - name: ping
    method: GET
    path: /ping
    allowAnonymous: true
`

// renderedStack fills a document template's key hashes and upstream.
func renderedStack(template, upstream string) string {
	return fmt.Sprintf(template, editorHash, bobHash, carolHash, upstream)
}

func documentStackPath(t *testing.T, upstream string) string {
	t.Helper()
	return writeDocument(t, renderedStack(documentStack, upstream))
}

func TestE2E_DecisionSurface(t *testing.T) {
	srv := startStack(t, documentStackPath(t, ""))
	base := "http://" + srv.PublicAddr()

	t.Run("anonymous route", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, base+"/ping", "", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("public resource readable without credentials", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, base+"/documents/doc-1", "", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("owner and role grants", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, base+"/documents/doc-2", bobKey, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, "owner")

		resp, _ = doRequest(t, http.MethodGet, base+"/documents/doc-2", editorKey, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, "editor role")
	})

	t.Run("denied and missing read as the same absence", func(t *testing.T) {
		missResp, missBody := doRequest(t, http.MethodGet, base+"/no-such-route", "", "")
		require.Equal(t, http.StatusNotFound, missResp.StatusCode)

		deniedResp, deniedBody := doRequest(t, http.MethodGet, base+"/documents/doc-2", carolKey, "")
		assert.Equal(t, http.StatusNotFound, deniedResp.StatusCode)
		assert.Equal(t, missBody, deniedBody)

		anonResp, anonBody := doRequest(t, http.MethodGet, base+"/documents/doc-2", "", "")
		assert.Equal(t, http.StatusNotFound, anonResp.StatusCode)
		assert.Equal(t, missBody, anonBody)

		absentResp, absentBody := doRequest(t, http.MethodGet, base+"/documents/doc-404", bobKey, "")
		assert.Equal(t, http.StatusNotFound, absentResp.StatusCode)
		assert.Equal(t, missBody, absentBody)
	})

	t.Run("invalid credentials ignored on anonymous routes", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, base+"/ping", "no-such-key", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("write requires authentication", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodPost, base+"/documents", "", `{"title":"New document"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

		resp, _ = doRequest(t, http.MethodPost, base+"/documents", "no-such-key", `{"title":"New document"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "invalid key on a protected route")
	})

	t.Run("write without the role is forbidden, not hidden", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, base+"/documents", bobKey, `{"title":"New document"}`)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.JSONEq(t, `{"error":"forbidden"}`, body)
	})

	t.Run("schema violations come back in full", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, base+"/documents", editorKey, `{"title":"ab"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var out struct {
			Error      string `json:"error"`
			Violations []struct {
				Field string `json:"field"`
				Rule  string `json:"rule"`
			} `json:"violations"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		assert.Equal(t, "validation failed", out.Error)
		require.Len(t, out.Violations, 1)
		assert.Equal(t, "body.title", out.Violations[0].Field)
		assert.Equal(t, "minLength", out.Violations[0].Rule)
	})
}

func TestE2E_ForwardedRequest(t *testing.T) {
	type seen struct {
		subject string
		roles   string
		forged  string
		body    string
	}
	var got seen

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		got = seen{
			subject: r.Header.Get("X-Auth-Subject"),
			roles:   r.Header.Get("X-Auth-Roles"),
			forged:  r.Header.Get("X-Resource-Fake"),
			body:    string(payload),
		}
		w.Header().Set("X-Upstream", "documents")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"doc-3"}`)
	}))
	t.Cleanup(upstream.Close)

	srv := startStack(t, documentStackPath(t, upstream.URL))

	req, err := http.NewRequest(http.MethodPost,
		"http://"+srv.PublicAddr()+"/documents",
		strings.NewReader(`{"title":"Launch plan"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", editorKey)
	req.Header.Set("Content-Type", "application/json")
	// A caller must not be able to smuggle decision headers past us.
	req.Header.Set("X-Auth-Subject", "root")
	req.Header.Set("X-Resource-Fake", "forged")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"doc-3"}`, string(body))
	assert.Equal(t, "documents", resp.Header.Get("X-Upstream"))
	assert.Equal(t, "editor-1", got.subject)
	assert.Equal(t, "editor", got.roles)
	assert.Empty(t, got.forged)
	assert.Equal(t, `{"title":"Launch plan"}`, got.body)
}

func TestE2E_AdminDryRun(t *testing.T) {
	srv := startStack(t, documentStackPath(t, ""))
	adminURL := "http://" + srv.AdminAddr() + "/v1/decisions"

	decide := func(t *testing.T, payload string) string {
		t.Helper()
		resp, body := doRequest(t, http.MethodPost, adminURL, "", payload)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return body
	}

	t.Run("authorized decision carries the trail", func(t *testing.T) {
		body := decide(t, `{"method":"GET","path":"/documents/doc-2","headers":{"X-API-Key":"`+bobKey+`"}}`)

		var out struct {
			Verdict string `json:"verdict"`
			Status  int    `json:"status"`
			Subject string `json:"subject"`
			Trail   []struct {
				Stage   string `json:"stage"`
				Outcome string `json:"outcome"`
			} `json:"trail"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		assert.Equal(t, "authorized", out.Verdict)
		assert.Equal(t, http.StatusNoContent, out.Status)
		assert.Equal(t, "bob", out.Subject)
		assert.NotEmpty(t, out.Trail)
	})

	t.Run("hidden denial is explained to operators", func(t *testing.T) {
		body := decide(t, `{"method":"GET","path":"/documents/doc-2","headers":{"X-API-Key":"`+carolKey+`"}}`)

		var out struct {
			Status int `json:"status"`
			Trail  []struct {
				Outcome string `json:"outcome"`
			} `json:"trail"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		assert.Equal(t, http.StatusNotFound, out.Status)
		assert.NotEmpty(t, out.Trail, "the dry run must reveal what the public response hides")
	})

	t.Run("decision endpoint absent from the public listener", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost,
			"http://"+srv.PublicAddr()+"/v1/decisions", "",
			`{"method":"GET","path":"/ping"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.NotContains(t, body, "trail")
	})
}

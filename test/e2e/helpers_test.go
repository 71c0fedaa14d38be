//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/server"
)

// writeDocument writes a configuration document into a temp dir and
// returns its path. The same path can be rewritten later to drive the
// watcher.
func writeDocument(t *testing.T, document string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "authpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o600))
	return path
}

// startStack loads the document from disk, builds the runtime, and
// starts both listeners on ephemeral ports. This is the same boot path
// the binary takes.
func startStack(t *testing.T, path string) *server.Server {
	t.Helper()

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, config.ValidateConfig(cfg))

	rt, err := config.Build(context.Background(), cfg)
	require.NoError(t, err)

	srv, err := server.New(cfg, rt)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	return srv
}

// doRequest performs one HTTP request against a started stack and
// returns the response with its body drained.
func doRequest(t *testing.T, method, url, apiKey, body string) (*http.Response, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(payload)
}

// awaitStatus polls url until it answers with the wanted status or the
// deadline passes.
func awaitStatus(t *testing.T, url string, want int, deadline time.Duration) bool {
	t.Helper()

	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == want {
				return true
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

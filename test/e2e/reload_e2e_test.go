//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/observability"
)

// watchedServer wires the watcher to the server the way the binary
// does: every accepted document change is applied with Reload, and
// reload errors are surfaced on a channel so the test can observe a
// rejected document.
func watchedServer(t *testing.T, path string) (publicBase string, errs <-chan error) {
	t.Helper()

	srv := startStack(t, path)

	reloadErrs := make(chan error, 8)
	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reloadErrs <- srv.Reload(ctx, cfg)
	},
		config.WithDebounceDelay(50*time.Millisecond),
		config.WithWatcherLogger(observability.NopLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, watcher.Start(context.Background()))
	t.Cleanup(func() { _ = watcher.Stop() })

	return "http://" + srv.PublicAddr(), reloadErrs
}

func awaitReload(t *testing.T, errs <-chan error) error {
	t.Helper()

	select {
	case err := <-errs:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("no reload observed")
		return nil
	}
}

func TestE2E_HotReload(t *testing.T) {
	path := documentStackPath(t, "")
	base, errs := watchedServer(t, path)

	resp, _ := doRequest(t, http.MethodGet, base+"/v2/status", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	extended := documentStack + `
  - name: status-v2
    method: GET
    path: /v2/status
    allowAnonymous: true
`
	require.NoError(t, os.WriteFile(path, []byte(renderedStack(extended, "")), 0o600))

	require.NoError(t, awaitReload(t, errs))
	assert.True(t, awaitStatus(t, base+"/v2/status", http.StatusNoContent, 5*time.Second))

	// The routes that were already there keep serving.
	resp, _ = doRequest(t, http.MethodGet, base+"/ping", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestE2E_RejectedReloadKeepsServing(t *testing.T) {
	path := documentStackPath(t, "")
	base, errs := watchedServer(t, path)

	resp, _ := doRequest(t, http.MethodGet, base+"/ping", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Parses fine, fails validation: a service without routes.
	broken := `
server:
  listen: "127.0.0.1:0"
  adminListen: "127.0.0.1:0"
routes: []
`
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

	require.Error(t, awaitReload(t, errs))
	resp, _ = doRequest(t, http.MethodGet, base+"/ping", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode,
		"last good configuration must keep serving")
}

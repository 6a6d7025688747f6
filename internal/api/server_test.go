package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/merge"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	merger, err := merge.NewDirMerger(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(nil, merger, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		require.NoError(t, resp.Body.Close())
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	merger, err := merge.NewDirMerger(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, merger.CloseOnDiskFile("/data/input_0.out"))

	srv := httptest.NewServer(NewServer(nil, merger, zap.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["disk_files_merged"])
	assert.Equal(t, float64(0), body["reserved_memory_bytes"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

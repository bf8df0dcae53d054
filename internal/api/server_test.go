package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestProbes(t *testing.T) {
	t.Parallel()

	s := NewServer(Sources{}, "run-1", zap.NewNop())
	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/readyz").Code)
	s.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, s, "/readyz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(Sources{}, "", nil)
	_ = get(t, s, "/healthz")
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nextscan_http_requests_total")
}

func TestMissingSourcesReturnNotFound(t *testing.T) {
	t.Parallel()

	s := NewServer(Sources{}, "", nil)
	for _, path := range []string{"/v1/stats", "/v1/failures", "/v1/proxies"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, http.StatusNotFound, get(t, s, path).Code)
		})
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	stats := crawler.NewStats()
	stats.RecordSucceeded(4, []crawler.Finding{{Domain: "a.example", URL: "https://a.example/", Confidence: crawler.ConfidenceHigh}})
	stats.RecordFailed()

	body := decode(t, get(t, NewServer(Sources{Stats: stats}, "run-7", nil), "/v1/stats"))
	assert.Equal(t, "run-7", body["run_id"])
	snap := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, snap["processed"])
	assert.EqualValues(t, 1, snap["findings"])
	assert.EqualValues(t, 4, snap["records_parsed"])
}

func TestFailures(t *testing.T) {
	t.Parallel()

	tracker := failure.NewTracker(failure.Config{Dir: t.TempDir()}, fixedClock{}, nil)
	tracker.Record("seg-a", failure.KindTimeout, context.DeadlineExceeded, 5)
	tracker.Record("seg-b", failure.KindHTTP, errors.New("unexpected HTTP 503"), 5)

	body := decode(t, get(t, NewServer(Sources{Failures: tracker}, "", nil), "/v1/failures"))
	assert.EqualValues(t, 2, body["total_failures"])
	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["timeout"])
	failures := body["failures"].([]any)
	assert.Equal(t, "seg-a", failures[0].(map[string]any)["segment_path"])
}

func TestProxies(t *testing.T) {
	t.Parallel()

	mgr, err := proxy.NewManager([]proxy.Identity{
		{Name: "p1", Host: "localhost", Port: 9001},
		{Name: "p2", Host: "localhost", Port: 9002},
	}, nil)
	require.NoError(t, err)
	mgr.Assign(1)
	mgr.Assign(0)

	body := decode(t, get(t, NewServer(Sources{Proxies: mgr}, "", nil), "/v1/proxies"))
	assignments := body["assignments"].([]any)
	require.Len(t, assignments, 2)
	first := assignments[0].(map[string]any)
	assert.EqualValues(t, 0, first["worker"])
	assert.Equal(t, "p2", first["proxy"])
	assert.Equal(t, "http://localhost:9002", first["url"])
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(Sources{}, "", nil).ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

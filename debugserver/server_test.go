package debugserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/flowbase/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func getStatus(t *testing.T, baseURL, path string) int {
	t.Helper()
	resp, err := http.Get(baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestServerRegistersEnabledEndpoints(t *testing.T) {
	cfg := &config.DebugConfig{
		Enabled:          true,
		ListenAddress:    "localhost:0",
		PProfEnabled:     true,
		MetricsEnabled:   true,
		MonitorUIEnabled: true,
	}
	s := NewServer(cfg, discardLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	assert.Equal(t, http.StatusOK, getStatus(t, ts.URL, "/metrics"))
	assert.Equal(t, http.StatusOK, getStatus(t, ts.URL, "/debug/pprof/"))
	assert.Equal(t, http.StatusOK, getStatus(t, ts.URL, "/viz/"))
}

func TestServerOmitsDisabledEndpoints(t *testing.T) {
	cfg := &config.DebugConfig{
		Enabled:       true,
		ListenAddress: "localhost:0",
	}
	s := NewServer(cfg, discardLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	assert.Equal(t, http.StatusNotFound, getStatus(t, ts.URL, "/metrics"))
	assert.Equal(t, http.StatusNotFound, getStatus(t, ts.URL, "/debug/pprof/"))
}

func TestSystemCollectorPublishesReadings(t *testing.T) {
	sc := NewSystemCollector(t.TempDir(), 20*time.Millisecond, discardLogger())
	sc.Start()
	defer sc.Stop()

	require.Eventually(t, func() bool {
		return sc.memUsagePercent.Value() > 0
	}, 2*time.Second, 20*time.Millisecond, "memory usage reading was never published")
}

func TestSystemCollectorReuseDoesNotPanic(t *testing.T) {
	first := NewSystemCollector(t.TempDir(), time.Minute, discardLogger())
	second := NewSystemCollector(t.TempDir(), time.Minute, discardLogger())
	assert.Same(t, first.cpuUsagePercent, second.cpuUsagePercent)
}

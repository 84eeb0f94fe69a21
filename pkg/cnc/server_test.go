package cnc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/daqkit/daqctl/pkg/runset"
)

func TestServerLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newTestCluster(t)
	cfg := testConfig()
	cfg.HTTPListenAddr = "127.0.0.1:0"
	srv := NewServer(cfg, runset.Sinks{}, prometheus.NewPedanticRegistry(), log.NewNopLogger(), nil)

	require.NoError(t, services.StartAndAwaitRunning(ctx, srv))
	require.NotNil(t, srv.Addr())

	handler := srv.httpServer.Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")

	_, err := srv.Registry().Register("stringHub", 1, "localhost", hubConnectors(1), c.hub1)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/components", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stringHub")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "daq_cnc_pool_components 1")

	require.NoError(t, services.StopAndAwaitTerminated(ctx, srv))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerBadListenAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.HTTPListenAddr = "127.0.0.1:-1"
	srv := NewServer(cfg, runset.Sinks{}, prometheus.NewPedanticRegistry(), log.NewNopLogger(), nil)
	require.Error(t, services.StartAndAwaitRunning(ctx, srv))
}

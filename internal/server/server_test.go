package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devrev/samoa/internal/health"
	"github.com/devrev/samoa/internal/metrics"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestMetricsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordRequest("PING", 0.001)

	checker := health.NewHealthChecker(health.HealthCheckConfig{Directories: []string{t.TempDir()}}, m, zap.NewNop())
	s := NewMetricsServer(MetricsServerConfig{Port: 0}, reg, checker, zap.NewNop())

	rec, _ := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "samoa_requests_total")

	rec, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, body = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestReadyReportsFailingChecks(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	checker := health.NewHealthChecker(health.HealthCheckConfig{Directories: []string{missing}}, nil, zap.NewNop())
	checker.RunChecks()

	s := NewMetricsServer(MetricsServerConfig{}, prometheus.NewRegistry(), checker, zap.NewNop())
	rec, body := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", body["status"])
	assert.Contains(t, body["failing"], "writable:"+missing)
}

func TestHealthServerServingStatus(t *testing.T) {
	s := NewHealthServer(0, zap.NewNop())
	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	s.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	s.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}

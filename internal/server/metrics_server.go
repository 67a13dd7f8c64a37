package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/health"
)

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
}

// MetricsServer serves Prometheus metrics and HTTP health endpoints
type MetricsServer struct {
	httpServer *http.Server
	checker    *health.HealthChecker
	logger     *zap.Logger
}

// NewMetricsServer creates a metrics server exposing gatherer. checker
// answers /ready and may be nil.
func NewMetricsServer(cfg MetricsServerConfig, gatherer prometheus.Gatherer, checker *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	s := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		checker: checker,
		logger:  logger,
	}

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	return s
}

// Handler returns the HTTP handler
func (s *MetricsServer) Handler() http.Handler { return s.httpServer.Handler }

// Start listens and serves in the background
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Starting metrics server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *MetricsServer) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}

	status, _ := s.checker.Status()
	if !s.checker.IsReady() {
		failing := make([]string, 0)
		for name, check := range s.checker.Checks() {
			if check.Status == health.CheckCritical {
				failing = append(failing, name)
			}
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"health":  status,
			"failing": failing,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"health":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

package server

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the gRPC health server
const ServiceName = "samoa"

// HealthServer reports the serving status of the data listener over the
// standard gRPC health protocol
type HealthServer struct {
	port   int
	health *health.Server
	grpc   *grpc.Server
	ln     net.Listener
	logger *zap.Logger
}

// NewHealthServer creates a health server. Both the overall and the samoa
// service start NOT_SERVING.
func NewHealthServer(port int, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	return &HealthServer{port: port, health: hs, grpc: g, logger: logger}
}

// Start listens and serves in the background
func (s *HealthServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on health port %d: %w", s.port, err)
	}
	s.ln = ln
	s.logger.Info("Starting gRPC health server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.grpc.Serve(ln); err != nil {
			s.logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *HealthServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SetServing reports the data listener as serving or not
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and stops the server
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

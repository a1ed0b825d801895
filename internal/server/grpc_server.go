package server

import (
	"fmt"
	"net"
	"time"

	"github.com/harbordb/kvengine/internal/health"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer exposes the standard gRPC health service so orchestrators
// can probe the node without scraping HTTP.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *grpchealth.Server
	checker      *health.Checker
	addr         string
	logger       *zap.Logger
	stopChan     chan struct{}
}

// GRPCServerConfig holds configuration for the gRPC server
type GRPCServerConfig struct {
	Host string
	Port int
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(cfg *GRPCServerConfig, checker *health.Checker, logger *zap.Logger) *GRPCServer {
	s := &GRPCServer{
		grpcServer:   grpc.NewServer(),
		healthServer: grpchealth.NewServer(),
		checker:      checker,
		addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger:       logger,
		stopChan:     make(chan struct{}),
	}
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	return s
}

// Start begins serving and keeps the health status in sync with the
// checker.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("Starting gRPC server", zap.String("addr", s.addr))

	go s.syncHealthStatus()
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server")
	close(s.stopChan)
	s.healthServer.Shutdown()
	s.grpcServer.GracefulStop()
}

// syncHealthStatus mirrors the checker's readiness into the gRPC health
// service.
func (s *GRPCServer) syncHealthStatus() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			status := grpc_health_v1.HealthCheckResponse_SERVING
			if !s.checker.Ready() {
				status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			}
			s.healthServer.SetServingStatus("", status)
		}
	}
}

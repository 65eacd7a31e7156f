// Package grpcPack exposes the standard gRPC health service for the store
// so orchestrators can probe a running server.
package grpcPack

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sajjad-MoBe/kvs/internal/api"
	"github.com/sajjad-MoBe/kvs/internal/shared"
)

// ServiceName is the health service name reported for the store
const ServiceName = "kvs.Store"

// DefaultCheckInterval is how often health checks are re-run
const DefaultCheckInterval = 10 * time.Second

// Server serves gRPC health checks backed by a HealthManager
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   *api.HealthManager
	logger   *shared.Logger
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new gRPC server instance
func NewServer(checks *api.HealthManager, logger *shared.Logger, interval time.Duration) *Server {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	s := &Server{
		grpc: grpc.NewServer(
			grpc.UnaryInterceptor(UnaryErrorInterceptor),
			grpc.StreamInterceptor(StreamErrorInterceptor),
		),
		health:   health.NewServer(),
		checks:   checks,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Refresh runs the health checks once and publishes the result for both
// the overall server and ServiceName.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if !s.checks.RunHealthChecks(ctx) {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("Health check failed: %v", s.checks.GetStatus())
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve runs health checks in the background and serves gRPC on listener
// until Stop.
func (s *Server) Serve(listener net.Listener) error {
	s.Refresh(context.Background())

	s.wg.Add(1)
	go s.checkLoop()

	s.logger.Info("gRPC health listening on %s", listener.Addr())
	return s.grpc.Serve(listener)
}

func (s *Server) checkLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.Refresh(ctx)
			cancel()
		}
	}
}

// Stop marks the server as shutting down and stops it gracefully
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
	s.wg.Wait()
}

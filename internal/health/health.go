// Package health exposes the controller lifecycle over the standard gRPC
// health protocol. The service reports SERVING only while a version is
// active.
package health

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"offline_cache_proxy/internal/obs"
)

const ServiceName = "offlinecache"

type Server struct {
	Addr string

	grpcServer *grpc.Server
	health     *grpchealth.Server
	ln         net.Listener
	logger     *zap.Logger
}

// Start serves gRPC health on addr. The service starts NOT_SERVING.
func Start(addr string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = obs.WithModule("health")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:       ln.Addr().String(),
		grpcServer: grpc.NewServer(),
		health:     grpchealth.NewServer(),
		ln:         ln,
		logger:     logger,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc health server error", zap.Error(err))
		}
	}()
	logger.Info("grpc health listening", zap.String("addr", s.Addr))
	return s, nil
}

// SetActive flips the service status.
func (s *Server) SetActive(active bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if active {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks everything NOT_SERVING so watchers see it, then stops
// gracefully unless ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

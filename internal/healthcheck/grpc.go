// Package healthcheck exposes grpc.health.v1 for orchestrators that probe
// over gRPC. The deblur service is SERVING only while the inference
// executable resolves.
package healthcheck

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service name reported alongside the overall status.
const ServiceName = "deblur.v1.Deblur"

// Probe reports whether the pipeline can currently run.
type Probe func() error

// Server wraps a gRPC server with the health service registered.
type Server struct {
	GRPC   *grpc.Server
	health *health.Server
	probe  Probe
	logger *zap.Logger
}

// NewServer registers the health service and applies the first probe.
func NewServer(probe Probe, logger *zap.Logger) *Server {
	s := &Server{
		GRPC:   grpc.NewServer(),
		health: health.NewServer(),
		probe:  probe,
		logger: logger.Named("grpc_health"),
	}
	healthpb.RegisterHealthServer(s.GRPC, s.health)
	s.Refresh()
	return s
}

// Refresh re-runs the probe and updates the reported status.
func (s *Server) Refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.probe(); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("health probe failed", zap.Error(err))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch refreshes the status every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Shutdown marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.GRPC.GracefulStop()
}

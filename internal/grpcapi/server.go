// Package grpcapi exposes the standard gRPC health service backed by the
// storage readiness probe.
package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"stormcrm.dev/internal/obs"
)

// ServiceName is the name health checks may ask about besides "".
const ServiceName = "stormcrm.api"

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer implements grpc.health.v1.Health.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	store   Pinger
	timeout time.Duration
}

// NewHealthServer creates the health service.
func NewHealthServer(store Pinger) *HealthServer {
	return &HealthServer{store: store, timeout: 2 * time.Second}
}

// Check reports SERVING while the store answers pings.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			obs.Logger().Warn("grpc health check failed", zap.Error(err))
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// NewServer builds a gRPC server with the health service registered.
func NewServer(store Pinger) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	healthpb.RegisterHealthServer(srv, NewHealthServer(store))
	return srv
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Logger().Debug("grpc_request_complete",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return resp, err
}

// Package grpc exposes the processor's liveness over the standard gRPC
// health protocol.
package grpc

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "push.v1.Processor"

// Server wraps a gRPC server that only serves health checks
type Server struct {
	grpcServer *gogrpc.Server
	health     *health.Server
	logger     *zap.Logger
}

// NewServer creates a health server. Status starts as NOT_SERVING.
func NewServer(logger *zap.Logger) *Server {
	s := &Server{
		health: health.NewServer(),
		logger: logger,
	}
	s.grpcServer = gogrpc.NewServer(gogrpc.UnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips the overall and processor status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks serving lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC health server", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Stop marks the server NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("gRPC request",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, err
}

package httpapi

import (
	"context"
	"net"
	"path"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer exposes the standard grpc.health.v1 service. Its serving
// status follows the readiness probe.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
	log       *zap.Logger
}

type GRPCOption func(*GRPCServer)

func WithGRPCLogger(l *zap.Logger) GRPCOption {
	return func(s *GRPCServer) {
		if l != nil {
			s.log = l
		}
	}
}

// NewGRPCServer creates the gRPC server. It reports NOT_SERVING until the
// first successful readiness check.
func NewGRPCServer(r readinessChecker, opts ...GRPCOption) *GRPCServer {
	s := &GRPCServer{
		readiness: r,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = grpc.NewServer(grpc.UnaryInterceptor(unaryLogger(s.log)))
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.setServing(false)
	return s
}

// Server returns the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	err := s.readiness.Check(ctx)
	if err != nil {
		s.log.Warn("readiness check failed", zap.Error(err))
	}
	s.setServing(err == nil)
	return err == nil
}

// WatchReadiness refreshes the serving status every interval until ctx ends.
func (s *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *GRPCServer) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

func (s *GRPCServer) Serve(lis net.Listener) error {
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Shutdown drains in-flight calls, forcing a stop when ctx ends first.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-ctx.Done():
		s.log.Warn("grpc server forced to stop")
		s.server.Stop()
		return ctx.Err()
	case <-stopped:
		return nil
	}
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("grpc.service", path.Dir(info.FullMethod)[1:]),
			zap.String("grpc.method", path.Base(info.FullMethod)),
			zap.String("grpc.code", code.String()),
			zap.Duration("grpc.duration", time.Since(start)),
		}
		switch code {
		case codes.OK:
			logger.Debug("grpc request", fields...)
		case codes.Canceled, codes.DeadlineExceeded, codes.Unavailable, codes.NotFound:
			logger.Warn("grpc request failed", append(fields, zap.Error(err))...)
		default:
			logger.Error("grpc request failed", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

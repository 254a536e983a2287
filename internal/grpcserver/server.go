// Package grpcserver exposes the standard gRPC health service so orchestrators
// can tell when the classification model is ready.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// PredictorService is the service name reported alongside the overall status.
const PredictorService = "safran.Predictor"

// Server wraps a grpc.Server that only serves health checks.
type Server struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds a server with every service marked NOT_SERVING until the model
// is reported ready.
func New(logger *zap.Logger) *Server {
	logger = logger.Named("grpc")
	server := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	s := &Server{server: server, health: healthServer, logger: logger}
	s.SetModelServing(false)
	return s
}

// SetModelServing updates the health status of the overall server and of the
// predictor service.
func (s *Server) SetModelServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(PredictorService, st)
}

// Serve blocks until the listener fails or the server is stopped.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("gRPC health server listening", zap.String("addr", listener.Addr().String()))
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown marks everything NOT_SERVING and stops gracefully, falling back to
// a hard stop when ctx expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, forcing", zap.Error(ctx.Err()))
		s.server.Stop()
		<-done
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

package server

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LedgerService is the health service name reported for the ledger.
const LedgerService = "positionledger.Ledger"

// GRPCServer serves the gRPC health protocol and reflection so standard
// health checkers and grpcurl work against the service.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
	logger zerolog.Logger
}

// NewGRPCServer creates the server. Every service starts NOT_SERVING until
// SetServing is called.
func NewGRPCServer(addr string, logger zerolog.Logger) *GRPCServer {
	srv := grpc.NewServer()

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(LedgerService, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(srv)

	return &GRPCServer{server: srv, health: hs, addr: addr, logger: logger}
}

// SetServing flips the overall and ledger health status.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(LedgerService, status)
}

// Serve listens on the configured address until ctx is cancelled (blocking).
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.server.Serve(lis)
}

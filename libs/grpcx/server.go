package grpcx

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer returns a gRPC server with tracing and request id propagation installed.
func NewServer(extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor()),
	}
	opts = append(opts, extra...)
	return grpc.NewServer(opts...)
}

// RegisterHealth installs the standard health service and returns it so callers
// can flip serving status as dependencies come and go.
func RegisterHealth(srv *grpc.Server) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}

// Serve runs srv on lis until ctx is done, then stops gracefully.
func Serve(ctx context.Context, logger *slog.Logger, srv *grpc.Server, lis net.Listener) {
	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
}

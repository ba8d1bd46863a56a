// ABOUTME: gRPC server construction with keepalive settings and stream metrics
// ABOUTME: Registers the wabridge.v1.Events server stream on the gateway's broadcaster

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/wabridge/internal/conversation"
	"github.com/2389/wabridge/internal/metrics"
	"github.com/2389/wabridge/internal/realtime"
)

const (
	shutdownTimeout = 5 * time.Second
	readyTimeout    = 2 * time.Second
)

// createGRPCServer creates a gRPC server, instrumented when m is non-nil.
func createGRPCServer(m *metrics.Metrics) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if m != nil {
		opts = append(opts, grpc.ChainStreamInterceptor(m.StreamInterceptor()))
	}
	return grpc.NewServer(opts...)
}

// registerGRPCServices registers all gRPC services on the server.
func registerGRPCServices(server *grpc.Server, b *conversation.EventBroadcaster, logger *slog.Logger) {
	realtime.RegisterEventsServer(server, realtime.NewEventStream(b, logger))
}

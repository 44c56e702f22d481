// ============================================================================
// simfarm Status Service - gRPC view of a running coordinator
// ============================================================================
//
// Package: internal/server
// File: status.go
//
//   service simfarm.v1.Coordinator {
//     rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//   }
//
// The service is declared by hand on well known types, so no generated
// code is involved. The Struct carries the run progress and one entry per
// worker (see toStruct for the field names).
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/simfarm/internal/coordinator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "simfarm.v1.Coordinator"
	StatusMethod = "/" + ServiceName + "/Status"
)

// StatusProvider is implemented by *coordinator.Coordinator
type StatusProvider interface {
	Status() coordinator.Status
}

// StatusServer is the server API of the service
type StatusServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes simfarm.v1.Coordinator for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "simfarm/v1/coordinator.proto",
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements StatusServer over a StatusProvider
type Server struct {
	provider StatusProvider
	started  time.Time
}

// NewServer creates a status server for p
func NewServer(p StatusProvider) *Server {
	return &Server{provider: p, started: time.Now()}
}

// Status handles simfarm.v1.Coordinator/Status
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.provider == nil {
		return nil, status.Error(codes.Unavailable, "no coordinator attached")
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	out, err := toStruct(s.provider.Status(), time.Since(s.started))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// Register adds the service to g
func Register(g *grpc.Server, s StatusServer) {
	g.RegisterService(&ServiceDesc, s)
}

// Serve runs a gRPC server with the status service on lis until ctx is cancelled
func Serve(ctx context.Context, lis net.Listener, s StatusServer, opts ...grpc.ServerOption) error {
	g := grpc.NewServer(opts...)
	Register(g, s)

	stop := context.AfterFunc(ctx, g.GracefulStop)
	defer stop()

	slog.Info("status service listening", "component", "status", "addr", lis.Addr().String())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func toStruct(st coordinator.Status, uptime time.Duration) (*structpb.Struct, error) {
	workers := make([]any, 0, len(st.Workers))
	for _, w := range st.Workers {
		workers = append(workers, map[string]any{
			"endpoint":      w.Endpoint.String(),
			"window":        w.ExpectedTasks,
			"estimated_rtt": w.EstimatedRTT.String(),
			"dev_rtt":       w.DevRTT.String(),
			"time_limit":    w.TimeLimit.String(),
			"timeout":       w.Timeout.String(),
			"batches":       w.Batches,
			"timeouts":      w.Timeouts,
			"removed":       w.Removed,
			"timed_out":     w.TimedOut,
			"latency_count": w.Samples,
			"latency_p50":   w.P50.String(),
			"latency_p99":   w.P99.String(),
			"last_tasks":    w.LastTasks,
			"last_elapsed":  w.LastElapsed.String(),
		})
	}
	return structpb.NewStruct(map[string]any{
		"run_id":    st.RunID,
		"running":   st.Running,
		"model":     st.Model,
		"target":    st.Target,
		"collected": st.Collected,
		"pending":   st.Pending,
		"in_flight": st.InFlight,
		"uptime":    uptime.Round(time.Second).String(),
		"workers":   workers,
	})
}

package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"feedhandler/domain/channelbuffer"
	"feedhandler/service"
)

// ServicePrefix prefixes the health service name of every channel.
const ServicePrefix = "feedhandler.channel."

// Server exposes the standard gRPC health service. The empty service
// name reports the process; "feedhandler.channel.<name>" reports one
// channel, SERVING only while it passes traffic through.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func NewServer(log *zap.Logger) *Server {
	log = log.Named("grpc")
	s := &Server{
		health: health.NewServer(),
		log:    log,
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// ChannelService returns the health service name of a channel.
func ChannelService(name string) string {
	return ServicePrefix + name
}

// -------------------- Status --------------------

// SetChannelStatus publishes the health of one channel.
func (s *Server) SetChannelStatus(st service.ChannelStatus) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.State == channelbuffer.StatePassThru.String() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ChannelService(st.Name), status)
}

// Observe adapts SetChannelStatus to service.StateObserver.
func (s *Server) Observe(st service.ChannelStatus, t channelbuffer.Transition) {
	s.log.Debug("channel health changed",
		zap.String("channel", st.Name),
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To))
	s.SetChannelStatus(st)
}

// -------------------- Lifecycle --------------------

func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.log.Info("serving", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop flips every service to NOT_SERVING and drains connections.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) logUnary(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("unary call",
		zap.String("method", info.FullMethod),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return resp, err
}

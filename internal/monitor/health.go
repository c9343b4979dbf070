package monitor

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "clob.agent.Execution"

// Health serves grpc.health.v1. The agent is SERVING while every feed
// connection streams, or always in demo mode.
type Health struct {
	srv    *health.Server
	demo   bool
	logger *zap.Logger

	mu      sync.Mutex
	healthy bool
}

func NewHealth(demo bool, logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Health{srv: health.NewServer(), demo: demo, logger: logger}
	h.apply()
	return h
}

// Register adds the health service to s.
func (h *Health) Register(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.srv)
}

// SetFeedHealthy records whether the feed is streaming on every channel.
func (h *Health) SetFeedHealthy(ok bool) {
	h.mu.Lock()
	changed := h.healthy != ok
	h.healthy = ok
	h.mu.Unlock()
	if changed {
		h.apply()
	}
}

// Status returns the current overall status.
func (h *Health) Status() grpc_health_v1.HealthCheckResponse_ServingStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

func (h *Health) statusLocked() grpc_health_v1.HealthCheckResponse_ServingStatus {
	if h.demo || h.healthy {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

func (h *Health) apply() {
	h.mu.Lock()
	st := h.statusLocked()
	h.mu.Unlock()
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}

// Serve listens on addr until ctx ends.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s := grpc.NewServer()
	h.Register(s)

	go func() {
		<-ctx.Done()
		h.srv.Shutdown()
		s.GracefulStop()
	}()
	h.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := s.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

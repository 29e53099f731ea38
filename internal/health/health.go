// ============================================================================
// persona-curator 健康檢查 - gRPC Health Checking Protocol
// ============================================================================
//
// Package: internal/health
// 文件: health.go
// 功能: watch 模式對外提供 grpc.health.v1.Health 服務
//
// 服務狀態:
//   ""                              → 行程存活即 SERVING
//   persona-curator.personalization → 依協調器狀態：
//        ErrorBackoff               → NOT_SERVING
//        其他                        → SERVING
//   Stop() 之後所有服務              → NOT_SERVING
//
// ============================================================================

package health

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/persona-curator/internal/coordinator"
)

// PersonalizationService 個人化流程的健康檢查服務名稱
const PersonalizationService = "persona-curator.personalization"

// ErrAlreadyStarted Start 被呼叫兩次
var ErrAlreadyStarted = errors.New("health server already started")

// Server gRPC 健康檢查伺服器
type Server struct {
	addr   string
	health *grpchealth.Server
	grpc   *grpc.Server
	log    *slog.Logger

	mu  sync.Mutex
	lis net.Listener
}

// NewServer creates a health server for addr. Both services start SERVING.
func NewServer(addr string) *Server {
	h := grpchealth.NewServer()
	h.SetServingStatus(PersonalizationService, healthpb.HealthCheckResponse_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, h)

	return &Server{
		addr:   addr,
		health: h,
		grpc:   g,
		log:    slog.Default().With("component", "health"),
	}
}

// Start listens and serves in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return ErrAlreadyStarted
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.lis = lis
	s.log.Info("gRPC health server listening", "addr", lis.Addr().String())

	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("gRPC health server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

// ObserveState matches coordinator.Callbacks.OnStateChange.
func (s *Server) ObserveState(_, to coordinator.State) {
	status := healthpb.HealthCheckResponse_SERVING
	if to == coordinator.StateErrorBackoff {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(PersonalizationService, status)
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

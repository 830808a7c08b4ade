// Package control exposes the daemon's state on a unix socket through the
// standard gRPC health service. The empty service name reports the daemon
// itself; KernelService reports SERVING while a connection is running.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"corekeeper/internal/event"
)

// KernelService is the health service name tracking the kernel.
const KernelService = "corekeeper.kernel"

// Server serves the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ln     net.Listener
	path   string
	log    *zap.Logger
}

// NewServer creates a server with the daemon SERVING and the kernel not.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log.With(zap.String("component", "control")),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(KernelService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Listen binds the unix socket at path, replacing a stale one, and serves
// in the background.
func (s *Server) Listen(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		// a live daemon has already been ruled out by the pid file check
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.path = path
	s.Serve(ln)
	return nil
}

// Serve accepts connections on ln in the background.
func (s *Server) Serve(ln net.Listener) {
	s.ln = ln
	go func() {
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("control socket stopped", zap.Error(err))
		}
	}()
}

// SetKernelRunning flips the kernel service status.
func (s *Server) SetKernelRunning(running bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(KernelService, status)
}

// Watch follows Connected/Disconnected events until ctx is done or the bus
// closes.
func (s *Server) Watch(ctx context.Context, bus *event.Bus) {
	sub := bus.Subscribe(event.Connected, event.Disconnected)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				s.SetKernelRunning(e.Kind == event.Connected)
			}
		}
	}()
}

// Close marks everything NOT_SERVING, stops the server and unlinks the socket.
func (s *Server) Close() error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

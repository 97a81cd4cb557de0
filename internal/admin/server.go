// Package admin serves the controller's operational endpoints: Prometheus
// metrics and health over HTTP, and the standard gRPC health service.
package admin

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/metrics"
)

// ServiceName is the gRPC health service name of the controller.
const ServiceName = "agriassist.Controller"

// Config holds admin listener addresses. An empty address disables that
// listener.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server hosts the HTTP and gRPC admin listeners.
type Server struct {
	config Config
	logger *slog.Logger
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	mu      sync.Mutex
	serving bool
	httpLn  net.Listener
	grpcLn  net.Listener
	wg      sync.WaitGroup
}

// New creates the admin server. Metrics are served from reg.
func New(config Config, reg *prom.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: config,
		logger: logger.With(slog.String("component", "admin")),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	mux.HandleFunc("/healthz", s.handleHealth)
	s.http = &http.Server{Handler: mux, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 120 * time.Second}
	return s
}

// SetServing flips the HTTP and gRPC health status.
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	s.serving = serving
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if !serving {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start binds the configured listeners and serves them in the background.
func (s *Server) Start() error {
	if s.config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on admin http %s: %w", s.config.HTTPAddr, err)
		}
		s.mu.Lock()
		s.httpLn = ln
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.http.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				s.logger.Error("admin http server failed", logfields.Error(err))
			}
		}()
		s.logger.Info("admin http listening", slog.String("addr", ln.Addr().String()))
	}

	if s.config.GRPCAddr != "" {
		ln, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on admin grpc %s: %w", s.config.GRPCAddr, err)
		}
		s.mu.Lock()
		s.grpcLn = ln
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpc.Serve(ln); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("admin grpc server failed", logfields.Error(err))
			}
		}()
		s.logger.Info("admin grpc listening", slog.String("addr", ln.Addr().String()))
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, or nil.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// GRPCAddr returns the bound gRPC address, or nil.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return nil
	}
	return s.grpcLn.Addr()
}

// Shutdown reports not serving and stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetServing(false)
	s.health.Shutdown()
	err := s.http.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	s.wg.Wait()
	return err
}

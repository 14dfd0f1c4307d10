package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/fetchmux/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service reported by the daemon.
const ServiceName = "fetchmux"

// Server serves Prometheus metrics and health endpoints.
type Server struct {
	server *http.Server
	ready  atomic.Bool
	log    *zap.Logger
}

// NewServer creates a new metrics/health HTTP server.
func NewServer(cfg config.Metrics, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	s := &Server{log: log.With(zap.String("component", "metrics"))}
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Readiness probe
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start begins serving metrics.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// GRPCServer exposes the standard gRPC health service.
type GRPCServer struct {
	server *grpc.Server
	health *grpchealth.Server
	lis    net.Listener
	log    *zap.Logger
}

// NewGRPCServer listens on addr and registers the health service.
func NewGRPCServer(addr string, log *zap.Logger) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		server: srv,
		health: hs,
		lis:    lis,
		log:    log.With(zap.String("component", "grpc")),
	}, nil
}

// Addr returns the listening address.
func (g *GRPCServer) Addr() string {
	return g.lis.Addr().String()
}

// SetServing updates the status of ServiceName and the whole server.
func (g *GRPCServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(ServiceName, status)
	g.health.SetServingStatus("", status)
}

// Start serves until Stop.
func (g *GRPCServer) Start() error {
	g.log.Info("starting grpc health server", zap.String("addr", g.Addr()))
	return g.server.Serve(g.lis)
}

// Stop shuts the server down.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

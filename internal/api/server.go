package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/api/handlers"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/api/middleware"
	transporthttp "github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/http"
)

// Server wraps the HTTP server for one daemon's REST API
type Server struct {
	httpServer *http.Server
	tls        bool
}

// NewServer creates an HTTP server on addr. When certDir is set, API paths
// require a client certificate signed by certDir/ca.crt and the cluster name
// is taken from its CN.
func NewServer(addr, certDir string, routes http.Handler) (*Server, error) {
	chain := []func(http.Handler) http.Handler{middleware.Credential}

	var tlsConfig *tls.Config
	if certDir != "" {
		cert, err := tls.LoadX509KeyPair(
			filepath.Join(certDir, "tls.crt"),
			filepath.Join(certDir, "tls.key"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load server certificate: %w", err)
		}

		caCert, err := os.ReadFile(filepath.Join(certDir, "ca.crt"))
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}

		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			// probes and scrapers connect without a certificate
			ClientAuth: tls.VerifyClientCertIfGiven,
			ClientCAs:  caCertPool,
			MinVersion: tls.VersionTLS12,
		}
		chain = append(chain, middleware.ValidateClientCertificate)
	}
	chain = append(chain, middleware.Logging)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           middleware.Chain(routes, chain...),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
		},
		tls: tlsConfig != nil,
	}, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("http-api")

	s.httpServer.Handler = middleware.Chain(s.httpServer.Handler, middleware.WithLogger(logger))
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving HTTP API", "addr", s.httpServer.Addr, "tls", s.tls)
		var err error
		if s.tls {
			// Certificate already in TLSConfig, pass empty strings
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.FromContext(ctx).Info("Shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

// OrchestratorRoutes registers the orchestrator endpoints, probes and metrics.
func OrchestratorRoutes(h *handlers.Handler, ready healthz.Checker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+transporthttp.APIPrefix+"/discover", h.PostDiscover)
	mux.HandleFunc("POST "+transporthttp.APIPrefix+"/reportWorkload", h.PostReportWorkload)
	mux.HandleFunc("POST "+transporthttp.APIPrefix+"/returnAgent", h.PostReturnAgent)
	mux.HandleFunc("POST "+transporthttp.APIPrefix+"/agentStatus", h.PostAgentStatus)
	mux.HandleFunc("GET "+transporthttp.APIPrefix+"/status", h.GetStatus)

	probes(mux, ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// ClusterRoutes registers the endpoints an executor cluster serves.
func ClusterRoutes(h *handlers.ClusterHandler, ready healthz.Checker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+transporthttp.APIPrefix+"/utilizeAgent", h.PostUtilizeAgent)
	mux.HandleFunc("POST "+transporthttp.APIPrefix+"/discover", h.PostDiscover)

	probes(mux, ready)
	return mux
}

func probes(mux *http.ServeMux, ready healthz.Checker) {
	health := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	readiness := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	if ready != nil {
		readiness.Checks["inventory"] = ready
	}
	for path, handler := range map[string]http.Handler{"/healthz": health, "/readyz": readiness} {
		mux.Handle(path, http.StripPrefix(path, handler))
		mux.Handle(path+"/", http.StripPrefix(path, handler))
	}
}

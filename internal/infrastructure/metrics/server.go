package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bbtrader/internal/core"
)

// Server exposes the Prometheus registry plus a health endpoint.
type Server struct {
	addr    string
	metrics *Metrics
	logger  core.ILogger
	srv     *http.Server
}

// NewServer creates a metrics server bound to addr (e.g. ":9090").
func NewServer(addr string, m *Metrics, logger core.ILogger) *Server {
	return &Server{
		addr:    addr,
		metrics: m,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}

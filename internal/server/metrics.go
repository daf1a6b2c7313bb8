package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes a Prometheus scrape endpoint at /metrics.
type MetricsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates an HTTP listener serving the given registry.
//
// Precondition: reg and logger must be non-nil.
func NewMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &MetricsServer{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves until Stop is called.
func (m *MetricsServer) Start() error {
	m.logger.Info("metrics listener starting", zap.String("addr", m.srv.Addr))
	if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down, allowing in-flight scrapes to finish.
func (m *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics listener shutdown", zap.Error(err))
	}
}

package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves Prometheus metrics on a separate port so the scrape
// endpoint is never exposed alongside the public API.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server exposing the provider's registry
// at path. With metrics disabled the path answers 404.
func NewMetricsServer(port int, path string, provider *Provider) *MetricsServer {
	mux := http.NewServeMux()

	if provider != nil && provider.registry != nil {
		mux.Handle(path, promhttp.HandlerFor(provider.registry, promhttp.HandlerOpts{
			Registry:          provider.registry,
			EnableOpenMetrics: true,
		}))
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves metrics until Shutdown; it returns http.ErrServerClosed then.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

// Serve is Start on an existing listener.
func (ms *MetricsServer) Serve(l net.Listener) error {
	slog.Info("Starting metrics server", "addr", l.Addr().String())
	return ms.server.Serve(l)
}

// Shutdown gracefully stops the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

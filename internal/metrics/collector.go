// Package metrics exposes Jumith's Prometheus collectors. All methods are
// safe on a nil *Collector so components can run without metrics wired.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates tool, registry, and store metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	toolInvocations  *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	registryDuration *prometheus.HistogramVec
	installs         *prometheus.CounterVec
	loadErrors       prometheus.Counter
	catalogTools     *prometheus.GaugeVec
	startTime        time.Time
}

// New registers collectors on registry. A nil registry gets a fresh one so
// tests and repeated constructions never collide on the default registerer.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Collector{
		gatherer: registry,
		toolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jumith_tool_invocations_total",
				Help: "Total number of tool invocation attempts by terminal status",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jumith_tool_duration_seconds",
				Help:    "Duration of tool invocations in seconds, approval wait included",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
			},
			[]string{"tool"},
		),
		registryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jumith_registry_request_duration_seconds",
				Help:    "Duration of registry requests in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
			},
			[]string{"op", "status"},
		),
		installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jumith_tool_installs_total",
				Help: "Total number of bundle installs by result",
			},
			[]string{"result"},
		),
		loadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jumith_tool_load_errors_total",
				Help: "Total number of installed tools that failed to load",
			},
		),
		catalogTools: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jumith_catalog_tools",
				Help: "Number of tools in the current catalog snapshot",
			},
			[]string{"source"},
		),
		startTime: time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

func (c *Collector) ObserveInvocation(tool, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolInvocations.WithLabelValues(tool, status).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collector) ObserveRegistryRequest(op, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.registryDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

func (c *Collector) ObserveInstall(err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.installs.WithLabelValues(result).Inc()
}

func (c *Collector) AddLoadErrors(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.loadErrors.Add(float64(n))
}

func (c *Collector) SetCatalogSize(builtin, installed int) {
	if c == nil {
		return
	}
	c.catalogTools.WithLabelValues("builtin").Set(float64(builtin))
	c.catalogTools.WithLabelValues("installed").Set(float64(installed))
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes the handler on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package sampler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Prometheus metric names.
const (
	MetricOperationsTotal          = "loadharness_operations_total"
	MetricOperationDurationSeconds = "loadharness_operation_duration_seconds"
	MetricThroughput               = "loadharness_throughput"
	MetricActiveWorkers            = "loadharness_active_workers"
	MetricShuttingDown             = "loadharness_shutting_down"
)

const namespace = "loadharness"

// PrometheusExporter exports sampler data over an HTTP endpoint that
// Prometheus can scrape. Register it with Sampler.AddObserver.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type PrometheusExporter struct {
	mu sync.RWMutex

	config config.PrometheusConfig

	registry *prometheus.Registry

	operationsTotal          *prometheus.CounterVec
	operationDurationSeconds *prometheus.HistogramVec
	throughput               *prometheus.GaugeVec
	activeWorkers            prometheus.Gauge
	shuttingDown             prometheus.Gauge

	server  *http.Server
	ln      net.Listener
	running bool

	lastError error
}

var _ Observer = (*PrometheusExporter)(nil)

// NewPrometheusExporter creates an exporter with its own registry.
func NewPrometheusExporter(cfg config.PrometheusConfig) *PrometheusExporter {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	e := &PrometheusExporter{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	e.initMetrics()
	return e
}

func (e *PrometheusExporter) initMetrics() {
	e.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of operations performed, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	e.operationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of successful operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	e.throughput = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput",
			Help:      "Operations per second over the last sampling interval.",
		},
		[]string{"kind"},
	)

	e.activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Number of workers still running.",
		},
	)

	e.shuttingDown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutting_down",
			Help:      "1 while the run is winding down, 0 otherwise.",
		},
	)

	e.registry.MustRegister(
		e.operationsTotal,
		e.operationDurationSeconds,
		e.throughput,
		e.activeWorkers,
		e.shuttingDown,
	)
}

// Start listens on the configured address and serves the metrics path and /health.
func (e *PrometheusExporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	ln, err := net.Listen("tcp", e.config.Addr)
	if err != nil {
		return fmt.Errorf("starting Prometheus exporter: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
	}()

	e.running = true
	return nil
}

// Stop shuts the HTTP server down.
func (e *PrometheusExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Observe counts one outcome and, for a success, its duration.
func (e *PrometheusExporter) Observe(kind operation.Kind, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.operationsTotal.WithLabelValues(string(kind), outcome).Inc()
	if err == nil {
		e.operationDurationSeconds.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}
}

// ObserveInterval publishes the per-kind throughput of a closed interval.
func (e *PrometheusExporter) ObserveInterval(iv Interval) {
	for kind, s := range iv.Stats {
		e.throughput.WithLabelValues(string(kind)).Set(s.Throughput(iv.Duration))
	}
}

// UpdateActiveWorkers updates the active workers gauge.
func (e *PrometheusExporter) UpdateActiveWorkers(count int) {
	e.activeWorkers.Set(float64(count))
}

// UpdateShuttingDown updates the shutting down gauge.
func (e *PrometheusExporter) UpdateShuttingDown(shuttingDown bool) {
	if shuttingDown {
		e.shuttingDown.Set(1)
		return
	}
	e.shuttingDown.Set(0)
}

// Address returns the URL of the metrics endpoint, using the bound address
// once started.
func (e *PrometheusExporter) Address() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	addr := e.config.Addr
	if e.ln != nil {
		addr = e.ln.Addr().String()
	}
	return "http://" + addr + e.config.Path
}

// IsRunning returns whether the exporter is running.
func (e *PrometheusExporter) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastError returns the last error from the HTTP server, if any.
func (e *PrometheusExporter) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Gather collects all metrics from the registry.
func (e *PrometheusExporter) Gather() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}

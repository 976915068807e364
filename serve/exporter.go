// PrometheusExporter serves scheduler metrics over HTTP using the Prometheus
// client library: /metrics in exposition format plus /health, /ready and
// /stats JSON endpoints. Opt-in via MLX_METRICS_EXPORT.

package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// metricsBridge adapts a MetricsCollector snapshot into Prometheus metrics.
// All values are computed at scrape time from the collector's cached
// aggregates, so scrapes are cheap.
type metricsBridge struct {
	collector *MetricsCollector

	latencyDesc    *prometheus.Desc
	throughputDesc *prometheus.Desc
	requestsDesc   *prometheus.Desc
	batchDesc      *prometheus.Desc
	queueDesc      *prometheus.Desc
	modeDesc       *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

func newMetricsBridge(collector *MetricsCollector) *metricsBridge {
	return &metricsBridge{
		collector: collector,
		latencyDesc: prometheus.NewDesc("mlx_latency_milliseconds",
			"Job latency percentiles", []string{"quantile"}, nil),
		throughputDesc: prometheus.NewDesc("mlx_throughput_tokens_per_second",
			"Token throughput over rolling windows", []string{"window"}, nil),
		requestsDesc: prometheus.NewDesc("mlx_throughput_requests_per_second",
			"Request throughput over rolling windows", []string{"window"}, nil),
		batchDesc: prometheus.NewDesc("mlx_batch_size_current",
			"Most recent batch size", nil, nil),
		queueDesc: prometheus.NewDesc("mlx_queue_depth",
			"Current job queue depth", nil, nil),
		modeDesc: prometheus.NewDesc("mlx_mode_transitions_total",
			"Total scheduler mode transitions", nil, nil),
		uptimeDesc: prometheus.NewDesc("mlx_uptime_seconds",
			"Collector uptime in seconds", nil, nil),
	}
}

func (b *metricsBridge) Describe(ch chan<- *prometheus.Desc) {
	ch <- b.latencyDesc
	ch <- b.throughputDesc
	ch <- b.requestsDesc
	ch <- b.batchDesc
	ch <- b.queueDesc
	ch <- b.modeDesc
	ch <- b.uptimeDesc
}

func (b *metricsBridge) Collect(ch chan<- prometheus.Metric) {
	m := b.collector.GetMetrics()

	ch <- prometheus.MustNewConstMetric(b.latencyDesc, prometheus.GaugeValue, m.Latency.P50Ms, "0.5")
	ch <- prometheus.MustNewConstMetric(b.latencyDesc, prometheus.GaugeValue, m.Latency.P95Ms, "0.95")
	ch <- prometheus.MustNewConstMetric(b.latencyDesc, prometheus.GaugeValue, m.Latency.P99Ms, "0.99")

	ch <- prometheus.MustNewConstMetric(b.throughputDesc, prometheus.GaugeValue, m.Throughput.TokensPerSecond5s, "5s")
	ch <- prometheus.MustNewConstMetric(b.throughputDesc, prometheus.GaugeValue, m.Throughput.TokensPerSecond30s, "30s")
	ch <- prometheus.MustNewConstMetric(b.throughputDesc, prometheus.GaugeValue, m.Throughput.TokensPerSecond60s, "60s")

	ch <- prometheus.MustNewConstMetric(b.requestsDesc, prometheus.GaugeValue, m.Throughput.RequestsPerSecond5s, "5s")
	ch <- prometheus.MustNewConstMetric(b.requestsDesc, prometheus.GaugeValue, m.Throughput.RequestsPerSecond30s, "30s")
	ch <- prometheus.MustNewConstMetric(b.requestsDesc, prometheus.GaugeValue, m.Throughput.RequestsPerSecond60s, "60s")

	ch <- prometheus.MustNewConstMetric(b.batchDesc, prometheus.GaugeValue, float64(m.Batch.CurrentSize))
	ch <- prometheus.MustNewConstMetric(b.queueDesc, prometheus.GaugeValue, float64(m.QueueDepth))
	ch <- prometheus.MustNewConstMetric(b.modeDesc, prometheus.CounterValue, float64(m.ModeTransitions))
	ch <- prometheus.MustNewConstMetric(b.uptimeDesc, prometheus.GaugeValue, m.UptimeSeconds)
}

// PrometheusExporter hosts the metrics HTTP server.
type PrometheusExporter struct {
	collector *MetricsCollector
	port      int
	server    *http.Server
	running   atomic.Bool
}

// NewPrometheusExporter builds an exporter for the given collector and port.
func NewPrometheusExporter(collector *MetricsCollector, port int) *PrometheusExporter {
	return &PrometheusExporter{collector: collector, port: port}
}

// Start binds the listener and serves in a background goroutine.
func (e *PrometheusExporter) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newMetricsBridge(e.collector))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(e.collector.ExportJSON())
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", e.port))
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("metrics exporter failed to bind port %d: %w", e.port, err)
	}

	e.server = &http.Server{Handler: mux}
	go func() {
		if serveErr := e.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logrus.Warnf("metrics exporter stopped: %v", serveErr)
		}
	}()
	logrus.Infof("PrometheusExporter started: %s", e.EndpointURL())
	return nil
}

// Stop shuts the server down with a short grace period.
func (e *PrometheusExporter) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if e.server != nil {
		_ = e.server.Shutdown(ctx)
	}
	logrus.Info("PrometheusExporter stopped")
}

// Running reports whether the exporter is serving.
func (e *PrometheusExporter) Running() bool { return e.running.Load() }

// EndpointURL returns the scrape URL.
func (e *PrometheusExporter) EndpointURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", e.port)
}

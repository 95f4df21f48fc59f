// Package observability provides Prometheus metrics for the RBD volume
// driver.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const (
	// namespace is the Prometheus metric namespace prefix for all driver
	// metrics.
	namespace = "rbd_volume"
)

// Metrics holds all Prometheus metrics for the volume driver.
type Metrics struct {
	registry *prometheus.Registry

	// Volume lifecycle operation metrics
	opsTotal    *prometheus.CounterVec
	opsDuration *prometheus.HistogramVec

	// Reference table gauge
	referencedVolumes prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on driver restart (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of volume driver operations by type and status",
			},
			[]string{"operation", "status"},
		),

		opsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of volume driver operations in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		referencedVolumes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "referenced_volumes",
			Help:      "Number of volumes with at least one mount reference",
		}),
	}

	reg.MustRegister(m.opsTotal, m.opsDuration, m.referencedVolumes)
	return m
}

// ObserveOperation records one driver operation's outcome and duration.
func (m *Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.opsTotal.WithLabelValues(operation, status).Inc()
	m.opsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetReferencedVolumes updates the referenced-volumes gauge.
func (m *Metrics) SetReferencedVolumes(n int) {
	m.referencedVolumes.Set(float64(n))
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics endpoint on addr. Blocks; run in a goroutine.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	klog.Infof("Serving metrics on %s/metrics", addr)
	return http.ListenAndServe(addr, mux)
}

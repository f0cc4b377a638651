package http

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the HTTP surface.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the HTTP metrics on the default registry. Registration
// is idempotent so tests can build multiple servers in one process.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsrun_http_requests_total",
				Help: "Total HTTP requests by method, path, and status class",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oddsrun_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "path"},
		),
	}

	m.RequestsTotal = registerOrReuse(m.RequestsTotal).(*prometheus.CounterVec)
	m.RequestDuration = registerOrReuse(m.RequestDuration).(*prometheus.HistogramVec)
	return m
}

func registerOrReuse(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	class := fmt.Sprintf("%dxx", status/100)
	m.RequestsTotal.WithLabelValues(method, path, class).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

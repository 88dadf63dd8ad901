package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of one backend.
type Metrics struct {
	Registrations prometheus.Counter
	Duplicates    prometheus.Counter
	Queries       *prometheus.CounterVec
	DecodeErrors  prometheus.Counter
	InFlight      prometheus.Gauge
	StoreSize     prometheus.Gauge
	Latency       *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. Each backend
// gets its own registry so several can run in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "dimy_backend_registrations_total",
			Help: "Total number of contact filters registered",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "dimy_backend_duplicate_registrations_total",
			Help: "Retried registrations acknowledged without storing again",
		}),
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimy_backend_queries_total",
			Help: "Exposure queries by result",
		}, []string{"result"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "dimy_backend_decode_errors_total",
			Help: "Requests rejected as malformed",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dimy_backend_connections_in_flight",
			Help: "Connections currently being served",
		}),
		StoreSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "dimy_backend_store_contacts",
			Help: "Number of stored contact filters",
		}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dimy_backend_request_duration_seconds",
			Help:    "Time spent serving a request by op",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveQuery(matched bool) {
	if matched {
		m.Queries.WithLabelValues("matched").Inc()
		return
	}
	m.Queries.WithLabelValues("not_matched").Inc()
}

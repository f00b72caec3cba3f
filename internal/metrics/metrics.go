// Package metrics provides the small set of Prometheus collectors shared
// by the gateway, indexer, and price reporter: request counters and
// latency histograms, not a full metric-exporter surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for one process.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	QueueDepth      *prometheus.GaugeVec
	QueueInFlight   *prometheus.GaugeVec
	ChainCursorLag  *prometheus.GaugeVec
	ApplicatorTotal *prometheus.CounterVec

	ActiveConnectors  prometheus.Gauge
	ActiveSubscribers *prometheus.GaugeVec
	ReconnectsTotal   *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"service", "method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"service", "method", "path"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of undelivered messages per group kind",
		}, []string{"kind"}),
		QueueInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_in_flight",
			Help: "Number of polled-but-undeleted messages per group kind",
		}, []string{"kind"}),
		ChainCursorLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chain_cursor_lag_blocks",
			Help: "Blocks between chain head and the listener's persisted cursor",
		}, []string{"event"}),
		ApplicatorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applicator_transitions_total",
			Help: "Total state transitions applied, by kind and outcome",
		}, []string{"kind", "outcome"}),
		ActiveConnectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_connectors_active",
			Help: "Number of live exchange connector tasks",
		}),
		ActiveSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pair_subscribers",
			Help: "Number of WS subscribers per pair",
		}, []string{"pair"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_reconnects_total",
			Help: "Total reconnect attempts per exchange",
		}, []string{"exchange"}),
	}

	for _, c := range []prometheus.Collector{
		m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
		m.QueueDepth, m.QueueInFlight, m.ChainCursorLag, m.ApplicatorTotal,
		m.ActiveConnectors, m.ActiveSubscribers, m.ReconnectsTotal,
	} {
		_ = registerer.Register(c)
	}
	return m
}

func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(d.Seconds())
}

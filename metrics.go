package mitmproxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	flowsTotal       *prometheus.CounterVec
	resolveTotal     *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	interceptedFlows prometheus.Gauge
	storeSize        prometheus.Gauge
	observers        prometheus.Gauge
	publishDrops     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered on
// a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		flowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitmproxy",
			Name:      "flow_events_total",
			Help:      "Total number of flow lifecycle events processed.",
		}, []string{"kind"}),

		resolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitmproxy",
			Name:      "resolves_total",
			Help:      "Total number of resolved submissions by outcome.",
		}, []string{"outcome"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitmproxy",
			Name:      "log_events_total",
			Help:      "Total number of diagnostic log entries by level.",
		}, []string{"level"}),

		interceptedFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mitmproxy",
			Name:      "intercepted_flows",
			Help:      "Number of flows currently held awaiting a decision.",
		}),

		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mitmproxy",
			Name:      "flow_store_size",
			Help:      "Number of flows in the store.",
		}),

		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mitmproxy",
			Name:      "observers",
			Help:      "Number of registered broadcast observers.",
		}),

		publishDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmproxy",
			Name:      "publish_drops_total",
			Help:      "Number of events dropped by failing or slow observers.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.flowsTotal,
		m.resolveTotal,
		m.eventsTotal,
		m.interceptedFlows,
		m.storeSize,
		m.observers,
		m.publishDrops,
	)

	return m
}

// Handler returns an http.Handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFlow records a processed flow lifecycle event.
func (m *Metrics) RecordFlow(kind string) {
	m.flowsTotal.WithLabelValues(kind).Inc()
}

// RecordResolve records a resolved submission.
func (m *Metrics) RecordResolve(outcome string) {
	m.resolveTotal.WithLabelValues(outcome).Inc()
}

// RecordEvent records a diagnostic log append.
func (m *Metrics) RecordEvent(level string) {
	m.eventsTotal.WithLabelValues(level).Inc()
}

// IncIntercepted increments the held-flow gauge.
func (m *Metrics) IncIntercepted() {
	m.interceptedFlows.Inc()
}

// DecIntercepted decrements the held-flow gauge.
func (m *Metrics) DecIntercepted() {
	m.interceptedFlows.Dec()
}

// SetStoreSize sets the flow store size gauge.
func (m *Metrics) SetStoreSize(n int) {
	m.storeSize.Set(float64(n))
}

// SetObservers sets the registered observer gauge.
func (m *Metrics) SetObservers(n int) {
	m.observers.Set(float64(n))
}

// RecordPublishDrop records an event dropped at delivery to one observer.
func (m *Metrics) RecordPublishDrop() {
	m.publishDrops.Inc()
}

// Package metrics exposes agent counters on a private Prometheus registry.
// Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry      *prometheus.Registry
	received      *prometheus.CounterVec
	finished      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	inflight      prometheus.Gauge
	cancellations prometheus.Counter
	reconnects    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmiagent",
			Name:      "requests_received_total",
			Help:      "Requests read from the queue, by validation outcome.",
		}, []string{"outcome"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmiagent",
			Name:      "requests_finished_total",
			Help:      "Dispatched requests, by call model and final status.",
		}, []string{"model", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rmiagent",
			Name:      "request_duration_seconds",
			Help:      "Time spent executing a request.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"model"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmiagent",
			Name:      "requests_inflight",
			Help:      "Requests currently executing.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rmiagent",
			Name:      "cancellations_total",
			Help:      "Requests marked cancelled.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rmiagent",
			Name:      "reader_reconnects_total",
			Help:      "Times a consumer reopened its reader after a transport failure.",
		}),
	}
	reg.MustRegister(
		m.received, m.finished, m.duration, m.inflight, m.cancellations, m.reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Received(outcome string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(outcome).Inc()
}

// Started marks a request as executing; the returned func records its end.
func (m *Metrics) Started(model string) func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inflight.Inc()
	return func(status string) {
		m.inflight.Dec()
		m.duration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		m.finished.WithLabelValues(model, status).Inc()
	}
}

// Finished records a request that ended without executing.
func (m *Metrics) Finished(model, status string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(model, status).Inc()
}

func (m *Metrics) Cancelled(n int) {
	if m == nil {
		return
	}
	m.cancellations.Add(float64(n))
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Package telemetry exposes the server's operational metrics in
// Prometheus format. Everything here is about the server itself;
// fleet data never leaves through this surface.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the server's Prometheus collector set, backed by its own
// registry so tests never collide on global state.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reportsTotal    *prometheus.CounterVec
	decryptFailures prometheus.Counter
	commandsIssued  prometheus.Counter
	wsClients       prometheus.Gauge
	machinesByState *prometheus.GaugeVec
}

// New registers the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		reportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "reports_total",
			Help:      "Agent reports by outcome.",
		}, []string{"outcome"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "decrypt_failures_total",
			Help:      "Report envelopes that failed authentication or decryption.",
		}),
		commandsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "commands_issued_total",
			Help:      "Commands enqueued for agents.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "websocket_clients",
			Help:      "Currently connected dashboard websocket clients.",
		}),
		machinesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "machines",
			Help:      "Registered machines by derived status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.reportsTotal,
		m.decryptFailures,
		m.commandsIssued,
		m.wsClients,
		m.machinesByState,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ReportAccepted counts a report that made it into the store.
func (m *Metrics) ReportAccepted() { m.reportsTotal.WithLabelValues("accepted").Inc() }

// ReportRejected counts a report refused before ingestion.
func (m *Metrics) ReportRejected() { m.reportsTotal.WithLabelValues("rejected").Inc() }

// DecryptFailed counts an envelope that would not open.
func (m *Metrics) DecryptFailed() { m.decryptFailures.Inc() }

// CommandIssued counts a command enqueued via the API.
func (m *Metrics) CommandIssued() { m.commandsIssued.Inc() }

// SetWebsocketClients tracks the live dashboard connection count.
func (m *Metrics) SetWebsocketClients(n int) { m.wsClients.Set(float64(n)) }

// SetMachineCounts refreshes the per-status machine gauges.
func (m *Metrics) SetMachineCounts(online, warning, offline int) {
	m.machinesByState.WithLabelValues("online").Set(float64(online))
	m.machinesByState.WithLabelValues("warning").Set(float64(warning))
	m.machinesByState.WithLabelValues("offline").Set(float64(offline))
}

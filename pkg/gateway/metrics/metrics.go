// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Relay sessions
	RelaysActive     prometheus.Gauge
	RelaysTotal      *prometheus.CounterVec
	RelayDuration    prometheus.Histogram
	FramesTotal      *prometheus.CounterVec
	FrameBytesTotal  *prometheus.CounterVec
	UpstreamFailures prometheus.Counter

	// Finalize and analysis
	FinalizeTotal    *prometheus.CounterVec
	AnalysisTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "formvoice"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"route"}),
		RelaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Number of open relay connections",
		}),
		RelaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Total number of finished relay connections by final upstream state",
		}, []string{"mode"}),
		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Relay connection duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames handled by the relay",
		}, []string{"direction", "kind"}),
		FrameBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Payload bytes handled by the relay",
		}, []string{"direction"}),
		UpstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_failures_total",
			Help:      "Upstream realtime connection attempts that failed",
		}),
		FinalizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_total",
			Help:      "Session finalize calls by outcome",
		}, []string{"outcome"}),
		AnalysisTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_total",
			Help:      "Transcript analyses by result",
		}, []string{"result"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Transcript analysis duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RelaysActive,
		m.RelaysTotal,
		m.RelayDuration,
		m.FramesTotal,
		m.FrameBytesTotal,
		m.UpstreamFailures,
		m.FinalizeTotal,
		m.AnalysisTotal,
		m.AnalysisDuration,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RelayStarted() {
	if m == nil {
		return
	}
	m.RelaysActive.Inc()
}

// RelayEnded records a closed relay; mode is "relayed", "echoed" or "closed".
func (m *Metrics) RelayEnded(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RelaysActive.Dec()
	m.RelaysTotal.WithLabelValues(mode).Inc()
	m.RelayDuration.Observe(duration.Seconds())
}

// RecordFrame counts one frame; direction is "client" or "upstream", kind is
// "text" or "binary".
func (m *Metrics) RecordFrame(direction, kind string, n int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
	m.FrameBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordUpstreamFailure() {
	if m == nil {
		return
	}
	m.UpstreamFailures.Inc()
}

func (m *Metrics) RecordFinalize(outcome string) {
	if m == nil {
		return
	}
	m.FinalizeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAnalysis(err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AnalysisTotal.WithLabelValues(result).Inc()
	m.AnalysisDuration.Observe(duration.Seconds())
}

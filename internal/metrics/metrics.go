// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Stream lifetimes run far longer than single requests.
var streamBuckets = prometheus.ExponentialBuckets(0.1, 2, 12)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	StreamsActive     prometheus.Gauge
	StreamFrames      *prometheus.CounterVec
	StreamBytes       prometheus.Counter
	StreamsClosed     *prometheus.CounterVec
	StreamDuration    prometheus.Histogram
	TranscriptDropped prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assistant_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_relay_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assistant_relay_streams_active",
			Help: "SSE sessions currently open to clients.",
		}),

		StreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_relay_stream_frames_total",
			Help: "Frames written to SSE clients by kind.",
		}, []string{"kind"}),

		StreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assistant_relay_stream_bytes_total",
			Help: "Bytes written to SSE clients.",
		}),

		StreamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_relay_streams_closed_total",
			Help: "SSE sessions closed by termination reason.",
		}, []string{"reason"}),

		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_relay_stream_duration_seconds",
			Help:    "SSE session lifetime in seconds.",
			Buckets: streamBuckets,
		}),

		TranscriptDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assistant_relay_transcript_dropped_total",
			Help: "Transcript entries dropped because the write queue was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.StreamsActive,
		m.StreamFrames,
		m.StreamBytes,
		m.StreamsClosed,
		m.StreamDuration,
		m.TranscriptDropped,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/assistant/chat", "/api/assistant/stream", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mirror-proxy-go/internal/config"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseSize     *prometheus.HistogramVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	Substitutions       prometheus.Counter
	DroppedHeaderLines  *prometheus.CounterVec
	DegenerateResponses prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirror_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirror_proxy_http_response_size_bytes",
			Help:    "Size of response bodies written to callers, after rewriting.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"route"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirror_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_proxy_upstream_failures_total",
			Help: "Upstream calls that could not complete, by reason.",
		}, []string{"reason"}),

		Substitutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_proxy_origin_substitutions_total",
			Help: "Upstream origin occurrences replaced with the caller origin.",
		}),

		DroppedHeaderLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_proxy_dropped_header_lines_total",
			Help: "Upstream header lines not relayed to the caller, by reason.",
		}, []string{"reason"}),

		DegenerateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_proxy_degenerate_responses_total",
			Help: "Upstream responses without a header/body boundary.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseSize,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.Substitutions,
		m.DroppedHeaderLines,
		m.DegenerateResponses,
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

// NormalizeRoute returns a bounded route label for a matched echo route path.
// Every proxied path collapses to "proxy" since upstream paths are unbounded.
func NormalizeRoute(path, metricsPath string) string {
	switch path {
	case config.HealthPath, config.StatusPath:
		return path
	case metricsPath:
		return "metrics"
	}
	return "proxy"
}

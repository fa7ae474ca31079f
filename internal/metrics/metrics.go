// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Label values for Rewrites.
const (
	KindHTML = "html"
	KindCSS  = "css"
	KindJS   = "js"
)

// Label values for TunnelMessages.
const (
	DirectionUpstream   = "client_to_upstream"
	DirectionDownstream = "upstream_to_client"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	Rewrites           *prometheus.CounterVec
	BlockedRequests    prometheus.Counter
	CanonicalRedirects prometheus.Counter
	ActiveTunnels      prometheus.Gauge
	TunnelMessages     *prometheus.CounterVec

	knownPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. proxyPrefix becomes a path label of its own so that proxied
// traffic is not folded into "other".
func New(proxyPrefix string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alloy_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alloy_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alloy_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alloy_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alloy_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alloy_proxy_rewrites_total",
			Help: "Response bodies rewritten, by content kind.",
		}, []string{"kind"}),

		BlockedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alloy_proxy_blocked_requests_total",
			Help: "Requests rejected by the blacklist.",
		}),

		CanonicalRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alloy_proxy_canonical_redirects_total",
			Help: "Requests redirected to their canonical proxied path.",
		}),

		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alloy_proxy_websocket_tunnels_active",
			Help: "Number of open WebSocket tunnels.",
		}),

		TunnelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alloy_proxy_websocket_messages_total",
			Help: "WebSocket messages relayed, by direction.",
		}, []string{"direction"}),

		knownPrefixes: []string{"/healthz", "/proxy/status", "/prox", "/session", "/metrics"},
	}

	if p := strings.TrimSuffix(proxyPrefix, "/"); p != "" {
		m.knownPrefixes = append([]string{p}, m.knownPrefixes...)
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.Rewrites,
		m.BlockedRequests,
		m.CanonicalRedirects,
		m.ActiveTunnels,
		m.TunnelMessages,
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

// NormalizePath returns a bounded path label for Prometheus metrics.
// Proxied paths collapse onto the proxy prefix.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

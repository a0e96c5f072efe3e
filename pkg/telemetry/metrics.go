package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics bundles every standard series the gateway exports. Constructed
// once at startup and injected into the components that publish to it.
type GatewayMetrics struct {
	// JSON-RPC surface
	RequestsTotal   *prometheus.CounterVec   // server_id, method, status
	ErrorsTotal     *prometheus.CounterVec   // server_id, error_type
	RequestDuration *prometheus.HistogramVec // server_id, method
	ActiveRequests  *prometheus.GaugeVec     // server_id

	// Supervised children
	ServerStatus   *prometheus.GaugeVec   // server_id (0..4 state code)
	ServerUptime   *prometheus.GaugeVec   // server_id
	ServerRestarts *prometheus.CounterVec // server_id, reason

	// Streaming
	StreamingRequests *prometheus.CounterVec // server_id, completion_status
	ActiveStreams     *prometheus.GaugeVec   // server_id

	// LLM adapter
	LLMRequests      *prometheus.CounterVec // model, provider
	LLMSuccesses     *prometheus.CounterVec // model, provider
	LLMFailures      *prometheus.CounterVec // model, provider
	LLMLatency       *prometheus.HistogramVec
	LLMLatencyStat   *prometheus.GaugeVec   // model, provider, stat (min|avg|max)
	LLMTokens        *prometheus.CounterVec // model, provider, type (prompt|completion)
	LLMErrorsByCode  *prometheus.CounterVec // model, provider, status_class
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	PredictionsTotal *prometheus.CounterVec // model, terminal_status
}

// NewGatewayMetrics registers the standard gateway series on the registry.
func NewGatewayMetrics(r *Registry) *GatewayMetrics {
	m := &GatewayMetrics{
		RequestsTotal: r.Counter("fluidmcp_requests_total",
			"JSON-RPC requests forwarded to supervised children.",
			"server_id", "method", "status"),
		ErrorsTotal: r.Counter("fluidmcp_errors_total",
			"Classified gateway errors.",
			"server_id", "error_type"),
		RequestDuration: r.Histogram("fluidmcp_request_duration_seconds",
			"Per-request latency of JSON-RPC calls.",
			"server_id", "method"),
		ActiveRequests: r.Gauge("fluidmcp_active_requests",
			"In-flight JSON-RPC requests.",
			"server_id"),
		ServerStatus: r.Gauge("fluidmcp_server_status",
			"Lifecycle state: 0 Stopped, 1 Starting, 2 Running, 3 Error, 4 Restarting.",
			"server_id"),
		ServerUptime: r.Gauge("fluidmcp_server_uptime_seconds",
			"Seconds since the child was last started.",
			"server_id"),
		ServerRestarts: r.Counter("fluidmcp_server_restarts_total",
			"Restart events by reason.",
			"server_id", "reason"),
		StreamingRequests: r.Counter("fluidmcp_streaming_requests_total",
			"SSE session terminations by completion status.",
			"server_id", "completion_status"),
		ActiveStreams: r.Gauge("fluidmcp_active_streams",
			"In-flight SSE stream sessions.",
			"server_id"),
		LLMRequests: r.Counter("fluidmcp_llm_requests_total",
			"LLM adapter requests.",
			"model", "provider"),
		LLMSuccesses: r.Counter("fluidmcp_llm_requests_success_total",
			"LLM adapter successes.",
			"model", "provider"),
		LLMFailures: r.Counter("fluidmcp_llm_requests_failure_total",
			"LLM adapter failures.",
			"model", "provider"),
		LLMLatency: r.Histogram("fluidmcp_llm_request_duration_seconds",
			"LLM adapter end-to-end latency.",
			"model", "provider"),
		LLMLatencyStat: r.Gauge("fluidmcp_llm_latency_seconds",
			"Rolling latency statistics per model.",
			"model", "provider", "stat"),
		LLMTokens: r.Counter("fluidmcp_llm_tokens_total",
			"Token usage reported by providers.",
			"model", "provider", "type"),
		LLMErrorsByCode: r.Counter("fluidmcp_llm_errors_by_status",
			"LLM failures by upstream HTTP status class.",
			"model", "provider", "status_class"),
		CacheHits: r.Counter("fluidmcp_llm_cache_hits_total",
			"Response cache hits.").WithLabelValues(),
		CacheMisses: r.Counter("fluidmcp_llm_cache_misses_total",
			"Response cache misses.").WithLabelValues(),
		PredictionsTotal: r.Counter("fluidmcp_predictions_total",
			"Prediction polling sessions by terminal status.",
			"model", "terminal_status"),
	}
	return m
}

// ObserveLLMLatency records one adapter latency sample into both the histogram
// and the rolling min/avg/max gauges.
func (m *GatewayMetrics) ObserveLLMLatency(model, provider string, d time.Duration, min, avg, max float64) {
	m.LLMLatency.WithLabelValues(model, provider).Observe(d.Seconds())
	m.LLMLatencyStat.WithLabelValues(model, provider, "min").Set(min)
	m.LLMLatencyStat.WithLabelValues(model, provider, "avg").Set(avg)
	m.LLMLatencyStat.WithLabelValues(model, provider, "max").Set(max)
}

// StatusClass maps an HTTP status to its class label ("4xx", "5xx", "other").
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "other"
	}
}

// Package metrics registers and exposes the gateway's Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the AI gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// AI request metrics.
	AIRequestsTotal   *prometheus.CounterVec
	ProviderDuration  *prometheus.HistogramVec
	ProviderErrors    *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	RedactionsTotal   prometheus.Counter
	ToolCallsTotal    *prometheus.CounterVec
	StreamDisconnects prometheus.Counter

	// Queue metrics.
	QueueDepth    prometheus.Gauge
	QueueInFlight prometheus.Gauge

	// Admission metrics.
	QuotaRejectionsTotal     *prometheus.CounterVec
	RateLimitRejectionsTotal prometheus.Counter

	// Usage collector metrics.
	CollectorFlushesTotal *prometheus.CounterVec
	CollectorRecordsTotal prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		AIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_ai_requests_total",
			Help: "Total number of AI requests by category, model, and outcome.",
		}, []string{"category", "model", "outcome"}),

		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigateway_provider_duration_seconds",
			Help:    "Upstream provider call duration in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_provider_errors_total",
			Help: "Total number of provider errors by error code.",
		}, []string{"provider", "code"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_fallbacks_total",
			Help: "Total number of fallback attempts by trigger reason and outcome.",
		}, []string{"reason", "outcome"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_tokens_total",
			Help: "Total tokens processed by direction.",
		}, []string{"model", "direction"}),

		RedactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigateway_redactions_total",
			Help: "Total number of redacted spans removed from prompts.",
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_tool_calls_total",
			Help: "Total number of tool executions by tool name.",
		}, []string{"tool"}),

		StreamDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigateway_stream_disconnects_total",
			Help: "Total number of streaming responses cut off by client disconnect.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigateway_queue_depth",
			Help: "Number of requests waiting in the dispatch queue.",
		}),

		QueueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigateway_queue_in_flight",
			Help: "Number of requests currently executing against a provider.",
		}),

		QuotaRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_quota_rejections_total",
			Help: "Total number of requests denied by monthly quota.",
		}, []string{"tier", "category"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigateway_ratelimit_rejections_total",
			Help: "Total number of requests denied by the per-caller rate limiter.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_collector_flushes_total",
			Help: "Total number of usage collector flushes.",
		}, []string{"status"}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigateway_collector_records_total",
			Help: "Total number of usage records recorded.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigateway_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AIRequestsTotal,
		m.ProviderDuration,
		m.ProviderErrors,
		m.FallbacksTotal,
		m.TokensTotal,
		m.RedactionsTotal,
		m.ToolCallsTotal,
		m.StreamDisconnects,
		m.QueueDepth,
		m.QueueInFlight,
		m.QuotaRejectionsTotal,
		m.RateLimitRejectionsTotal,
		m.CollectorFlushesTotal,
		m.CollectorRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncAIRequest increments the AI request counter.
func (m *Metrics) IncAIRequest(category, model, outcome string) {
	m.AIRequestsTotal.WithLabelValues(category, model, outcome).Inc()
}

// ObserveProviderDuration records an upstream call duration.
func (m *Metrics) ObserveProviderDuration(providerName, model string, seconds float64) {
	m.ProviderDuration.WithLabelValues(providerName, model).Observe(seconds)
}

// IncProviderError increments the provider error counter.
func (m *Metrics) IncProviderError(providerName, code string) {
	m.ProviderErrors.WithLabelValues(providerName, code).Inc()
}

// IncFallback increments the fallback counter.
func (m *Metrics) IncFallback(reason, outcome string) {
	m.FallbacksTotal.WithLabelValues(reason, outcome).Inc()
}

// AddTokens records processed token counts for a model.
func (m *Metrics) AddTokens(model string, input, output int) {
	m.TokensTotal.WithLabelValues(model, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(model, "output").Add(float64(output))
}

// AddRedactions records redacted span counts.
func (m *Metrics) AddRedactions(count int) {
	m.RedactionsTotal.Add(float64(count))
}

// IncToolCall increments the tool execution counter.
func (m *Metrics) IncToolCall(tool string) {
	m.ToolCallsTotal.WithLabelValues(tool).Inc()
}

// SetQueueStatus updates the queue gauges from a depth snapshot.
func (m *Metrics) SetQueueStatus(depth, inFlight int) {
	m.QueueDepth.Set(float64(depth))
	m.QueueInFlight.Set(float64(inFlight))
}

// IncQuotaRejection increments the quota rejection counter.
func (m *Metrics) IncQuotaRejection(tier, category string) {
	m.QuotaRejectionsTotal.WithLabelValues(tier, category).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncHTTPRequest increments the HTTP request counter.
func (m *Metrics) IncHTTPRequest(kind, method, pathPattern string, statusCode int) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pathPattern, fmt.Sprintf("%d", statusCode)).Inc()
}

// ObserveHTTPDuration records an HTTP request duration.
func (m *Metrics) ObserveHTTPDuration(kind, method, pathPattern string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(kind, method, pathPattern).Observe(seconds)
}

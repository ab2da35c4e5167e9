package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application
// metrics. Built on Prometheus, it tracks query latency and outcomes,
// model API calls and token consumption, tool execution patterns, SSE
// connection activity, and error rates by component.
type Metrics struct {
	registry *prometheus.Registry

	// QueryDuration measures end-to-end agent query latency in seconds.
	// Labels: outcome (done|truncated|max_iterations|aborted|timeout|error)
	QueryDuration *prometheus.HistogramVec

	// ModelRequestDuration measures model API call latency in seconds.
	// Labels: model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model API calls.
	// Labels: model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: type (input|output|cache_read|cache_created)
	TokensUsed *prometheus.CounterVec

	// CacheHits counts model responses served partly from prompt cache.
	CacheHits prometheus.Counter

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveSessions tracks the current number of live sessions.
	ActiveSessions prometheus.Gauge

	// SSEConnections tracks currently open SSE connections.
	SSEConnections prometheus.Gauge

	// SSEMessages counts events pushed over SSE.
	// Labels: event_type
	SSEMessages *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (agent|mcp|sessions|sse|gateway), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a fresh
// registry. Call once at application startup and expose via Handler.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_query_duration_seconds",
				Help:    "End-to-end agent query duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_model_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_model_requests_total",
				Help: "Total number of model API requests by model and status",
			},
			[]string{"model", "status"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Total number of tokens consumed by type",
			},
			[]string{"type"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_prompt_cache_hits_total",
				Help: "Model responses that read from the prompt cache",
			},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Current number of live sessions",
			},
		),

		SSEConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sse_connections",
				Help: "Currently open SSE connections",
			},
		),

		SSEMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sse_messages_total",
				Help: "Total number of events pushed over SSE by event type",
			},
			[]string{"event_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// Registry returns the registry holding all relay metrics, for exposure
// through promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordQuery records the outcome and duration of a completed query.
func (m *Metrics) RecordQuery(outcome string, durationSeconds float64) {
	m.QueryDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordModelRequest records one model API call and its token usage.
func (m *Metrics) RecordModelRequest(model, status string, durationSeconds float64, inputTokens, outputTokens, cacheRead, cacheCreated int64) {
	m.ModelRequestCounter.WithLabelValues(model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.TokensUsed.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensUsed.WithLabelValues("output").Add(float64(outputTokens))
	}
	if cacheRead > 0 {
		m.TokensUsed.WithLabelValues("cache_read").Add(float64(cacheRead))
		m.CacheHits.Inc()
	}
	if cacheCreated > 0 {
		m.TokensUsed.WithLabelValues("cache_created").Add(float64(cacheCreated))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordSSEMessage counts one event pushed over SSE.
func (m *Metrics) RecordSSEMessage(eventType string) {
	m.SSEMessages.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

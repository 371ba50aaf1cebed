package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, token consumption, and routing decisions
//   - Tool execution patterns and latencies
//   - Memory store query performance and compaction events
//   - Error rates categorized by type and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.LLMRequestDuration.WithLabelValues("openai", "gpt-4o").Observe(time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// RouterDecisions counts model routing decisions.
	// Labels: tier (fast|standard|strong), model
	RouterDecisions *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (agent|tool|memory|provider), error_type
	ErrorCounter *prometheus.CounterVec

	// MemoryQueryDuration measures memory store query latency.
	// Labels: operation (append|query|search|update), layer (events|tasks|profile|semantic)
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	MemoryQueryDuration *prometheus.HistogramVec

	// CompactionCounter counts context compaction runs by outcome.
	// Labels: status (ok|approaching_limit|should_flush|critical)
	CompactionCounter *prometheus.CounterVec

	// ContextUtilization is a gauge of the current context window fill
	// ratio per session.
	// Labels: session_id
	ContextUtilization *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. Call once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		RouterDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_router_decisions_total",
				Help: "Total number of model routing decisions by tier and chosen model",
			},
			[]string{"tier", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		MemoryQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_memory_query_duration_seconds",
				Help:    "Duration of memory store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "layer"},
		),

		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_compactions_total",
				Help: "Total number of context health checks by outcome",
			},
			[]string{"status"},
		),

		ContextUtilization: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strand_context_utilization_ratio",
				Help: "Current context window utilization per session",
			},
			[]string{"session_id"},
		),
	}
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
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

// RecordRouterDecision records a routing decision.
func (m *Metrics) RecordRouterDecision(tier, model string) {
	m.RouterDecisions.WithLabelValues(tier, model).Inc()
}

// RecordMemoryQuery records a memory store operation.
func (m *Metrics) RecordMemoryQuery(operation, layer string, durationSeconds float64) {
	m.MemoryQueryDuration.WithLabelValues(operation, layer).Observe(durationSeconds)
}

// RecordCompaction records a context health check outcome and the
// utilization it observed.
func (m *Metrics) RecordCompaction(sessionID, status string, utilization float64) {
	m.CompactionCounter.WithLabelValues(status).Inc()
	m.ContextUtilization.WithLabelValues(sessionID).Set(utilization)
}

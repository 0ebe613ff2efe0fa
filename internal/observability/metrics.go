package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Metrics collects orchestration metrics on its own Prometheus registry.
//
// The metrics system tracks:
//   - Turns by outcome and their latency
//   - LLM calls by model and status, with token usage
//   - Tool executions and latencies
//   - Compactions by reason and status
//   - Memory queue depth and task outcomes
//   - Gateway HTTP requests
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	mux.Handle("/metrics", metrics.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// TurnCounter counts finished turns.
	// Labels: outcome (final|max_rounds|skip_tool_calls|<error kind>)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	TurnDuration *prometheus.HistogramVec

	// ActiveTurns is the number of turns currently holding a session lock.
	ActiveTurns prometheus.Gauge

	// LLMRequestCounter counts model calls.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// CompactionCounter counts compaction attempts.
	// Labels: reason (history|overflow), status (done|fallback|skipped|error)
	CompactionCounter *prometheus.CounterVec

	// MemoryQueueDepth is the number of pending memory summary tasks.
	MemoryQueueDepth prometheus.Gauge

	// MemoryTaskCounter counts finished memory tasks.
	// Labels: status (done|failed)
	MemoryTaskCounter *prometheus.CounterVec

	// MemoryTaskDuration measures memory summarization time in seconds.
	MemoryTaskDuration prometheus.Histogram

	// HTTPRequestCounter counts gateway requests.
	// Labels: method, route, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures gateway request latency.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		TurnCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_turns_total",
				Help: "Total number of orchestrated turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_turn_duration_seconds",
				Help:    "Duration of orchestrated turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		ActiveTurns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_turns",
				Help: "Number of turns currently running",
			},
		),

		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_requests_total",
				Help: "Total number of LLM requests by model and status",
			},
			[]string{"model", "status"},
		),

		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CompactionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_compactions_total",
				Help: "Total number of context compactions by reason and status",
			},
			[]string{"reason", "status"},
		),

		MemoryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_memory_queue_depth",
				Help: "Number of memory summary tasks waiting to run",
			},
		),

		MemoryTaskCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_memory_tasks_total",
				Help: "Total number of memory summary tasks by status",
			},
			[]string{"status"},
		),

		MemoryTaskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_memory_task_duration_seconds",
				Help:    "Duration of memory summary tasks in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		HTTPRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_http_requests_total",
				Help: "Total number of gateway HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_http_request_duration_seconds",
				Help:    "Duration of gateway HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TurnCounter,
		m.TurnDuration,
		m.ActiveTurns,
		m.LLMRequestCounter,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolExecutionCounter,
		m.ToolExecutionDuration,
		m.CompactionCounter,
		m.MemoryQueueDepth,
		m.MemoryTaskCounter,
		m.MemoryTaskDuration,
		m.HTTPRequestCounter,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TurnStarted increments the active turn gauge.
func (m *Metrics) TurnStarted() {
	m.ActiveTurns.Inc()
}

// TurnFinished records a turn outcome and decrements the active gauge.
func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	m.ActiveTurns.Dec()
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveLLMCall records one model call.
func (m *Metrics) ObserveLLMCall(model string, err error, elapsed time.Duration, usage models.Usage) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	if usage.PromptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
}

// ObserveToolCall records a tool execution.
func (m *Metrics) ObserveToolCall(name string, ok bool, elapsed time.Duration) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveCompaction records a compaction attempt.
func (m *Metrics) ObserveCompaction(reason, status string) {
	m.CompactionCounter.WithLabelValues(reason, status).Inc()
}

// SetMemoryQueueDepth sets the pending memory task gauge.
func (m *Metrics) SetMemoryQueueDepth(depth int) {
	m.MemoryQueueDepth.Set(float64(depth))
}

// ObserveMemoryTask records a finished memory task.
func (m *Metrics) ObserveMemoryTask(status string, elapsed time.Duration) {
	m.MemoryTaskCounter.WithLabelValues(status).Inc()
	m.MemoryTaskDuration.Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records a gateway request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestCounter.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

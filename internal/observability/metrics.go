package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the runtime's Prometheus instruments.
//
// Runs, backend calls, tool executions, spend, and memory operations are
// labeled so dashboards can slice by agent, provider, and tool.
type Metrics struct {
	// RunCounter counts runs by agent and status (success|error).
	RunCounter *prometheus.CounterVec

	// RunDuration measures whole-run latency in seconds by agent.
	RunDuration *prometheus.HistogramVec

	// LLMRequestDuration measures backend chat latency by provider and model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens counts tokens by provider, model, and type (input|output).
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool dispatches by tool and status.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution latency by tool.
	ToolDuration *prometheus.HistogramVec

	// RunCost accumulates USD spend by agent and model.
	RunCost *prometheus.CounterVec

	// MemoryOperations counts adapter calls by operation and status.
	MemoryOperations *prometheus.CounterVec
}

// NewMetrics creates and registers the runtime metrics on the registry;
// nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		RunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_runs_total",
			Help: "Total agent runs by agent and status",
		}, []string{"agent", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sovereign_run_duration_seconds",
			Help:    "Whole-run latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"agent"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sovereign_llm_request_duration_seconds",
			Help:    "Backend chat call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_llm_tokens_total",
			Help: "Token consumption by provider, model, and type",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_tool_executions_total",
			Help: "Tool dispatches by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sovereign_tool_duration_seconds",
			Help:    "Tool execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		RunCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_run_cost_usd_total",
			Help: "Accumulated run spend in USD",
		}, []string{"agent", "model"}),
		MemoryOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_memory_operations_total",
			Help: "Memory adapter calls by operation and status",
		}, []string{"operation", "status"}),
	}

	factory(m.RunCounter)
	factory(m.RunDuration)
	factory(m.LLMRequestDuration)
	factory(m.LLMTokens)
	factory(m.ToolExecutions)
	factory(m.ToolDuration)
	factory(m.RunCost)
	factory(m.MemoryOperations)
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(agent string, err error, duration time.Duration, cost float64, model string) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RunCounter.WithLabelValues(agent, status).Inc()
	m.RunDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if cost > 0 {
		m.RunCost.WithLabelValues(agent, model).Add(cost)
	}
}

// ObserveLLMCall records one backend chat call.
func (m *Metrics) ObserveLLMCall(provider, model string, duration time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

// ObserveTool records one tool dispatch.
func (m *Metrics) ObserveTool(tool string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveMemory records one adapter call.
func (m *Metrics) ObserveMemory(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MemoryOperations.WithLabelValues(operation, status).Inc()
}

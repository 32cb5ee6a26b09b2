package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AgentMetrics tracks the run scheduler, tool dispatch, provider
// failover, and rate limiter in Prometheus terms. It is deliberately
// separate from Metrics (which instruments the channel/webhook/HTTP
// surface this build does not ship): AgentMetrics is the set actually
// exercised by the run loop.
type AgentMetrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	ToolCallsTotal     *prometheus.CounterVec
	ProviderFailover   *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
}

// NewAgentMetrics registers the agent-core metric families with
// Prometheus's default registry. Call once at startup.
func NewAgentMetrics() *AgentMetrics {
	return &AgentMetrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_runs_total",
				Help: "Total number of runs by terminal status",
			},
			[]string{"status"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_run_duration_seconds",
				Help:    "Run wall-clock duration from dispatch to terminal state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agent_queue_depth",
				Help: "Queued (not yet running) runs per session; only exported for sessions with a nonzero depth",
			},
			[]string{"session_key"},
		),
		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Total tool invocations by tool name and success",
			},
			[]string{"tool", "ok"},
		),
		ProviderFailover: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_provider_failover_total",
				Help: "Total provider failover events by provider and reason",
			},
			[]string{"provider", "reason"},
		),
		RateLimitRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_ratelimit_rejections_total",
				Help: "Total requests rejected by the rate limiter by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordRun observes a terminal run: status is one of
// completed/cancelled/error.
func (m *AgentMetrics) RecordRun(status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetQueueDepth publishes a session's current queue depth. Per the
// cardinality-bounded export rule, callers should only call this for
// depth > 0 and should delete the series (via QueueDepth.DeleteLabelValues)
// once a session's queue drains.
func (m *AgentMetrics) SetQueueDepth(sessionKey string, depth int) {
	if depth <= 0 {
		m.QueueDepth.DeleteLabelValues(sessionKey)
		return
	}
	m.QueueDepth.WithLabelValues(sessionKey).Set(float64(depth))
}

// RecordToolCall observes one tool invocation's outcome.
func (m *AgentMetrics) RecordToolCall(tool string, ok bool) {
	m.ToolCallsTotal.WithLabelValues(tool, boolLabel(ok)).Inc()
}

// RecordFailover observes one provider failover (a candidate being
// skipped or exhausted), tagged with why.
func (m *AgentMetrics) RecordFailover(provider, reason string) {
	m.ProviderFailover.WithLabelValues(provider, reason).Inc()
}

// RecordRateLimitRejection observes one rate-limited request.
func (m *AgentMetrics) RecordRateLimitRejection(kind string) {
	m.RateLimitRejects.WithLabelValues(kind).Inc()
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

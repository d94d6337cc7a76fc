// Package metrics provides Prometheus-based metrics recording for orchestration operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder using Prometheus CounterVec/HistogramVec metrics.
type PrometheusRecorder struct {
	requestsTotal    *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	costsTotal       *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	throttleTotal    *prometheus.CounterVec
	queueWaitTime    *prometheus.HistogramVec
	agentSpawnTotal  *prometheus.CounterVec
	routerDecisions  *prometheus.CounterVec
	taskQueueDepth   *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leon_llm_requests_total",
				Help: "Total number of LM provider requests by model, task, agent, and status",
			},
			[]string{"model", "task_id", "agent_id", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leon_llm_tokens_total",
				Help: "Total number of tokens used in LM provider requests",
			},
			[]string{"model", "task_id", "agent_id", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leon_llm_costs_total",
				Help: "Total cost in USD for LM provider requests",
			},
			[]string{"model", "task_id", "agent_id"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leon_llm_request_duration_seconds",
				Help:    "Duration of LM provider requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "task_id", "agent_id"},
		),
		throttleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leon_llm_throttle_total",
				Help: "Total number of LM rate-limit/budget throttling events",
			},
			[]string{"model", "reason"},
		),
		queueWaitTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leon_llm_queue_wait_duration_seconds",
				Help:    "Time spent waiting for rate limit availability",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		agentSpawnTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leon_agent_lifecycle_total",
				Help: "Agent lifecycle transitions by state and outcome",
			},
			[]string{"state", "outcome"},
		),
		routerDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leon_router_decisions_total",
				Help: "Utterance routing decisions by classification path taken",
			},
			[]string{"path"},
		),
		taskQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leon_task_queue_depth",
				Help: "Current task queue depth by status",
			},
			[]string{"status"},
		),
	}
}

// ObserveLLMRequest records metrics for a completed LM provider call.
func (p *PrometheusRecorder) ObserveLLMRequest(
	model, taskID, agentID string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, taskID, agentID, status, errorType).Inc()

	if success {
		p.tokensTotal.WithLabelValues(model, taskID, agentID, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, taskID, agentID, "completion").Add(float64(completionTokens))
		p.costsTotal.WithLabelValues(model, taskID, agentID).Add(cost)
	}

	p.requestDuration.WithLabelValues(model, taskID, agentID).Observe(duration.Seconds())
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (p *PrometheusRecorder) ObserveQueueWait(model string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveAgentSpawn records an agent lifecycle state transition.
func (p *PrometheusRecorder) ObserveAgentSpawn(state string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	p.agentSpawnTotal.WithLabelValues(state, outcome).Inc()
}

// ObserveRouterDecision records which classification path the router took.
func (p *PrometheusRecorder) ObserveRouterDecision(path string) {
	p.routerDecisions.WithLabelValues(path).Inc()
}

// SetQueueDepth publishes the current task queue depth for a status bucket.
func (p *PrometheusRecorder) SetQueueDepth(status string, depth int) {
	p.taskQueueDepth.WithLabelValues(status).Set(float64(depth))
}

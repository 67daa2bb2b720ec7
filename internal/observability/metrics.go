// Package observability exposes the Prometheus instrumentation for the
// relay: webhook ingress, turn processing, LLM spend, tool executions,
// the outbound queue, and webchat connections.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/solvia-ai/relay/pkg/models"
)

// Webhook outcomes recorded at ingress.
const (
	WebhookProcessing = "processing"
	WebhookDuplicate  = "duplicate"
	WebhookStatus     = "status"
	WebhookIgnored    = "ignored"
	WebhookError      = "error"
)

// Outbound job outcomes.
const (
	OutboundEnqueued = "enqueued"
	OutboundSent     = "sent"
	OutboundRetried  = "retried"
	OutboundDead     = "dead"
)

// Metrics is the collector set. Construct once per process; handlers and
// loops record through the helper methods.
type Metrics struct {
	// Webhooks counts inbound webhook requests by channel and outcome.
	// Labels: channel, outcome (processing|duplicate|status|ignored|error)
	Webhooks *prometheus.CounterVec

	// TurnDuration measures full turn processing time in seconds.
	// Labels: channel, status (ok|error)
	TurnDuration *prometheus.HistogramVec

	// LLMRequests counts completions by provider, model, and status.
	LLMRequests *prometheus.CounterVec

	// LLMTokens counts tokens by provider, model, and type
	// (input|output).
	LLMTokens *prometheus.CounterVec

	// LLMCost accumulates spend in USD by provider and model.
	LLMCost *prometheus.CounterVec

	// ToolExecutions counts tool runs by tool and status.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool run time in seconds by tool.
	ToolDuration *prometheus.HistogramVec

	// OutboundJobs counts outbound queue jobs by queue and outcome
	// (enqueued|sent|retried|dead).
	OutboundJobs *prometheus.CounterVec

	// WebchatConnections gauges currently open widget sockets.
	WebchatConnections prometheus.Gauge

	// HTTPRequests counts HTTP requests by method, route, and status
	// code.
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures HTTP request latency in seconds by method
	// and route.
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers the collector set. A nil registerer
// uses the process-default registry; tests pass an isolated one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhooks_total",
				Help: "Inbound webhook requests by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "Full turn processing time in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"channel", "status"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "LLM completion calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		LLMCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_cost_usd_total",
				Help: "Accumulated LLM spend in USD by provider and model",
			},
			[]string{"provider", "model"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		OutboundJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_outbound_jobs_total",
				Help: "Outbound queue jobs by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		WebchatConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_webchat_connections",
				Help: "Currently open webchat sockets",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// RecordWebhook counts one inbound webhook.
func (m *Metrics) RecordWebhook(channel models.ChannelType, outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(string(channel), outcome).Inc()
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(channel models.ChannelType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(string(channel), status).Observe(seconds)
}

// RecordLLMUsage records a completion's accounting as reported by the
// turn result.
func (m *Metrics) RecordLLMUsage(provider, model, status string, usage models.TokenUsage, costUSD float64) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	if usage.Input > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(usage.Input))
	}
	if usage.Output > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(usage.Output))
	}
	if costUSD > 0 {
		m.LLMCost.WithLabelValues(provider, model).Add(costUSD)
	}
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordOutbound counts an outbound job transition.
func (m *Metrics) RecordOutbound(queue, outcome string) {
	if m == nil {
		return
	}
	m.OutboundJobs.WithLabelValues(queue, outcome).Inc()
}

// WebchatConnected marks a widget socket opened.
func (m *Metrics) WebchatConnected() {
	if m == nil {
		return
	}
	m.WebchatConnections.Inc()
}

// WebchatDisconnected marks a widget socket closed.
func (m *Metrics) WebchatDisconnected() {
	if m == nil {
		return
	}
	m.WebchatConnections.Dec()
}

// RecordHTTPRequest records one served HTTP request. The route is the
// mux pattern, not the raw path, to bound cardinality.
func (m *Metrics) RecordHTTPRequest(method, route, code string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/solvia-ai/relay/pkg/models"
)

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func TestRecordWebhook(t *testing.T) {
	m := newTestMetrics()

	m.RecordWebhook(models.ChannelWhatsApp, WebhookProcessing)
	m.RecordWebhook(models.ChannelWhatsApp, WebhookProcessing)
	m.RecordWebhook(models.ChannelWhatsApp, WebhookDuplicate)
	m.RecordWebhook(models.ChannelTelegram, WebhookStatus)

	expected := `
		# HELP relay_webhooks_total Inbound webhook requests by channel and outcome
		# TYPE relay_webhooks_total counter
		relay_webhooks_total{channel="telegram",outcome="status"} 1
		relay_webhooks_total{channel="whatsapp",outcome="duplicate"} 1
		relay_webhooks_total{channel="whatsapp",outcome="processing"} 2
	`
	if err := testutil.CollectAndCompare(m.Webhooks, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected webhook counts: %v", err)
	}
}

func TestRecordLLMUsage(t *testing.T) {
	m := newTestMetrics()

	m.RecordLLMUsage("openai", "gpt-4o", "ok", models.TokenUsage{Input: 120, Output: 45, Total: 165}, 0.0021)
	m.RecordLLMUsage("openai", "gpt-4o", "ok", models.TokenUsage{Input: 80, Output: 20, Total: 100}, 0.0009)

	expected := `
		# HELP relay_llm_tokens_total Tokens consumed by provider, model, and type
		# TYPE relay_llm_tokens_total counter
		relay_llm_tokens_total{model="gpt-4o",provider="openai",type="input"} 200
		relay_llm_tokens_total{model="gpt-4o",provider="openai",type="output"} 65
	`
	if err := testutil.CollectAndCompare(m.LLMTokens, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected token counts: %v", err)
	}

	if got := testutil.ToFloat64(m.LLMCost.WithLabelValues("openai", "gpt-4o")); got < 0.0029 || got > 0.0031 {
		t.Errorf("cost = %v, want ~0.003", got)
	}
}

func TestRecordLLMUsageSkipsZeroes(t *testing.T) {
	m := newTestMetrics()

	m.RecordLLMUsage("anthropic", "claude", "error", models.TokenUsage{}, 0)

	if got := testutil.CollectAndCount(m.LLMTokens); got != 0 {
		t.Errorf("token series = %d, want 0", got)
	}
	if got := testutil.ToFloat64(m.LLMRequests.WithLabelValues("anthropic", "claude", "error")); got != 1 {
		t.Errorf("request count = %v, want 1", got)
	}
}

func TestWebchatGauge(t *testing.T) {
	m := newTestMetrics()

	m.WebchatConnected()
	m.WebchatConnected()
	m.WebchatDisconnected()

	if got := testutil.ToFloat64(m.WebchatConnections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
}

func TestRecordOutbound(t *testing.T) {
	m := newTestMetrics()

	m.RecordOutbound("outbound:whatsapp", OutboundEnqueued)
	m.RecordOutbound("outbound:whatsapp", OutboundSent)
	m.RecordOutbound("outbound:whatsapp", OutboundDead)

	if got := testutil.CollectAndCount(m.OutboundJobs); got != 3 {
		t.Errorf("outbound series = %d, want 3", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	m.RecordWebhook(models.ChannelWhatsApp, WebhookProcessing)
	m.RecordTurn(models.ChannelWhatsApp, "ok", 1.5)
	m.RecordLLMUsage("openai", "gpt-4o", "ok", models.TokenUsage{Input: 1}, 0.1)
	m.RecordToolExecution("search", "success", 0.2)
	m.RecordOutbound("outbound", OutboundEnqueued)
	m.WebchatConnected()
	m.WebchatDisconnected()
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}

func TestHTTPRequestCardinalityByRoute(t *testing.T) {
	m := newTestMetrics()

	m.RecordHTTPRequest("POST", "/webhooks/whatsapp", "200", 0.004)
	m.RecordHTTPRequest("POST", "/webhooks/whatsapp", "200", 0.006)
	m.RecordHTTPRequest("GET", "/health", "200", 0.001)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/webhooks/whatsapp", "200")); got != 2 {
		t.Errorf("webhook request count = %v, want 2", got)
	}
}

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/solvia-ai/relay/pkg/models"
)

var integrationAuth = map[string]string{"X-API-Key": "integration-key"}

func namespaceBlock(t *testing.T, conv *models.Conversation, namespace string) map[string]any {
	t.Helper()
	byNS, _ := conv.Metadata[models.ExternalContextKey].(map[string]any)
	block, _ := byNS[namespace].(map[string]any)
	if block == nil {
		t.Fatalf("no %s context in metadata %v", namespace, conv.Metadata)
	}
	return block
}

func TestIntegrationsRequireAPIKey(t *testing.T) {
	env := newTestEnv(t).start()
	payload := map[string]any{"namespace": "crm", "channelType": "telegram", "userId": "42"}

	for _, headers := range []map[string]string{nil, {"X-API-Key": "wrong"}} {
		resp := env.postJSON("/api/v1/integrations/context/upsert", payload, headers)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("headers %v: status = %d, want 401", headers, resp.StatusCode)
		}
	}
}

func TestIntegrationsWithoutConfiguredKeys(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Auth.APIKeys = nil
	env.start()

	resp := env.postJSON("/api/v1/integrations/context/upsert",
		map[string]any{"namespace": "crm"}, map[string]string{"X-API-Key": "anything"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with no keys configured", resp.StatusCode)
	}
}

func TestContextUpsertCreatesConversation(t *testing.T) {
	env := newTestEnv(t).start()

	body := decodeResponse(t, env.postJSON("/api/v1/integrations/context/upsert", map[string]any{
		"namespace":   "crm",
		"channelType": "whatsapp",
		"userId":      "+351 912 345 678",
		"caseId":      "case-81",
		"refs":        map[string]any{"orderId": "o-1"},
		"seed":        map[string]any{"summary": "vip customer, two open tickets"},
		"routing":     map[string]any{"flowId": "flow-vip"},
	}, integrationAuth))

	convID, _ := body["data"].(map[string]any)["conversationId"].(string)
	if convID == "" {
		t.Fatalf("response = %v, want a conversationId", body)
	}

	conv := env.repo.convs[convID]
	if conv.ChannelUserID != "351912345678" {
		t.Fatalf("user = %q, want normalized digits", conv.ChannelUserID)
	}
	if conv.FlowID != "flow-vip" {
		t.Fatalf("flow = %q, want routed flow-vip", conv.FlowID)
	}

	crm := namespaceBlock(t, conv, "crm")
	if crm["caseId"] != "case-81" {
		t.Fatalf("caseId = %v", crm["caseId"])
	}
	refs, _ := crm["refs"].(map[string]any)
	if refs["orderId"] != "o-1" {
		t.Fatalf("refs = %v", crm["refs"])
	}
	routing, _ := crm["routing"].(map[string]any)
	if routing["flowId"] != "flow-vip" {
		t.Fatalf("routing = %v", crm["routing"])
	}

	if n := env.sessions.count(); n != 1 {
		t.Fatalf("session invalidations = %d, want 1", n)
	}
}

func TestContextUpsertIdempotent(t *testing.T) {
	env := newTestEnv(t).start()
	payload := map[string]any{
		"namespace":   "crm",
		"channelType": "telegram",
		"userId":      "42",
		"caseId":      "case-1",
		"refs":        map[string]any{"orderId": "o-9"},
	}

	body := decodeResponse(t, env.postJSON("/api/v1/integrations/context/upsert", payload, integrationAuth))
	convID := body["data"].(map[string]any)["conversationId"].(string)

	first, err := json.Marshal(env.repo.convs[convID].Metadata)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}

	env.postJSON("/api/v1/integrations/context/upsert", payload, integrationAuth).Body.Close()

	second, err := json.Marshal(env.repo.convs[convID].Metadata)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("double apply changed metadata:\n%s\n%s", first, second)
	}
	if n := env.repo.conversationCount(); n != 1 {
		t.Fatalf("conversations = %d, want 1", n)
	}
}

func TestContextUpsertMergeSemantics(t *testing.T) {
	env := newTestEnv(t).start()

	env.postJSON("/api/v1/integrations/context/upsert", map[string]any{
		"namespace":   "erp",
		"channelType": "telegram",
		"userId":      "42",
		"caseId":      "old-case",
		"refs":        map[string]any{"orderId": "1", "invoice": "inv-7"},
	}, integrationAuth).Body.Close()

	body := decodeResponse(t, env.postJSON("/api/v1/integrations/context/upsert", map[string]any{
		"namespace":   "erp",
		"channelType": "telegram",
		"userId":      "42",
		"refs":        map[string]any{"orderId": "2"},
	}, integrationAuth))
	convID := body["data"].(map[string]any)["conversationId"].(string)

	erp := namespaceBlock(t, env.repo.convs[convID], "erp")
	if erp["caseId"] != "old-case" {
		t.Fatalf("caseId = %v, absent caseId must keep the prior value", erp["caseId"])
	}
	refs := erp["refs"].(map[string]any)
	if refs["orderId"] != "2" {
		t.Fatalf("orderId = %v, incoming value wins", refs["orderId"])
	}
	if refs["invoice"] != "inv-7" {
		t.Fatalf("invoice = %v, untouched keys survive", refs["invoice"])
	}
}

func TestContextUpsertPinsNamedConversation(t *testing.T) {
	env := newTestEnv(t)
	conv := env.repo.addConversation(&models.Conversation{
		ID:            "conv-tg",
		ChannelType:   models.ChannelTelegram,
		ChannelUserID: "42",
	})
	env.start()

	env.postJSON("/api/v1/integrations/context/upsert", map[string]any{
		"namespace":      "crm",
		"conversationId": "conv-tg",
		"routing":        map[string]any{"flowId": "flow-esc"},
	}, integrationAuth).Body.Close()

	if conv.FlowID != "flow-esc" {
		t.Fatalf("flow = %q, unpinned conversation takes the routing hint", conv.FlowID)
	}

	// A pinned conversation keeps its flow.
	env.postJSON("/api/v1/integrations/context/upsert", map[string]any{
		"namespace":      "crm",
		"conversationId": "conv-tg",
		"routing":        map[string]any{"flowId": "flow-other"},
	}, integrationAuth).Body.Close()

	if conv.FlowID != "flow-esc" {
		t.Fatalf("flow = %q, routing hints never override a pin", conv.FlowID)
	}
}

func TestContextUpsertRejections(t *testing.T) {
	env := newTestEnv(t).start()

	tests := []struct {
		name    string
		payload map[string]any
		status  int
	}{
		{"missing namespace", map[string]any{"channelType": "telegram", "userId": "42"}, http.StatusBadRequest},
		{"missing address", map[string]any{"namespace": "crm"}, http.StatusBadRequest},
		{"half address", map[string]any{"namespace": "crm", "channelType": "telegram"}, http.StatusBadRequest},
		{"unknown conversation", map[string]any{"namespace": "crm", "conversationId": "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postJSON("/api/v1/integrations/context/upsert", tt.payload, integrationAuth)
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestOutboundSendPersistsAndQueues(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addConversation(&models.Conversation{
		ID:            "conv-tg",
		ChannelType:   models.ChannelTelegram,
		ChannelUserID: "42",
		LastActivity:  time.Now().Add(-time.Hour),
	})
	env.start()

	body := decodeResponse(t, env.postJSON("/api/v1/integrations/outbound/send", map[string]any{
		"conversationId": "conv-tg",
		"content":        "Your parcel is out for delivery.",
	}, integrationAuth))

	data, _ := body["data"].(map[string]any)
	if data["conversationId"] != "conv-tg" {
		t.Fatalf("response = %v", body)
	}
	msgID, _ := data["messageId"].(string)
	if msgID == "" {
		t.Fatal("expected a messageId")
	}

	msgs := env.repo.messages["conv-tg"]
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Role != models.RoleAssistant || msg.Content != "Your parcel is out for delivery." {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Metadata["source"] != "integration" {
		t.Fatalf("message metadata = %v", msg.Metadata)
	}

	if age := time.Since(env.repo.convs["conv-tg"].LastActivity); age > time.Minute {
		t.Fatalf("conversation not touched, last activity %v ago", age)
	}

	job := env.outbound.lastJob()
	if job.send.ChannelType != models.ChannelTelegram || job.send.UserID != "42" {
		t.Fatalf("job addressing = %+v", job.send)
	}
	if job.send.MessageID != msgID || job.send.ConversationID != "conv-tg" {
		t.Fatalf("job linkage = %+v", job.send)
	}
	if n := env.sessions.count(); n != 1 {
		t.Fatalf("session invalidations = %d, want 1", n)
	}
}

func TestOutboundSendWithNamespace(t *testing.T) {
	env := newTestEnv(t).start()

	body := decodeResponse(t, env.postJSON("/api/v1/integrations/outbound/send", map[string]any{
		"namespace":   "crm",
		"channelType": "telegram",
		"userId":      "42",
		"caseId":      "case-2",
		"content":     "An agent has picked up your case.",
	}, integrationAuth))
	convID := body["data"].(map[string]any)["conversationId"].(string)

	crm := namespaceBlock(t, env.repo.convs[convID], "crm")
	if crm["caseId"] != "case-2" {
		t.Fatalf("context not merged before send: %v", crm)
	}
	msg := env.repo.messages[convID][0]
	if msg.Metadata["namespace"] != "crm" {
		t.Fatalf("message metadata = %v", msg.Metadata)
	}
}

func TestOutboundSendIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addConversation(&models.Conversation{
		ID:            "conv-tg",
		ChannelType:   models.ChannelTelegram,
		ChannelUserID: "42",
	})
	env.start()

	payload := map[string]any{"conversationId": "conv-tg", "content": "ping"}
	headers := map[string]string{"X-API-Key": "integration-key", "Idempotency-Key": "evt-123"}

	first := decodeResponse(t, env.postJSON("/api/v1/integrations/outbound/send", payload, headers))
	if first["duplicate"] == true {
		t.Fatalf("first send flagged duplicate: %v", first)
	}

	second := decodeResponse(t, env.postJSON("/api/v1/integrations/outbound/send", payload, headers))
	if second["success"] != true || second["duplicate"] != true {
		t.Fatalf("replay = %v, want duplicate ack", second)
	}

	if n := env.outbound.count(); n != 1 {
		t.Fatalf("jobs = %d, want 1 for a replayed key", n)
	}
	if n := len(env.repo.messages["conv-tg"]); n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
}

func TestOutboundSendEnqueueFailureKeepsKeyRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addConversation(&models.Conversation{
		ID:            "conv-tg",
		ChannelType:   models.ChannelTelegram,
		ChannelUserID: "42",
	})
	env.outbound.setErr(errTest)
	env.start()

	payload := map[string]any{"conversationId": "conv-tg", "content": "ping"}
	headers := map[string]string{"X-API-Key": "integration-key", "Idempotency-Key": "evt-456"}

	resp := env.postJSON("/api/v1/integrations/outbound/send", payload, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the queue is down", resp.StatusCode)
	}

	env.outbound.setErr(nil)
	retry := decodeResponse(t, env.postJSON("/api/v1/integrations/outbound/send", payload, headers))
	if retry["duplicate"] == true {
		t.Fatalf("retry = %v, a failed attempt must not consume the key", retry)
	}
	if n := env.outbound.count(); n != 1 {
		t.Fatalf("jobs = %d, want 1 after retry", n)
	}
}

func TestOutboundSendUsesFlowChannelBinding(t *testing.T) {
	env := newTestEnv(t)
	env.repo.configs = append(env.repo.configs, &models.ChannelConfig{
		ID:          "wa-tenant",
		ChannelType: models.ChannelWhatsApp,
		Provider:    models.WhatsAppProviderUltramsg,
		Active:      true,
	})
	env.repo.addConversation(&models.Conversation{
		ID:            "conv-wa",
		ChannelType:   models.ChannelWhatsApp,
		ChannelUserID: "351912345678",
		FlowID:        "flow-vip",
	})
	env.repo.flowBinds["flow-vip"] = []models.FlowChannelBinding{
		{FlowID: "flow-vip", ChannelConfigID: "wa-tenant"},
	}
	env.start()

	env.postJSON("/api/v1/integrations/outbound/send", map[string]any{
		"conversationId": "conv-wa",
		"content":        "hello",
	}, integrationAuth).Body.Close()

	job := env.outbound.lastJob()
	if job.send.ChannelConfigID != "wa-tenant" {
		t.Fatalf("config = %q, want the flow's bound instance", job.send.ChannelConfigID)
	}
}

func TestOutboundSendRejections(t *testing.T) {
	env := newTestEnv(t).start()

	resp := env.postJSON("/api/v1/integrations/outbound/send",
		map[string]any{"conversationId": "conv-x"}, integrationAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing content: status = %d, want 400", resp.StatusCode)
	}

	resp = env.postJSON("/api/v1/integrations/outbound/send",
		map[string]any{"content": "hi"}, integrationAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing address: status = %d, want 400", resp.StatusCode)
	}

	resp = env.postJSON("/api/v1/integrations/outbound/send",
		map[string]any{"conversationId": "nope", "content": "hi"}, integrationAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation: status = %d, want 404", resp.StatusCode)
	}
}

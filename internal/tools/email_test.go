package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/solvia-ai/relay/pkg/models"
)

type fakeMailer struct {
	sent []*OutgoingEmail
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg *OutgoingEmail) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func emailToolDefinition(name string, spec string) *models.ToolDefinition {
	def := &models.ToolDefinition{
		ID:     "def-" + name,
		Name:   name,
		Kind:   models.ToolKindEmail,
		Active: true,
	}
	if spec != "" {
		def.Spec = json.RawMessage(spec)
	}
	return def
}

func TestEmailToolSend(t *testing.T) {
	mailer := &fakeMailer{}
	rt, _ := newTestRuntime(t, Options{
		Mailer: mailer,
		SMTP:   SMTPSettings{Host: "smtp.test", From: "bot@relay.test"},
	})
	if err := rt.Register(emailToolDefinition("send_email", "")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	params := json.RawMessage(`{"to": ["alice@example.com"], "subject": "Your quote", "body": "Total: 42 EUR"}`)
	exec := rt.Execute(context.Background(),
		models.ToolCall{Name: "send_email", Parameters: params},
		Invocation{ConversationID: "conv-mail", Channel: models.ChannelEmail})

	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %q (%s)", exec.Status, exec.Error)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d messages", len(mailer.sent))
	}
	msg := mailer.sent[0]
	if msg.From != "bot@relay.test" {
		t.Errorf("from = %q", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != "alice@example.com" {
		t.Errorf("to = %v", msg.To)
	}
	if msg.Subject != "Your quote" || msg.TextBody != "Total: 42 EUR" {
		t.Errorf("subject %q body %q", msg.Subject, msg.TextBody)
	}
	if !strings.Contains(exec.Result, `"sent":true`) {
		t.Errorf("result = %q", exec.Result)
	}
}

func TestEmailToolPinnedRecipients(t *testing.T) {
	mailer := &fakeMailer{}
	rt, _ := newTestRuntime(t, Options{
		Mailer: mailer,
		SMTP:   SMTPSettings{Host: "smtp.test", From: "bot@relay.test"},
	})
	spec := `{"to": ["ops@corp.test"], "subject_prefix": "[relay]"}`
	if err := rt.Register(emailToolDefinition("notify_ops", spec)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	params := json.RawMessage(`{"to": ["attacker@evil.test"], "subject": "disk full", "body": "..."}`)
	exec := rt.Execute(context.Background(),
		models.ToolCall{Name: "notify_ops", Parameters: params},
		Invocation{})

	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %q (%s)", exec.Status, exec.Error)
	}
	msg := mailer.sent[0]
	if len(msg.To) != 1 || msg.To[0] != "ops@corp.test" {
		t.Errorf("to = %v, want pinned recipient", msg.To)
	}
	if msg.Subject != "[relay] disk full" {
		t.Errorf("subject = %q", msg.Subject)
	}
}

func TestEmailToolRequiresRecipient(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{
		Mailer: &fakeMailer{},
		SMTP:   SMTPSettings{Host: "smtp.test", From: "bot@relay.test"},
	})
	if err := rt.Register(emailToolDefinition("send_email", "")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	exec := rt.Execute(context.Background(),
		models.ToolCall{Name: "send_email", Parameters: json.RawMessage(`{"subject": "x", "body": "y"}`)},
		Invocation{})
	if exec.Status != models.ExecutionError || !strings.Contains(exec.Error, "recipient") {
		t.Fatalf("status %q error %q", exec.Status, exec.Error)
	}
}

func TestEmailToolNoRelayConfigured(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{})
	if err := rt.Register(emailToolDefinition("send_email", "")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	exec := rt.Execute(context.Background(),
		models.ToolCall{Name: "send_email", Parameters: json.RawMessage(`{"to": ["a@b.c"], "subject": "x", "body": "y"}`)},
		Invocation{})
	if exec.Status != models.ExecutionError || !strings.Contains(exec.Error, "no smtp relay configured") {
		t.Fatalf("status %q error %q", exec.Status, exec.Error)
	}
}

func TestEmailToolHTMLBody(t *testing.T) {
	mailer := &fakeMailer{}
	rt, _ := newTestRuntime(t, Options{
		Mailer: mailer,
		SMTP:   SMTPSettings{Host: "smtp.test", From: "bot@relay.test"},
	})
	if err := rt.Register(emailToolDefinition("send_html", `{"html": true}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	params := json.RawMessage(`{"to": ["a@b.c"], "subject": "hi", "body": "<b>hi</b>"}`)
	if exec := rt.Execute(context.Background(), models.ToolCall{Name: "send_html", Parameters: params}, Invocation{}); exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %q (%s)", exec.Status, exec.Error)
	}
	msg := mailer.sent[0]
	if msg.HTMLBody != "<b>hi</b>" || msg.TextBody != "" {
		t.Errorf("html %q text %q", msg.HTMLBody, msg.TextBody)
	}
}

func TestEmailToolMailerFailure(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{
		Mailer: &fakeMailer{err: errors.New("relay refused")},
		SMTP:   SMTPSettings{Host: "smtp.test", From: "bot@relay.test"},
	})
	if err := rt.Register(emailToolDefinition("send_email", "")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	exec := rt.Execute(context.Background(),
		models.ToolCall{Name: "send_email", Parameters: json.RawMessage(`{"to": ["a@b.c"], "subject": "x", "body": "y"}`)},
		Invocation{})
	if exec.Status != models.ExecutionError || !strings.Contains(exec.Error, "relay refused") {
		t.Fatalf("status %q error %q", exec.Status, exec.Error)
	}
}

func TestResolveSMTP(t *testing.T) {
	defaults := SMTPSettings{Host: "smtp.default", Port: 25, From: "default@x"}

	var withRelay emailSpec
	if err := json.Unmarshal([]byte(`{"smtp": {"host": "smtp.own", "from": "own@x"}}`), &withRelay); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}
	own := resolveSMTP(withRelay, defaults)
	if own.Host != "smtp.own" || own.Port != 587 || own.From != "own@x" {
		t.Errorf("own relay = %+v", own)
	}

	fallback := resolveSMTP(emailSpec{}, defaults)
	if fallback.Host != "smtp.default" || fallback.Port != 25 {
		t.Errorf("fallback relay = %+v", fallback)
	}
}

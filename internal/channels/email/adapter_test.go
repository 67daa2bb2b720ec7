package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/config"
	"github.com/solvia-ai/relay/pkg/models"
)

type captureSender struct {
	settings config.SMTPConfig
	to       string
	subject  string
	body     string
	sendErr  error
	calls    int
}

func (c *captureSender) Send(_ context.Context, settings config.SMTPConfig, to, subject, body string) error {
	c.calls++
	if c.sendErr != nil {
		return c.sendErr
	}
	c.settings = settings
	c.to = to
	c.subject = subject
	c.body = body
	return nil
}

func defaultSMTP() config.SMTPConfig {
	return config.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "relay",
		Password: "secret",
		From:     "support@example.com",
	}
}

func newTestAdapter(capture *captureSender) *Adapter {
	a := New(defaultSMTP(), config.IMAPConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.sender = capture
	return a
}

func emailChannelConfig(creds map[string]string) *models.ChannelConfig {
	return &models.ChannelConfig{
		ID:          "ch-email",
		ChannelType: models.ChannelEmail,
		Credentials: creds,
		Active:      true,
	}
}

func TestSendMessage(t *testing.T) {
	capture := &captureSender{}
	a := newTestAdapter(capture)
	if err := a.Initialize(context.Background(), emailChannelConfig(nil)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := a.SendMessage(context.Background(), "ana@example.org", "your order shipped", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if capture.to != "ana@example.org" {
		t.Fatalf("to = %q", capture.to)
	}
	if capture.subject != defaultSubject {
		t.Fatalf("subject = %q", capture.subject)
	}
	if capture.body != "your order shipped" {
		t.Fatalf("body = %q", capture.body)
	}
	if capture.settings.Host != "smtp.example.com" {
		t.Fatalf("smtp host = %q", capture.settings.Host)
	}
}

func TestSendMessageCredentialOverrides(t *testing.T) {
	capture := &captureSender{}
	a := newTestAdapter(capture)
	cfg := emailChannelConfig(map[string]string{
		credSMTPHost:    "smtp.tenant.example",
		credSMTPPort:    "2525",
		CredFromAddress: "bot@tenant.example",
	})
	cfg.Settings = map[string]any{"subject": "Support reply"}

	if err := a.SendMessage(context.Background(), "ana@example.org", "hi", cfg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if capture.settings.Host != "smtp.tenant.example" {
		t.Fatalf("smtp host = %q", capture.settings.Host)
	}
	if capture.settings.Port != 2525 {
		t.Fatalf("smtp port = %d", capture.settings.Port)
	}
	if capture.settings.From != "bot@tenant.example" {
		t.Fatalf("from = %q", capture.settings.From)
	}
	if capture.subject != "Support reply" {
		t.Fatalf("subject = %q", capture.subject)
	}
}

func TestSendMessageInvalidRecipient(t *testing.T) {
	a := newTestAdapter(&captureSender{})
	err := a.SendMessage(context.Background(), "not-an-address", "hi", emailChannelConfig(nil))
	if err == nil {
		t.Fatal("expected error for invalid recipient")
	}
}

func TestSendMessageNoRelay(t *testing.T) {
	a := New(config.SMTPConfig{}, config.IMAPConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.sender = &captureSender{}
	err := a.SendMessage(context.Background(), "ana@example.org", "hi", nil)
	if !errors.Is(err, channels.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestHandleWebhookInbound(t *testing.T) {
	a := newTestAdapter(&captureSender{})
	payload := `{
	  "message_id": "<abc123@mail.example.org>",
	  "from": "Ana Silva <Ana@Example.org>",
	  "to": "support@example.com",
	  "subject": "Order 1234",
	  "text": "where is my package?",
	  "date": "2025-06-02T10:00:00Z"
	}`
	msg, err := a.HandleWebhook([]byte(payload))
	if err != nil || msg == nil {
		t.Fatalf("HandleWebhook: %v %v", msg, err)
	}
	if msg.ChannelType != models.ChannelEmail {
		t.Fatalf("channel type = %q", msg.ChannelType)
	}
	if msg.UserID != "ana@example.org" {
		t.Fatalf("user id = %q, want lowercased address", msg.UserID)
	}
	if msg.Content != "where is my package?" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.OriginalMessageID != "abc123@mail.example.org" {
		t.Fatalf("original id = %q", msg.OriginalMessageID)
	}
	if want := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC); !msg.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v", msg.Timestamp)
	}
	if msg.Metadata["subject"] != "Order 1234" {
		t.Fatalf("subject meta = %v", msg.Metadata["subject"])
	}
	if msg.Metadata["profile_name"] != "Ana Silva" {
		t.Fatalf("profile name = %v", msg.Metadata["profile_name"])
	}
}

func TestHandleWebhookSubjectFallback(t *testing.T) {
	a := newTestAdapter(&captureSender{})
	payload := `{"message_id": "<m1@x>", "from": "ana@example.org", "subject": "just checking in", "text": ""}`
	msg, err := a.HandleWebhook([]byte(payload))
	if err != nil || msg == nil {
		t.Fatalf("HandleWebhook: %v %v", msg, err)
	}
	if msg.Content != "just checking in" {
		t.Fatalf("content = %q, want subject fallback", msg.Content)
	}
}

func TestHandleWebhookSelfFiltered(t *testing.T) {
	a := newTestAdapter(&captureSender{})
	payload := `{"message_id": "<m2@x>", "from": "Support <support@example.com>", "text": "auto copy"}`
	msg, err := a.HandleWebhook([]byte(payload))
	if err != nil {
		t.Fatalf("self mail must ack cleanly: %v", err)
	}
	if msg != nil {
		t.Fatalf("self mail produced a message: %+v", msg)
	}
}

func TestHandleWebhookGarbage(t *testing.T) {
	a := newTestAdapter(&captureSender{})
	if _, err := a.HandleWebhook([]byte(`{"unrelated": true}`)); !errors.Is(err, channels.ErrUnrecognizedPayload) {
		t.Fatalf("err = %v, want ErrUnrecognizedPayload", err)
	}
}

func TestInitializeRequiresRelay(t *testing.T) {
	a := New(config.SMTPConfig{}, config.IMAPConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := a.Initialize(context.Background(), emailChannelConfig(nil)); err == nil {
		t.Fatal("expected error without smtp host")
	}
}

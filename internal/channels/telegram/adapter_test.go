package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

type fakeBotClient struct {
	sent     []*bot.SendMessageParams
	webhooks []*bot.SetWebhookParams
	sendErr  error
	getMeErr error
}

func (f *fakeBotClient) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, params)
	return &tgmodels.Message{ID: len(f.sent)}, nil
}

func (f *fakeBotClient) SetWebhook(_ context.Context, params *bot.SetWebhookParams) (bool, error) {
	f.webhooks = append(f.webhooks, params)
	return true, nil
}

func (f *fakeBotClient) GetMe(context.Context) (*tgmodels.User, error) {
	if f.getMeErr != nil {
		return nil, f.getMeErr
	}
	return &tgmodels.User{ID: 1, Username: "relay_bot"}, nil
}

func telegramConfig(creds map[string]string) *models.ChannelConfig {
	return &models.ChannelConfig{
		ID:          "ch-tg",
		ChannelType: models.ChannelTelegram,
		Credentials: creds,
		Active:      true,
	}
}

func newTestAdapter(t *testing.T, fake *fakeBotClient) *Adapter {
	t.Helper()
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.newClient = func(string) (BotClient, error) { return fake, nil }
	return a
}

const updateText = `{
  "update_id": 9001,
  "message": {
    "message_id": 17,
    "date": 1717320000,
    "chat": {"id": 445566, "type": "private"},
    "from": {"id": 445566, "is_bot": false, "first_name": "Ana", "last_name": "Silva", "username": "anasilva"},
    "text": "hello bot"
  }
}`

func TestHandleWebhookMessage(t *testing.T) {
	a := newTestAdapter(t, &fakeBotClient{})
	cfg := telegramConfig(map[string]string{
		models.CredBotToken:    "123:abc",
		models.CredBotUsername: "SupportBot",
	})
	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	msg, err := a.HandleWebhook([]byte(updateText))
	if err != nil || msg == nil {
		t.Fatalf("HandleWebhook: %v %v", msg, err)
	}
	if msg.ChannelType != models.ChannelTelegram {
		t.Fatalf("channel type = %q", msg.ChannelType)
	}
	if msg.UserID != "445566" {
		t.Fatalf("user id = %q", msg.UserID)
	}
	if msg.Content != "hello bot" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.OriginalMessageID != "445566:17" {
		t.Fatalf("original id = %q", msg.OriginalMessageID)
	}
	if want := time.Unix(1717320000, 0).UTC(); !msg.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v", msg.Timestamp)
	}
	if msg.Metadata["profile_name"] != "Ana Silva" {
		t.Fatalf("profile name = %v", msg.Metadata["profile_name"])
	}
	if msg.Metadata["bot_username"] != "SupportBot" {
		t.Fatalf("bot username = %v", msg.Metadata["bot_username"])
	}
}

func TestHandleWebhookNonMessageUpdate(t *testing.T) {
	payload := `{"update_id": 9002, "callback_query": {"id": "cb1"}}`
	msg, err := newTestAdapter(t, &fakeBotClient{}).HandleWebhook([]byte(payload))
	if err != nil || msg != nil {
		t.Fatalf("non-message update: msg=%v err=%v", msg, err)
	}
}

func TestHandleWebhookBotAuthorFiltered(t *testing.T) {
	payload := `{
	  "update_id": 9003,
	  "message": {"message_id": 1, "date": 1717320000,
	    "chat": {"id": 1, "type": "private"},
	    "from": {"id": 2, "is_bot": true, "first_name": "OtherBot"},
	    "text": "beep"}
	}`
	msg, err := newTestAdapter(t, &fakeBotClient{}).HandleWebhook([]byte(payload))
	if err != nil || msg != nil {
		t.Fatalf("bot-authored update: msg=%v err=%v", msg, err)
	}
}

func TestHandleWebhookCaptionFallback(t *testing.T) {
	payload := `{
	  "update_id": 9004,
	  "message": {"message_id": 2, "date": 1717320000,
	    "chat": {"id": 7, "type": "private"},
	    "from": {"id": 7, "is_bot": false, "first_name": "Ana"},
	    "photo": [{"file_id": "f1", "file_unique_id": "u1", "width": 1, "height": 1}],
	    "caption": "look at this"}
	}`
	msg, err := newTestAdapter(t, &fakeBotClient{}).HandleWebhook([]byte(payload))
	if err != nil || msg == nil {
		t.Fatalf("HandleWebhook: %v %v", msg, err)
	}
	if msg.Content != "look at this" {
		t.Fatalf("content = %q, want caption", msg.Content)
	}
}

func TestHandleWebhookGarbage(t *testing.T) {
	_, err := newTestAdapter(t, &fakeBotClient{}).HandleWebhook([]byte("not json"))
	if !errors.Is(err, channels.ErrUnrecognizedPayload) {
		t.Fatalf("err = %v, want ErrUnrecognizedPayload", err)
	}
}

func TestSendMessage(t *testing.T) {
	fake := &fakeBotClient{}
	a := newTestAdapter(t, fake)
	cfg := telegramConfig(map[string]string{models.CredBotToken: "123:abc"})
	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := a.SendMessage(context.Background(), "445566", "reply text", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages", len(fake.sent))
	}
	if got, ok := fake.sent[0].ChatID.(int64); !ok || got != 445566 {
		t.Fatalf("chat id = %v", fake.sent[0].ChatID)
	}
	if fake.sent[0].Text != "reply text" {
		t.Fatalf("text = %q", fake.sent[0].Text)
	}
}

func TestSendMessageUninitialized(t *testing.T) {
	a := newTestAdapter(t, &fakeBotClient{})
	err := a.SendMessage(context.Background(), "1", "hi", nil)
	if !errors.Is(err, channels.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestInitializeRequiresToken(t *testing.T) {
	a := newTestAdapter(t, &fakeBotClient{})
	if err := a.Initialize(context.Background(), telegramConfig(nil)); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestInitializeRegistersWebhook(t *testing.T) {
	fake := &fakeBotClient{}
	a := newTestAdapter(t, fake)
	cfg := telegramConfig(map[string]string{models.CredBotToken: "123:abc"})
	cfg.Settings = map[string]any{"webhook_url": "https://relay.example.com/webhooks/telegram"}

	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(fake.webhooks) != 1 || fake.webhooks[0].URL != "https://relay.example.com/webhooks/telegram" {
		t.Fatalf("webhooks = %+v", fake.webhooks)
	}
}

func TestIsHealthyProbesGetMe(t *testing.T) {
	fake := &fakeBotClient{}
	a := newTestAdapter(t, fake)
	if a.IsHealthy(context.Background()) {
		t.Fatal("uninitialized adapter reported healthy")
	}
	cfg := telegramConfig(map[string]string{models.CredBotToken: "123:abc"})
	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !a.IsHealthy(context.Background()) {
		t.Fatal("healthy adapter reported unhealthy")
	}
	fake.getMeErr = errors.New("api down")
	if a.IsHealthy(context.Background()) {
		t.Fatal("unreachable api reported healthy")
	}
}

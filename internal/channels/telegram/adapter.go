// Package telegram implements the Telegram channel adapter in webhook
// mode: Bot API updates arrive through the gateway webhook route and
// replies go out through the Bot API client.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

// settingWebhookURL, when set, is registered with the Bot API during
// Initialize so updates reach this deployment.
const settingWebhookURL = "webhook_url"

// BotClient narrows *bot.Bot to the calls the adapter makes, so tests
// can inject a fake.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	GetMe(ctx context.Context) (*tgmodels.User, error)
}

// Adapter bridges Telegram chats into the normalized pipeline.
type Adapter struct {
	logger *slog.Logger

	// newClient builds a BotClient from a bot token. Tests swap it
	// for a fake.
	newClient func(token string) (BotClient, error)

	mu     sync.RWMutex
	cfg    *models.ChannelConfig
	client BotClient
}

// New returns an unconfigured adapter; Initialize builds the Bot API
// client from the channel config.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("component", "channels.telegram"),
		newClient: func(token string) (BotClient, error) {
			// GetMe is skipped at construction; webhook mode needs
			// no polling identity.
			return bot.New(token, bot.WithSkipGetMe())
		},
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

// Initialize builds the bot client from the config's bot token and, if
// a webhook URL is configured, registers it with the Bot API.
func (a *Adapter) Initialize(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil {
		return fmt.Errorf("telegram: nil channel config")
	}
	token := cfg.Credential(models.CredBotToken)
	if token == "" {
		return fmt.Errorf("telegram: missing credential %s", models.CredBotToken)
	}
	b, err := a.newClient(token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	a.mu.Lock()
	a.cfg = cfg
	a.client = b
	a.mu.Unlock()

	if url := cfg.Setting(settingWebhookURL); url != "" {
		if _, err := b.SetWebhook(ctx, &bot.SetWebhookParams{URL: url}); err != nil {
			return fmt.Errorf("telegram: set webhook: %w", err)
		}
		a.logger.Info("telegram webhook registered", "url", url)
	}
	a.logger.Info("telegram adapter initialized", "channel_config_id", cfg.ID)
	return nil
}

// SendMessage delivers text to a chat. The user id is the chat id;
// non-numeric ids (channel usernames) pass through as-is.
func (a *Adapter) SendMessage(ctx context.Context, userID, text string, override *models.ChannelConfig) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return channels.ErrNotInitialized
	}
	if override != nil {
		if token := override.Credential(models.CredBotToken); token != "" {
			b, err := a.newClient(token)
			if err != nil {
				return fmt.Errorf("telegram: create bot: %w", err)
			}
			client = b
		}
	}

	var chatID any = userID
	if id, err := strconv.ParseInt(userID, 10, 64); err == nil {
		chatID = id
	}
	_, err := client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// HandleWebhook converts a Bot API update into the normalized form.
// Updates without a message (callback queries, edits) and messages
// authored by bots return (nil, nil).
func (a *Adapter) HandleWebhook(payload []byte) (*models.NormalizedMessage, error) {
	var update tgmodels.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, channels.ErrUnrecognizedPayload
	}
	msg := update.Message
	if msg == nil {
		return nil, nil
	}
	if msg.From != nil && msg.From.IsBot {
		return nil, nil
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	meta := map[string]any{
		"chat_type": string(msg.Chat.Type),
	}
	if msg.From != nil {
		name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if name != "" {
			meta["profile_name"] = name
		}
		if msg.From.Username != "" {
			meta["username"] = msg.From.Username
		}
	}
	a.mu.RLock()
	if a.cfg != nil {
		if bu := a.cfg.Credential(models.CredBotUsername); bu != "" {
			meta["bot_username"] = bu
		}
	}
	a.mu.RUnlock()

	return &models.NormalizedMessage{
		ChannelType: models.ChannelTelegram,
		UserID:      strconv.FormatInt(msg.Chat.ID, 10),
		Content:     content,
		// Message ids are per-chat counters, so the dedupe key
		// includes the chat.
		OriginalMessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.ID),
		Timestamp:         time.Unix(int64(msg.Date), 0).UTC(),
		Metadata:          meta,
	}, nil
}

// IsHealthy probes the Bot API with a short getMe call.
func (a *Adapter) IsHealthy(ctx context.Context) bool {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := client.GetMe(ctx)
	return err == nil
}

// Shutdown implements channels.Adapter. Webhook mode holds no
// long-lived connection to tear down.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()
	return nil
}

package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

// Adapter exposes the hub through the uniform channel contract so the
// gateway can dispatch webchat replies like any other transport.
type Adapter struct {
	hub *Hub

	mu  sync.RWMutex
	cfg *models.ChannelConfig
}

// NewAdapter wraps an existing hub.
func NewAdapter(hub *Hub) *Adapter {
	return &Adapter{hub: hub}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelWebchat }

// Initialize records the widget config; the hub itself needs no dial.
func (a *Adapter) Initialize(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil {
		return fmt.Errorf("webchat: nil channel config")
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

// SendMessage pushes a reply frame to the user's open connection.
func (a *Adapter) SendMessage(ctx context.Context, userID, text string, override *models.ChannelConfig) error {
	return a.hub.Push(channels.NormalizeUserID(userID), text, nil)
}

// restMessage is the HTTP fallback body widgets post when a proxy
// blocks WebSocket upgrades.
type restMessage struct {
	UserID          string `json:"user_id"`
	ChannelConfigID string `json:"channel_config_id"`
	Content         string `json:"content"`
	MessageID       string `json:"message_id"`
}

// HandleWebhook normalizes the REST fallback body. The WS path is the
// primary ingress and never goes through here.
func (a *Adapter) HandleWebhook(payload []byte) (*models.NormalizedMessage, error) {
	var in restMessage
	if err := json.Unmarshal(payload, &in); err != nil || in.UserID == "" {
		return nil, channels.ErrUnrecognizedPayload
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, nil
	}
	return &models.NormalizedMessage{
		ChannelType:       models.ChannelWebchat,
		ChannelConfigID:   in.ChannelConfigID,
		UserID:            channels.NormalizeUserID(in.UserID),
		Content:           content,
		OriginalMessageID: in.MessageID,
		Timestamp:         time.Now().UTC(),
	}, nil
}

// IsHealthy implements channels.Adapter; the hub is in-process.
func (a *Adapter) IsHealthy(ctx context.Context) bool { return a.hub != nil }

// Shutdown closes every widget connection.
func (a *Adapter) Shutdown(ctx context.Context) error {
	return a.hub.Shutdown(ctx)
}

package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

// settingAPIURL overrides the provider endpoint. Used for regional
// bases and tests.
const settingAPIURL = "api_url"

// Adapter serves the whole WhatsApp provider family. A per-send config
// override selects the instance, so one adapter handles every
// configured number regardless of provider.
type Adapter struct {
	client *http.Client
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *models.ChannelConfig
}

// New returns an adapter with the shared provider HTTP client.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: channels.NewHTTPClient(),
		logger: logger.With("component", "channels.whatsapp"),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelWhatsApp }

// Initialize validates the config's credential set for its provider and
// installs it as the default send target.
func (a *Adapter) Initialize(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil {
		return fmt.Errorf("whatsapp: nil channel config")
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.logger.Info("whatsapp adapter initialized",
		"provider", cfg.Provider,
		"channel_config_id", cfg.ID)
	return nil
}

func validateConfig(cfg *models.ChannelConfig) error {
	switch cfg.Provider {
	case models.WhatsAppProvider360Dialog:
		if cfg.Credential(models.CredAPIToken) == "" {
			return fmt.Errorf("whatsapp %s: missing credential %s", cfg.Provider, models.CredAPIToken)
		}
	case models.WhatsAppProviderUltramsg:
		for _, key := range []string{models.CredInstanceID, models.CredAPIToken} {
			if cfg.Credential(key) == "" {
				return fmt.Errorf("whatsapp %s: missing credential %s", cfg.Provider, key)
			}
		}
	case models.WhatsAppProviderTwilio:
		for _, key := range []string{models.CredAccountSID, models.CredAuthToken, models.CredFromNumber} {
			if cfg.Credential(key) == "" {
				return fmt.Errorf("whatsapp %s: missing credential %s", cfg.Provider, key)
			}
		}
	default:
		return fmt.Errorf("%w: %q", channels.ErrUnknownProvider, cfg.Provider)
	}
	return nil
}

// SendMessage delivers text to a user through the override config when
// given, else the adapter default.
func (a *Adapter) SendMessage(ctx context.Context, userID, text string, override *models.ChannelConfig) error {
	cfg := override
	if cfg == nil {
		a.mu.RLock()
		cfg = a.cfg
		a.mu.RUnlock()
	}
	if cfg == nil {
		return channels.ErrNotInitialized
	}
	to := channels.NormalizeUserID(userID)
	switch cfg.Provider {
	case models.WhatsAppProvider360Dialog:
		return a.sendCloudAPI(ctx, cfg, to, text)
	case models.WhatsAppProviderUltramsg:
		return a.sendUltramsg(ctx, cfg, to, text)
	case models.WhatsAppProviderTwilio:
		return a.sendTwilio(ctx, cfg, to, text)
	}
	return fmt.Errorf("%w: %q", channels.ErrUnknownProvider, cfg.Provider)
}

// HandleWebhook implements channels.Adapter by classifying and
// normalizing the provider payload.
func (a *Adapter) HandleWebhook(payload []byte) (*models.NormalizedMessage, error) {
	return Normalize(payload)
}

// IsHealthy reports whether the adapter has a usable default config.
// Provider reachability is observed on sends rather than probed.
func (a *Adapter) IsHealthy(ctx context.Context) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg != nil
}

// Shutdown releases pooled provider connections.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// do executes a provider request and returns the response body, capped
// for error reporting. Any status >= 300 is an error.
func (a *Adapter) do(req *http.Request, provider string) ([]byte, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp %s send: %w", provider, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("whatsapp %s send: status %d: %s",
			provider, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

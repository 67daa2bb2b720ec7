package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/solvia-ai/relay/pkg/models"
)

const defaultUltramsgBaseURL = "https://api.ultramsg.com"

type ultramsgSendRequest struct {
	Token string `json:"token"`
	To    string `json:"to"`
	Body  string `json:"body"`
}

func (a *Adapter) sendUltramsg(ctx context.Context, cfg *models.ChannelConfig, to, text string) error {
	base := cfg.Setting(settingAPIURL)
	if base == "" {
		base = defaultUltramsgBaseURL
	}
	payload, err := json.Marshal(ultramsgSendRequest{
		Token: cfg.Credential(models.CredAPIToken),
		To:    to,
		Body:  text,
	})
	if err != nil {
		return fmt.Errorf("whatsapp %s send: %w", cfg.Provider, err)
	}
	endpoint := fmt.Sprintf("%s/%s/messages/chat",
		base, url.PathEscape(cfg.Credential(models.CredInstanceID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp %s send: %w", cfg.Provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := a.do(req, cfg.Provider)
	if err != nil {
		return err
	}
	// Ultramsg reports some failures as 200 with an error field.
	var out struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err == nil && len(out.Error) > 0 && string(out.Error) != "null" {
		return fmt.Errorf("whatsapp %s send: %s", cfg.Provider, out.Error)
	}
	return nil
}

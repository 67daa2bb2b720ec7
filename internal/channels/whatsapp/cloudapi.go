package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/solvia-ai/relay/pkg/models"
)

// defaultCloudAPIBaseURL is the 360dialog Cloud API host. Meta's own
// graph endpoint is interchangeable via the api_url setting.
const defaultCloudAPIBaseURL = "https://waba-v2.360dialog.io"

type cloudAPISendRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             cloudAPISendText `json:"text"`
}

type cloudAPISendText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

func (a *Adapter) sendCloudAPI(ctx context.Context, cfg *models.ChannelConfig, to, text string) error {
	base := cfg.Setting(settingAPIURL)
	if base == "" {
		base = defaultCloudAPIBaseURL
	}
	payload, err := json.Marshal(cloudAPISendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             cloudAPISendText{Body: text},
	})
	if err != nil {
		return fmt.Errorf("whatsapp %s send: %w", cfg.Provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp %s send: %w", cfg.Provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("D360-API-KEY", cfg.Credential(models.CredAPIToken))
	_, err = a.do(req, cfg.Provider)
	return err
}

package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

func (a *Adapter) sendTwilio(ctx context.Context, cfg *models.ChannelConfig, to, text string) error {
	base := cfg.Setting(settingAPIURL)
	if base == "" {
		base = defaultTwilioBaseURL
	}
	sid := cfg.Credential(models.CredAccountSID)
	from := channels.NormalizeUserID(cfg.Credential(models.CredFromNumber))

	form := url.Values{}
	form.Set("From", "whatsapp:+"+from)
	form.Set("To", "whatsapp:+"+to)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", base, url.PathEscape(sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("whatsapp %s send: %w", cfg.Provider, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(sid, cfg.Credential(models.CredAuthToken))
	_, err = a.do(req, cfg.Provider)
	return err
}

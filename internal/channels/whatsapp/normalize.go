// Package whatsapp implements the WhatsApp channel adapter. Three
// provider dialects (Cloud API via 360dialog, Ultramsg, Twilio) share
// one adapter; the channel config's provider tag selects the wire
// format for sends, and webhook payloads are classified by shape.
package whatsapp

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

// Metadata keys the normalizer attaches for channel identification and
// downstream consumers.
const (
	metaProvider      = "provider"
	metaInstanceID    = "instance_id"
	metaAccountSID    = "account_sid"
	metaPhoneNumberID = "phone_number_id"
	metaToNumber      = "to_number"
	metaProfileName   = "profile_name"
	metaMessageType   = "message_type"
)

// DetectProvider classifies a webhook payload by shape:
// `object == "whatsapp_business_account"` marks the Cloud API dialect,
// an `instanceId` field marks Ultramsg, and a MessageSid/AccountSid
// pair marks Twilio. Empty string when none apply.
func DetectProvider(payload []byte) string {
	var probe struct {
		Object     string          `json:"object"`
		InstanceID json.RawMessage `json:"instanceId"`
		MessageSid string          `json:"MessageSid"`
		AccountSid string          `json:"AccountSid"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	switch {
	case probe.Object == "whatsapp_business_account":
		return models.WhatsAppProvider360Dialog
	case len(probe.InstanceID) > 0:
		return models.WhatsAppProviderUltramsg
	case probe.MessageSid != "" && probe.AccountSid != "":
		return models.WhatsAppProviderTwilio
	}
	return ""
}

// Unwrap removes one optional outer {"body": {...}} envelope that some
// proxy deployments add around the provider payload. Applied at most
// once, and only when the inner body is itself a JSON object.
func Unwrap(payload []byte) []byte {
	var outer struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil || len(outer.Body) == 0 {
		return payload
	}
	inner := bytes.TrimSpace(outer.Body)
	if len(inner) == 0 || inner[0] != '{' {
		return payload
	}
	return inner
}

// Normalize converts a provider webhook payload into the canonical
// message form. Status events (delivery and read receipts) and echoes
// of our own sends return (nil, nil): valid traffic with nothing to
// process. Payloads matching no known provider shape return
// channels.ErrUnrecognizedPayload.
func Normalize(payload []byte) (*models.NormalizedMessage, error) {
	payload = Unwrap(payload)
	switch DetectProvider(payload) {
	case models.WhatsAppProvider360Dialog:
		return normalizeCloudAPI(payload)
	case models.WhatsAppProviderUltramsg:
		return normalizeUltramsg(payload)
	case models.WhatsAppProviderTwilio:
		return normalizeTwilio(payload)
	}
	return nil, channels.ErrUnrecognizedPayload
}

type cloudAPIEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string        `json:"field"`
			Value cloudAPIValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudAPIValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []cloudAPIMessage `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type cloudAPIMessage struct {
	From      string         `json:"from"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Text      *cloudAPIText  `json:"text"`
	Image     *cloudAPIMedia `json:"image"`
	Video     *cloudAPIMedia `json:"video"`
	Audio     *cloudAPIMedia `json:"audio"`
	Document  *cloudAPIMedia `json:"document"`
}

type cloudAPIText struct {
	Body string `json:"body"`
}

type cloudAPIMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

func normalizeCloudAPI(payload []byte) (*models.NormalizedMessage, error) {
	var env cloudAPIEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, channels.ErrUnrecognizedPayload
	}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) == 0 {
				continue
			}
			msg := change.Value.Messages[0]
			out := &models.NormalizedMessage{
				ChannelType:       models.ChannelWhatsApp,
				UserID:            channels.NormalizeUserID(msg.From),
				Content:           cloudAPIContent(msg),
				OriginalMessageID: msg.ID,
				Timestamp:         unixTimestamp(msg.Timestamp),
				Metadata: map[string]any{
					metaProvider:      models.WhatsAppProvider360Dialog,
					metaPhoneNumberID: change.Value.Metadata.PhoneNumberID,
					metaToNumber:      channels.NormalizeUserID(change.Value.Metadata.DisplayPhoneNumber),
					metaMessageType:   msg.Type,
				},
			}
			if len(change.Value.Contacts) > 0 {
				out.Metadata[metaProfileName] = change.Value.Contacts[0].Profile.Name
			}
			return out, nil
		}
	}
	// Entries without messages carry statuses or template updates.
	return nil, nil
}

// cloudAPIContent applies the shaping rule: body first, then caption,
// then empty. Media without caption yields "" rather than nil.
func cloudAPIContent(msg cloudAPIMessage) string {
	if msg.Text != nil && msg.Text.Body != "" {
		return msg.Text.Body
	}
	for _, media := range []*cloudAPIMedia{msg.Image, msg.Video, msg.Audio, msg.Document} {
		if media != nil && media.Caption != "" {
			return media.Caption
		}
	}
	return ""
}

type ultramsgEnvelope struct {
	EventType string `json:"event_type"`
	// instanceId arrives as a string or a bare number depending on the
	// instance plan.
	InstanceID json.RawMessage `json:"instanceId"`
	Data       ultramsgData    `json:"data"`
}

type ultramsgData struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Pushname string `json:"pushname"`
	Type     string `json:"type"`
	Body     string `json:"body"`
	Caption  string `json:"caption"`
	FromMe   bool   `json:"fromMe"`
	Self     bool   `json:"self"`
	Time     int64  `json:"time"`
}

func normalizeUltramsg(payload []byte) (*models.NormalizedMessage, error) {
	var env ultramsgEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, channels.ErrUnrecognizedPayload
	}
	if env.EventType != "" && env.EventType != "message_received" {
		return nil, nil
	}
	if env.Data.FromMe || env.Data.Self {
		return nil, nil
	}
	content := env.Data.Body
	if content == "" {
		content = env.Data.Caption
	}
	var ts time.Time
	if env.Data.Time > 0 {
		ts = time.Unix(env.Data.Time, 0).UTC()
	} else {
		ts = time.Now().UTC()
	}
	return &models.NormalizedMessage{
		ChannelType:       models.ChannelWhatsApp,
		UserID:            channels.NormalizeUserID(env.Data.From),
		Content:           content,
		OriginalMessageID: env.Data.ID,
		Timestamp:         ts,
		Metadata: map[string]any{
			metaProvider:    models.WhatsAppProviderUltramsg,
			metaInstanceID:  strings.Trim(string(env.InstanceID), `"`),
			metaToNumber:    channels.NormalizeUserID(env.Data.To),
			metaProfileName: env.Data.Pushname,
			metaMessageType: env.Data.Type,
		},
	}, nil
}

type twilioEnvelope struct {
	MessageSid    string `json:"MessageSid"`
	AccountSid    string `json:"AccountSid"`
	From          string `json:"From"`
	To            string `json:"To"`
	Body          string `json:"Body"`
	ProfileName   string `json:"ProfileName"`
	SmsStatus     string `json:"SmsStatus"`
	MessageStatus string `json:"MessageStatus"`
}

func normalizeTwilio(payload []byte) (*models.NormalizedMessage, error) {
	var env twilioEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, channels.ErrUnrecognizedPayload
	}
	// Delivery callbacks carry MessageStatus; inbound messages carry
	// SmsStatus=received.
	if env.MessageStatus != "" {
		return nil, nil
	}
	return &models.NormalizedMessage{
		ChannelType:       models.ChannelWhatsApp,
		UserID:            channels.NormalizeUserID(strings.TrimPrefix(env.From, "whatsapp:")),
		Content:           env.Body,
		OriginalMessageID: env.MessageSid,
		Timestamp:         time.Now().UTC(),
		Metadata: map[string]any{
			metaProvider:    models.WhatsAppProviderTwilio,
			metaAccountSID:  env.AccountSid,
			metaToNumber:    channels.NormalizeUserID(strings.TrimPrefix(env.To, "whatsapp:")),
			metaProfileName: env.ProfileName,
			metaMessageType: "text",
		},
	}, nil
}

// IdentifyChannel resolves which configured channel instance a
// normalized message belongs to. Match order: the provider-specific
// primary key, then instance ids compared digits-only with a literal
// "instance" prefix stripped, then the business phone number. Nil when
// nothing matches; the caller falls back to channel_type-only routing.
func IdentifyChannel(msg *models.NormalizedMessage, configs []*models.ChannelConfig) *models.ChannelConfig {
	if msg == nil {
		return nil
	}
	provider := metaString(msg, metaProvider)

	for _, cfg := range configs {
		if cfg == nil || cfg.Provider != provider {
			continue
		}
		switch provider {
		case models.WhatsAppProviderUltramsg:
			if id := cfg.Credential(models.CredInstanceID); id != "" && id == metaString(msg, metaInstanceID) {
				return cfg
			}
		case models.WhatsAppProviderTwilio:
			if sid := cfg.Credential(models.CredAccountSID); sid != "" && sid == metaString(msg, metaAccountSID) {
				return cfg
			}
		case models.WhatsAppProvider360Dialog:
			if id := cfg.Credential(models.CredPhoneNumberID); id != "" && id == metaString(msg, metaPhoneNumberID) {
				return cfg
			}
		}
	}

	// Instances are configured as "instance112233" in some dashboards
	// and as the bare number in others.
	if want := instanceDigits(metaString(msg, metaInstanceID)); want != "" {
		for _, cfg := range configs {
			if cfg == nil || cfg.Provider != provider {
				continue
			}
			if instanceDigits(cfg.Credential(models.CredInstanceID)) == want {
				return cfg
			}
		}
	}

	if want := digitsOnly(metaString(msg, metaToNumber)); want != "" {
		for _, cfg := range configs {
			if cfg == nil {
				continue
			}
			if digitsOnly(cfg.Credential(models.CredPhoneNumber)) == want {
				return cfg
			}
		}
	}
	return nil
}

func metaString(msg *models.NormalizedMessage, key string) string {
	if msg.Metadata == nil {
		return ""
	}
	s, _ := msg.Metadata[key].(string)
	return s
}

func instanceDigits(id string) string {
	return digitsOnly(strings.TrimPrefix(strings.ToLower(id), "instance"))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unixTimestamp(s string) time.Time {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}

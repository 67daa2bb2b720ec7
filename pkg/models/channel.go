package models

import (
	"time"
)

// WhatsApp provider family tags. One adapter serves all three; the tag
// selects the wire dialect and credential set.
const (
	// WhatsAppProvider360Dialog is the Cloud-API dialect (360dialog and
	// Meta Cloud API share the payload shape).
	WhatsAppProvider360Dialog = "360dialog"
	// WhatsAppProviderUltramsg is the Ultramsg instance API.
	WhatsAppProviderUltramsg = "ultramsg"
	// WhatsAppProviderTwilio is the Twilio Messaging API.
	WhatsAppProviderTwilio = "twilio"
)

// ChannelConfig binds a transport instance: one WhatsApp number on one
// provider, one Telegram bot, one mailbox, or one widget key.
type ChannelConfig struct {
	// ID is the opaque unique identifier.
	ID string `json:"id"`

	// ChannelType is the transport family.
	ChannelType ChannelType `json:"channel_type"`

	// Provider is the provider tag within the family. Empty for
	// single-provider transports (telegram, email, webchat).
	Provider string `json:"provider,omitempty"`

	// Name is the operator-facing label.
	Name string `json:"name"`

	// Credentials are provider-specific secrets and addressing:
	// instance_id, api_token, phone_number_id, account_sid, auth_token,
	// from_number, bot_token, smtp/imap settings, widget_key.
	Credentials map[string]string `json:"credentials"`

	// Settings are non-secret provider options.
	Settings map[string]any `json:"settings,omitempty"`

	// Active gates the channel without deleting its history.
	Active bool `json:"active"`

	// CreatedAt is when the channel was configured.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the configuration last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Credential returns a named credential or the empty string.
func (c *ChannelConfig) Credential(key string) string {
	if c == nil || c.Credentials == nil {
		return ""
	}
	return c.Credentials[key]
}

// Setting returns a named string setting or the empty string.
func (c *ChannelConfig) Setting(key string) string {
	if c == nil || c.Settings == nil {
		return ""
	}
	s, _ := c.Settings[key].(string)
	return s
}

// Common credential keys used by channel configs.
const (
	CredInstanceID    = "instance_id"
	CredAPIToken      = "api_token"
	CredPhoneNumberID = "phone_number_id"
	CredPhoneNumber   = "phone_number"
	CredAccountSID    = "account_sid"
	CredAuthToken     = "auth_token"
	CredFromNumber    = "from_number"
	CredBotToken      = "bot_token"
	CredBotUsername   = "bot_username"
	CredWidgetKey     = "widget_key"
)

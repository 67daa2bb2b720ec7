// Package email implements the email channel adapter. Outbound replies
// go through an SMTP relay; inbound mail arrives as webhook JSON posted
// by the mail ingest relay. IMAP credentials are carried in config for
// that relay; this process never polls mailboxes itself.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/config"
	"github.com/solvia-ai/relay/pkg/models"
)

// Channel-config credential keys that override the runtime SMTP
// defaults per mailbox.
const (
	credSMTPHost     = "smtp_host"
	credSMTPPort     = "smtp_port"
	credSMTPUsername = "smtp_username"
	credSMTPPassword = "smtp_password"
)

// CredFromAddress names the mailbox a channel config serves. The gateway
// matches inbound recipients against it when several mailboxes are active.
const CredFromAddress = "from_address"

// settingSubject overrides the reply subject line.
const settingSubject = "subject"

const defaultSubject = "Re: your message"

// Sender delivers one outbound mail. The default implementation speaks
// SMTP via go-mail; tests substitute a capture.
type Sender interface {
	Send(ctx context.Context, settings config.SMTPConfig, to, subject, body string) error
}

// Adapter bridges a mailbox into the normalized pipeline.
type Adapter struct {
	logger *slog.Logger
	sender Sender
	smtp   config.SMTPConfig
	imap   config.IMAPConfig

	mu  sync.RWMutex
	cfg *models.ChannelConfig
}

// New returns an adapter using the runtime SMTP defaults for sends.
func New(smtp config.SMTPConfig, imap config.IMAPConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("component", "channels.email"),
		sender: &smtpSender{},
		smtp:   smtp,
		imap:   imap,
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelEmail }

// Initialize installs the mailbox config. Sends need a resolvable SMTP
// host from either the config credentials or the runtime defaults.
func (a *Adapter) Initialize(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil {
		return fmt.Errorf("email: nil channel config")
	}
	if settings := a.resolveSMTP(cfg); settings.Host == "" {
		return fmt.Errorf("email: no smtp host configured")
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	if a.imap.Host != "" {
		a.logger.Info("imap ingest delegated to external relay", "host", a.imap.Host)
	}
	a.logger.Info("email adapter initialized", "channel_config_id", cfg.ID)
	return nil
}

// SendMessage mails text to the user's address.
func (a *Adapter) SendMessage(ctx context.Context, userID, text string, override *models.ChannelConfig) error {
	cfg := override
	if cfg == nil {
		a.mu.RLock()
		cfg = a.cfg
		a.mu.RUnlock()
	}
	settings := a.resolveSMTP(cfg)
	if settings.Host == "" {
		return channels.ErrNotInitialized
	}
	to := strings.TrimSpace(userID)
	if _, err := mail.ParseAddress(to); err != nil {
		return fmt.Errorf("email: invalid recipient %q: %w", userID, err)
	}
	subject := cfg.Setting(settingSubject)
	if subject == "" {
		subject = defaultSubject
	}
	if err := a.sender.Send(ctx, settings, to, subject, text); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// resolveSMTP starts from the runtime defaults and applies any
// per-mailbox credential overrides.
func (a *Adapter) resolveSMTP(cfg *models.ChannelConfig) config.SMTPConfig {
	settings := a.smtp
	if host := cfg.Credential(credSMTPHost); host != "" {
		settings.Host = host
	}
	if port := cfg.Credential(credSMTPPort); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			settings.Port = n
		}
	}
	if user := cfg.Credential(credSMTPUsername); user != "" {
		settings.Username = user
	}
	if pass := cfg.Credential(credSMTPPassword); pass != "" {
		settings.Password = pass
	}
	if from := cfg.Credential(CredFromAddress); from != "" {
		settings.From = from
	}
	if settings.Port == 0 {
		settings.Port = 587
	}
	return settings
}

// inboundEmail is the JSON contract the mail ingest relay posts to
// /webhooks/email.
type inboundEmail struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	Date      string `json:"date"`
}

// HandleWebhook normalizes one ingested mail. Mail sent from our own
// address returns (nil, nil).
func (a *Adapter) HandleWebhook(payload []byte) (*models.NormalizedMessage, error) {
	var in inboundEmail
	if err := json.Unmarshal(payload, &in); err != nil || in.From == "" {
		return nil, channels.ErrUnrecognizedPayload
	}

	addr, err := mail.ParseAddress(in.From)
	if err != nil {
		return nil, fmt.Errorf("email: parse sender %q: %w", in.From, err)
	}
	from := strings.ToLower(addr.Address)
	if own := strings.ToLower(a.ownAddress()); own != "" && from == own {
		return nil, nil
	}

	content := in.Text
	if content == "" {
		content = in.Subject
	}
	meta := map[string]any{
		"subject": in.Subject,
		"to":      in.To,
	}
	if addr.Name != "" {
		meta["profile_name"] = addr.Name
	}
	if in.HTML != "" {
		meta["has_html"] = true
	}
	return &models.NormalizedMessage{
		ChannelType:       models.ChannelEmail,
		UserID:            from,
		Content:           content,
		OriginalMessageID: strings.Trim(in.MessageID, "<>"),
		Timestamp:         parseDate(in.Date),
		Metadata:          meta,
	}, nil
}

func (a *Adapter) ownAddress() string {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()
	if from := cfg.Credential(CredFromAddress); from != "" {
		return from
	}
	return a.smtp.From
}

func parseDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// IsHealthy reports whether a send could resolve an SMTP relay.
func (a *Adapter) IsHealthy(ctx context.Context) bool {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()
	return a.resolveSMTP(cfg).Host != ""
}

// Shutdown implements channels.Adapter; SMTP connections are per-send.
func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// smtpSender delivers via go-mail with mandatory STARTTLS.
type smtpSender struct{}

func (s *smtpSender) Send(ctx context.Context, settings config.SMTPConfig, to, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(settings.From); err != nil {
		return fmt.Errorf("invalid sender %q: %w", settings.From, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	opts := []gomail.Option{
		gomail.WithPort(settings.Port),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
		gomail.WithTimeout(30 * time.Second),
	}
	if settings.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(settings.Username),
			gomail.WithPassword(settings.Password),
		)
	}
	client, err := gomail.NewClient(settings.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

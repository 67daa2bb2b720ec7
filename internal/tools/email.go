package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPSettings describe one mail relay. Tools without their own smtp block
// fall back to the runtime-wide settings.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// OutgoingEmail is a fully resolved message ready for the relay.
type OutgoingEmail struct {
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	TextBody string
	HTMLBody string
}

// Mailer delivers one message. The default implementation speaks SMTP via
// go-mail; tests substitute a capture.
type Mailer interface {
	Send(ctx context.Context, msg *OutgoingEmail) error
}

// emailSpec is the declarative body of an email tool definition. Pinned
// recipients override whatever the model supplies.
type emailSpec struct {
	SMTP *struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		From     string `json:"from"`
	} `json:"smtp,omitempty"`

	From          string   `json:"from,omitempty"`
	To            []string `json:"to,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	HTML          bool     `json:"html,omitempty"`
}

// emailParams are the model-supplied arguments.
type emailParams struct {
	To      []string `json:"to,omitempty"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type emailExecutor struct {
	spec   emailSpec
	from   string
	mailer Mailer
}

func newEmailExecutor(spec json.RawMessage, defaults SMTPSettings, mailer Mailer) (*emailExecutor, error) {
	var parsed emailSpec
	if len(spec) > 0 && string(spec) != "null" {
		if err := json.Unmarshal(spec, &parsed); err != nil {
			return nil, fmt.Errorf("parse email spec: %w", err)
		}
	}

	settings := resolveSMTP(parsed, defaults)
	if mailer == nil && settings.Host != "" {
		mailer = &smtpMailer{settings: settings}
	}

	from := parsed.From
	if from == "" {
		from = settings.From
	}

	return &emailExecutor{spec: parsed, from: from, mailer: mailer}, nil
}

// resolveSMTP prefers the tool's own smtp block over the runtime defaults.
func resolveSMTP(spec emailSpec, defaults SMTPSettings) SMTPSettings {
	if spec.SMTP == nil || spec.SMTP.Host == "" {
		if defaults.Port == 0 {
			defaults.Port = 587
		}
		return defaults
	}
	settings := SMTPSettings{
		Host:     spec.SMTP.Host,
		Port:     spec.SMTP.Port,
		Username: spec.SMTP.Username,
		Password: spec.SMTP.Password,
		From:     spec.SMTP.From,
	}
	if settings.Port == 0 {
		settings.Port = 587
	}
	return settings
}

func (e *emailExecutor) run(ctx context.Context, params json.RawMessage, inv Invocation) (string, error) {
	if e.mailer == nil {
		return "", errors.New("no smtp relay configured")
	}

	var p emailParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return "", fmt.Errorf("parse email arguments: %w", err)
		}
	}

	to := e.spec.To
	if len(to) == 0 {
		to = p.To
	}
	if len(to) == 0 {
		return "", errors.New("email requires at least one recipient")
	}
	if e.from == "" {
		return "", errors.New("email sender address not configured")
	}

	subject := strings.TrimSpace(p.Subject)
	if e.spec.SubjectPrefix != "" {
		subject = strings.TrimSpace(e.spec.SubjectPrefix + " " + subject)
	}

	msg := &OutgoingEmail{
		From:    e.from,
		To:      to,
		Cc:      p.Cc,
		Bcc:     p.Bcc,
		Subject: subject,
	}
	if e.spec.HTML {
		msg.HTMLBody = p.Body
	} else {
		msg.TextBody = p.Body
	}

	if err := e.mailer.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}

	result, err := json.Marshal(map[string]any{
		"sent":    true,
		"to":      to,
		"subject": subject,
	})
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// smtpMailer delivers via go-mail with mandatory STARTTLS.
type smtpMailer struct {
	settings SMTPSettings
}

func (m *smtpMailer) Send(ctx context.Context, out *OutgoingEmail) error {
	msg := mail.NewMsg()
	if err := msg.From(out.From); err != nil {
		return fmt.Errorf("invalid sender %q: %w", out.From, err)
	}
	if err := msg.To(out.To...); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if len(out.Cc) > 0 {
		if err := msg.Cc(out.Cc...); err != nil {
			return fmt.Errorf("invalid cc recipient: %w", err)
		}
	}
	if len(out.Bcc) > 0 {
		if err := msg.Bcc(out.Bcc...); err != nil {
			return fmt.Errorf("invalid bcc recipient: %w", err)
		}
	}
	msg.Subject(out.Subject)
	if out.HTMLBody != "" {
		msg.SetBodyString(mail.TypeTextHTML, out.HTMLBody)
	} else {
		msg.SetBodyString(mail.TypeTextPlain, out.TextBody)
	}

	opts := []mail.Option{
		mail.WithPort(m.settings.Port),
		mail.WithTLSPortPolicy(mail.TLSMandatory),
		mail.WithTimeout(30 * time.Second),
	}
	if m.settings.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.settings.Username),
			mail.WithPassword(m.settings.Password),
		)
	}

	client, err := mail.NewClient(m.settings.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

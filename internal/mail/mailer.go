package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"brevity-server/internal/observability"
)

//go:embed templates/*.html
var templateFiles embed.FS

var templates = template.Must(template.ParseFS(templateFiles, "templates/*.html"))

type Message struct {
	To      string
	Subject string
	HTML    string
}

type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders the account emails and hands them to a Transport. Each send
// is bounded by its own timeout.
type Mailer struct {
	transport Transport
	logger    *observability.Logger
	timeout   time.Duration
}

func NewMailer(transport Transport, logger *observability.Logger) *Mailer {
	return &Mailer{transport: transport, logger: logger, timeout: 10 * time.Second}
}

func (m *Mailer) SendVerification(ctx context.Context, to, name, link string, expiresIn time.Duration) error {
	return m.send(ctx, to, "Verify your Brevity email", "email_verification.html", map[string]any{
		"Name":      name,
		"Link":      link,
		"ExpiresIn": humanDuration(expiresIn),
	})
}

func (m *Mailer) SendPasswordReset(ctx context.Context, to, name, code string, expiresIn time.Duration) error {
	return m.send(ctx, to, "Your Brevity password reset code", "password_reset.html", map[string]any{
		"Name":      name,
		"Code":      code,
		"ExpiresIn": humanDuration(expiresIn),
	})
}

func (m *Mailer) SendPasswordChanged(ctx context.Context, to, name string) error {
	return m.send(ctx, to, "Your Brevity password was changed", "password_changed.html", map[string]any{
		"Name": name,
	})
}

func (m *Mailer) send(ctx context.Context, to, subject, templateName string, data map[string]any) error {
	body, err := Render(templateName, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.transport.Send(ctx, Message{To: to, Subject: subject, HTML: body}); err != nil {
		m.logger.Error("mail_send_failed", map[string]any{
			"template": templateName,
			"error":    err.Error(),
		})
		return fmt.Errorf("send %s: %w", templateName, err)
	}

	m.logger.Info("mail_sent", map[string]any{"template": templateName})
	return nil
}

func Render(templateName string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, templateName, data); err != nil {
		return "", fmt.Errorf("render %s: %w", templateName, err)
	}
	return buf.String(), nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "a short while"
	case d%(24*time.Hour) == 0:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "24 hours"
		}
		return fmt.Sprintf("%d days", days)
	case d%time.Hour == 0:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}

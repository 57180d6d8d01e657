package mail

import (
	"context"
	"fmt"
	"html"
	"time"

	"ipguard/internal/support"

	"github.com/charmbracelet/log"
	"gopkg.in/gomail.v2"
)

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer delivers verification codes over SMTP.
type Mailer struct {
	dialer  sender
	from    string
	appName string
}

func NewMailer(host string, port int, user, password, from, appName string) *Mailer {
	return &Mailer{
		dialer:  gomail.NewDialer(host, port, user, password),
		from:    from,
		appName: appName,
	}
}

// FromEnv builds a Mailer from SMTP_* variables. It returns nil when
// SMTP_HOST is unset so callers can fall back to LogMailer.
func FromEnv(appName string) *Mailer {
	host := support.GetEnv("SMTP_HOST", "")
	if host == "" {
		return nil
	}
	return NewMailer(
		host,
		support.GetEnvInt("SMTP_PORT", 587),
		support.GetEnv("SMTP_USER", ""),
		support.GetEnv("SMTP_PASSWORD", ""),
		support.GetEnv("SMTP_FROM", "no-reply@localhost"),
		appName,
	)
}

func (m *Mailer) SendVerificationCode(ctx context.Context, to, code, location string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("%s verification code", m.appName))
	msg.SetBody("text/plain", plainBody(code, location, ttl))
	msg.AddAlternative("text/html", htmlBody(m.appName, code, location, ttl))

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}

func describeOrigin(location string) string {
	if location == "" {
		return "an unrecognized network"
	}
	return location
}

func plainBody(code, location string, ttl time.Duration) string {
	return fmt.Sprintf(
		"A login was attempted from %s.\n\nYour verification code is %s. It expires in %s.\n\nIf this was not you, change your password.\n",
		describeOrigin(location), code, ttl.Round(time.Minute),
	)
}

func htmlBody(appName, code, location string, ttl time.Duration) string {
	return fmt.Sprintf(`
		<h3>%s login verification</h3>
		<p>A login was attempted from <strong>%s</strong>.</p>
		<p>Your verification code is <strong>%s</strong>. It expires in %s.</p>
		<p>If this was not you, change your password.</p>
	`, html.EscapeString(appName), html.EscapeString(describeOrigin(location)), code, ttl.Round(time.Minute))
}

// LogMailer writes codes to the log instead of sending them. It is meant for
// development setups without SMTP.
type LogMailer struct{}

func (LogMailer) SendVerificationCode(ctx context.Context, to, code, location string, ttl time.Duration) error {
	log.Warn("SMTP not configured, verification code logged instead of sent", "to", to, "code", code, "location", describeOrigin(location), "ttl", ttl)
	return nil
}

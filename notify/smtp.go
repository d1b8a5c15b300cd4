// Package notify provides Notifier implementations for out-of-band message
// delivery. SMTPNotifier works with any SMTP provider; NopNotifier discards
// everything and suits tests and deployments without the emailed-code
// factor.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
)

// SMTPConfig holds all configuration for SMTPNotifier.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
}

// SMTPNotifier delivers plain-text mail over SMTP with mandatory STARTTLS.
type SMTPNotifier struct {
	cfg SMTPConfig
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

// Send delivers one message. It dials per call, enforces STARTTLS (rejects
// plaintext sessions), authenticates, and respects ctx cancellation during
// dialing.
func (m *SMTPNotifier) Send(ctx context.Context, to, subject, body string) error {
	msg := "From: " + m.cfg.FromAddress + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", m.cfg.Host+":"+m.cfg.Port)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}

// NopNotifier discards all outbound messages.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, string, string, string) error { return nil }

package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// ErrNotConfigured is returned when required SMTP settings are missing
var ErrNotConfigured = errors.New("smtp transport not configured")

// Config holds SMTP relay settings. Resend, Postmark and friends all expose
// an SMTP relay, so the engine only needs this one transport.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// Message is one rendered email
type Message struct {
	To             string
	Subject        string
	HTML           string
	Text           string
	UnsubscribeURL string
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPTransport sends through gomail
type SMTPTransport struct {
	cfg    Config
	dialer dialer
}

// NewSMTPTransport builds a transport from explicit settings
func NewSMTPTransport(cfg Config) (*SMTPTransport, error) {
	if cfg.Host == "" || cfg.Port == 0 || cfg.FromEmail == "" {
		return nil, fmt.Errorf("%w: host, port and from address are required", ErrNotConfigured)
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	return &SMTPTransport{cfg: cfg, dialer: d}, nil
}

// Send delivers msg and returns the Message-ID it was sent with.
// gomail has no context support, so a cancelled ctx abandons the dial.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	m, messageID := t.build(msg)

	done := make(chan error, 1)
	go func() {
		done <- t.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("error sending email: %w", err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("error sending email: %w", ctx.Err())
	}
}

func (t *SMTPTransport) build(msg Message) (*gomail.Message, string) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(t.cfg.FromEmail))

	m := gomail.NewMessage()
	if t.cfg.FromName != "" {
		m.SetAddressHeader("From", t.cfg.FromEmail, t.cfg.FromName)
	} else {
		m.SetHeader("From", t.cfg.FromEmail)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.UnsubscribeURL != "" {
		m.SetHeader("List-Unsubscribe", "<"+msg.UnsubscribeURL+">")
		m.SetHeader("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}

	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	} else {
		m.SetBody("text/html", msg.HTML)
	}
	return m, messageID
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}

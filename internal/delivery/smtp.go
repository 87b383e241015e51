package delivery

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTPTransport sends messages through an SMTP relay
type SMTPTransport struct {
	dialer *gomail.Dialer
}

// NewSMTPTransport creates a transport for the relay
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}
}

// Send implements Transport. The SMTP exchange is abandoned when ctx ends.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	m := buildMessage(msg)

	done := make(chan error, 1)
	go func() {
		done <- t.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	for _, a := range msg.Attachments {
		data := a.Data
		m.Attach(a.Filename,
			gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}))
	}
	return m
}

// LogTransport records messages in the log instead of sending them. Used
// when no SMTP relay is configured.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a log-only transport
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger}
}

// Send implements Transport
func (t *LogTransport) Send(_ context.Context, msg *Message) error {
	names := make([]string, len(msg.Attachments))
	for i, a := range msg.Attachments {
		names[i] = a.Filename
	}
	t.logger.Info("message not sent, no smtp relay configured",
		zap.String("subject", msg.Subject),
		zap.Strings("attachments", names))
	return nil
}

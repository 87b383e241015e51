// Package delivery sends prescription documents to patients.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/pkg/circuitbreaker"
)

// ErrInvalidRecipient means the recipient address cannot be used
var ErrInvalidRecipient = errors.New("invalid recipient address")

// DeliveryError means a document was not handed to the transport
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Attachment is a file sent with a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is an outgoing message
type Message struct {
	From        string
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Transport hands messages to a mail system
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Config holds delivery settings
type Config struct {
	From    string
	Subject string
	Body    string
	// Timeout bounds a single delivery attempt
	Timeout time.Duration
}

// DefaultConfig returns delivery defaults
func DefaultConfig(from string) Config {
	return Config{
		From:    from,
		Subject: "Your Prescription",
		Body:    "Please find your prescription attached.",
		Timeout: 30 * time.Second,
	}
}

// Service delivers documents through one transport
type Service struct {
	cfg       Config
	transport Transport
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewService creates a delivery service. breaker may be nil.
func NewService(cfg Config, transport Transport, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, transport: transport, breaker: breaker, logger: logger}
}

// Deliver sends doc to recipient. Every failure is a *DeliveryError.
func (s *Service) Deliver(ctx context.Context, doc Attachment, recipient string) error {
	addr, err := mail.ParseAddress(recipient)
	if err != nil || addr.Name != "" {
		return &DeliveryError{Recipient: recipient, Err: ErrInvalidRecipient}
	}
	if doc.ContentType == "" {
		doc.ContentType = "application/pdf"
	}

	msg := &Message{
		From:        s.cfg.From,
		To:          addr.Address,
		Subject:     s.cfg.Subject,
		Body:        s.cfg.Body,
		Attachments: []Attachment{doc},
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	send := func(ctx context.Context) error {
		return s.transport.Send(ctx, msg)
	}
	if s.breaker != nil {
		err = s.breaker.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		s.logger.Warn("delivery failed", zap.String("attachment", doc.Filename), zap.Error(err))
		return &DeliveryError{Recipient: addr.Address, Err: err}
	}

	s.logger.Info("document delivered", zap.String("attachment", doc.Filename))
	return nil
}

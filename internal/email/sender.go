package email

import (
	"context"

	"github.com/resend/resend-go/v2"
)

// Outgoing is one email as handed to the provider.
type Outgoing struct {
	From    string
	To      string
	Subject string
	HTML    string
	Headers map[string]string
}

// Sender delivers a single email. A non-empty idempotencyKey makes repeated
// sends with the same key a no-op at the provider.
type Sender interface {
	Send(ctx context.Context, msg Outgoing, idempotencyKey string) error
}

// SenderFactory builds a Sender for an API key.
type SenderFactory func(apiKey string) Sender

// ResendSender delivers through the Resend API.
type ResendSender struct {
	client *resend.Client
}

// NewResendSender creates a Sender for apiKey. It matches SenderFactory.
func NewResendSender(apiKey string) Sender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

// Send implements Sender.
func (s *ResendSender) Send(ctx context.Context, msg Outgoing, idempotencyKey string) error {
	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Headers: msg.Headers,
	}
	if idempotencyKey == "" {
		_, err := s.client.Emails.SendWithContext(ctx, req)
		return err
	}
	_, err := s.client.Emails.SendWithOptions(ctx, req, &resend.SendEmailOptions{
		IdempotencyKey: idempotencyKey,
	})
	return err
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Outgoing, idempotencyKey string) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, msg Outgoing, idempotencyKey string) error {
	return f(ctx, msg, idempotencyKey)
}

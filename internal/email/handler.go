package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/flare-worker/internal/queue"
	"github.com/phrazzld/flare-worker/internal/redact"
)

var _ queue.EmailHandler = (*Handler)(nil)

// Handler consumes EMAIL queue messages.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "email_handler")}
}

// HandleEmail sends data. A disabled service completes without error; a
// provider failure is returned so the message is redelivered.
func (h *Handler) HandleEmail(ctx context.Context, data queue.EmailData, idempotencyKey string) error {
	res, err := h.svc.Send(ctx, Request{
		To:             data.To,
		Subject:        data.Subject,
		HTML:           data.HTML,
		Headers:        data.Headers,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return err
	}

	switch res.Status {
	case StatusFailed:
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, res.Error)
	case StatusDisabled:
		h.logger.InfoContext(ctx, "email service disabled, message skipped", "to", redact.Email(data.To))
	}
	return nil
}

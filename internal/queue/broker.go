package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/store"
)

// BrokerConfig tunes delivery over a QueueStore.
type BrokerConfig struct {
	Visibility  time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
}

// Broker is a Source and Producer backed by a store.QueueStore.
type Broker struct {
	store   store.QueueStore
	cfg     BrokerConfig
	logger  *slog.Logger
	metrics *metrics.Collector
}

var (
	_ Source   = (*Broker)(nil)
	_ Producer = (*Broker)(nil)
)

// NewBroker creates a Broker. Zero config values fall back to 30s visibility,
// 10s retry delay and 5 attempts.
func NewBroker(s store.QueueStore, cfg BrokerConfig, logger *slog.Logger, m *metrics.Collector) *Broker {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:   s,
		cfg:     cfg,
		logger:  logger.With("component", "queue_broker"),
		metrics: m,
	}
}

// Send encodes and enqueues m.
func (b *Broker) Send(ctx context.Context, m Message) (string, error) {
	body, err := Encode(m)
	if err != nil {
		return "", err
	}
	return b.SendRaw(ctx, body)
}

// SendRaw enqueues body without validating it.
func (b *Broker) SendRaw(ctx context.Context, body []byte) (string, error) {
	id, err := b.store.Enqueue(ctx, body)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id.String(), nil
}

// Receive claims up to max visible messages.
func (b *Broker) Receive(ctx context.Context, max int) (*Batch, error) {
	msgs, err := b.store.Claim(ctx, max, b.cfg.Visibility)
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	batch := &Batch{Deliveries: make([]*Delivery, 0, len(msgs))}
	for _, m := range msgs {
		batch.Deliveries = append(batch.Deliveries, &Delivery{
			ID:       m.ID.String(),
			Body:     m.Body,
			Attempts: m.Attempts,
		})
	}
	return batch, nil
}

// Settle acks or retries every delivery in batch. Unsettled deliveries are
// retried. Messages past MaxAttempts are dead-lettered by the store.
func (b *Broker) Settle(ctx context.Context, batch *Batch) error {
	var firstErr error
	for _, d := range batch.Deliveries {
		if err := b.settle(ctx, d); err != nil {
			b.logger.ErrorContext(ctx, "failed to settle queue message",
				"message_id", d.ID,
				"outcome", d.Outcome().String(),
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Broker) settle(ctx context.Context, d *Delivery) error {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", d.ID, err)
	}

	if d.Outcome() == Acked {
		return b.store.Ack(ctx, id)
	}

	reason := d.Reason()
	if d.Outcome() == Unsettled {
		reason = "not settled by consumer"
	}
	dead, err := b.store.Retry(ctx, id, b.cfg.RetryDelay, b.cfg.MaxAttempts, reason)
	if err != nil {
		return err
	}
	if dead {
		b.metrics.QueueMessage(messageType(d.Body), metrics.OutcomeDead)
		b.logger.ErrorContext(ctx, "queue message moved to dead letter",
			"message_id", d.ID,
			"attempt", d.Attempts,
			"reason", reason,
		)
	}
	return nil
}

func messageType(body []byte) string {
	msg, err := Parse(body)
	if err != nil {
		return "invalid"
	}
	return string(msg.Type())
}

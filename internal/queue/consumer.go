package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/redact"
)

// EmailHandler delivers EMAIL messages. idempotencyKey is never empty.
type EmailHandler interface {
	HandleEmail(ctx context.Context, data EmailData, idempotencyKey string) error
}

// Handlers holds one handler per message variant.
type Handlers struct {
	Email EmailHandler
}

// unhandledType is the panic value raised when a Message variant has no
// dispatch case.
type unhandledType struct {
	msg Message
}

func (u unhandledType) String() string {
	return fmt.Sprintf("no handler for queue message type %T", u.msg)
}

// ConsumerConfig tunes the poll loop.
type ConsumerConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// Consumer pulls batches from a Source and dispatches each message.
type Consumer struct {
	source   Source
	handlers Handlers
	cfg      ConsumerConfig
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewConsumer creates a Consumer.
func NewConsumer(source Source, handlers Handlers, cfg ConsumerConfig, logger *slog.Logger, m *metrics.Collector) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		source:   source,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.With("component", "queue_consumer"),
		metrics:  m,
	}
}

// Run polls until ctx is cancelled. An empty or failed receive waits one
// poll interval; a full batch is followed immediately by the next receive.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "queue consumer started",
		"batch_size", c.cfg.BatchSize,
		"poll_interval", c.cfg.PollInterval,
	)
	for ctx.Err() == nil {
		n, err := c.poll(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			c.logger.ErrorContext(ctx, "queue poll failed", "error", err)
		} else if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.PollInterval):
		}
	}
	c.logger.InfoContext(ctx, "queue consumer stopped")
	return nil
}

func (c *Consumer) poll(ctx context.Context) (int, error) {
	batch, err := c.source.Receive(ctx, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch.Deliveries) == 0 {
		return 0, nil
	}

	c.ProcessBatch(ctx, batch)
	// Settlement must survive shutdown so in-flight work is not redelivered.
	if err := c.source.Settle(context.WithoutCancel(ctx), batch); err != nil {
		return len(batch.Deliveries), err
	}
	return len(batch.Deliveries), nil
}

// ProcessBatch handles every delivery in batch and marks its outcome. The
// batch is not settled; callers pass it to Source.Settle.
func (c *Consumer) ProcessBatch(ctx context.Context, batch *Batch) {
	for _, d := range batch.Deliveries {
		c.process(ctx, d)
	}
}

func (c *Consumer) process(ctx context.Context, d *Delivery) {
	log := c.logger.With("message_id", d.ID, "attempt", d.Attempts)

	msg, err := Parse(d.Body)
	if err != nil {
		log.ErrorContext(ctx, "dropping malformed queue message",
			"body", redact.String(string(d.Body)),
			"error", err,
		)
		c.metrics.QueueMessage("invalid", metrics.OutcomeDropped)
		d.Ack()
		return
	}

	c.handle(ctx, log, d, msg)
}

func (c *Consumer) handle(ctx context.Context, log *slog.Logger, d *Delivery, msg Message) {
	msgType := string(msg.Type())
	log = log.With("type", msgType)

	err := c.dispatchSafely(ctx, msg, d)
	switch {
	case errors.Is(err, ErrUnhandledType):
		log.ErrorContext(ctx, "queue message has no handler",
			"defect", true,
			"error", err,
		)
		c.metrics.QueueMessage(msgType, metrics.OutcomeDefect)
		d.Ack()
	case err != nil:
		log.ErrorContext(ctx, "queue message handler failed",
			"error", redact.Error(err),
		)
		c.metrics.QueueMessage(msgType, metrics.OutcomeRetried)
		d.Retry(redact.Error(err))
	default:
		log.InfoContext(ctx, "queue message processed")
		c.metrics.QueueMessage(msgType, metrics.OutcomeAcked)
		d.Ack()
	}
}

// dispatchSafely turns panics into errors. A missing dispatch case becomes a
// ErrUnhandledType error; any other panic is an ordinary handler failure.
func (c *Consumer) dispatchSafely(ctx context.Context, msg Message, d *Delivery) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if u, ok := r.(unhandledType); ok {
			err = fmt.Errorf("%w: %s", ErrUnhandledType, u)
			return
		}
		err = fmt.Errorf("handler panicked: %v", r)
	}()
	return c.dispatch(ctx, msg, d)
}

func (c *Consumer) dispatch(ctx context.Context, msg Message, d *Delivery) error {
	switch m := msg.(type) {
	case *EmailMessage:
		key := m.Data.IdempotencyKey
		if key == "" {
			key = d.ID
		}
		return c.handlers.Email.HandleEmail(ctx, m.Data, key)
	default:
		panic(unhandledType{msg: msg})
	}
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueMessageStatus is the storage state of a queue message.
type QueueMessageStatus string

const (
	// QueueMessagePending messages are waiting for (re)delivery.
	QueueMessagePending QueueMessageStatus = "pending"
	// QueueMessageDead messages exhausted their attempts and are kept for inspection.
	QueueMessageDead QueueMessageStatus = "dead"
)

// QueueMessage is a stored queue message.
type QueueMessage struct {
	ID        uuid.UUID
	Body      []byte
	Attempts  int
	Status    QueueMessageStatus
	LastError string
	VisibleAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueStore persists messages for at-least-once delivery.
//
// Claim hides the returned messages for the visibility timeout and increments
// their attempt counter; a message that is neither acked nor retried becomes
// visible again once the timeout elapses.
type QueueStore interface {
	Enqueue(ctx context.Context, body []byte) (uuid.UUID, error)
	Claim(ctx context.Context, max int, visibility time.Duration) ([]QueueMessage, error)
	Ack(ctx context.Context, id uuid.UUID) error

	// Retry makes the message visible again after delay. When the message has
	// already been attempted maxAttempts times it is moved to the dead state
	// instead and dead is true.
	Retry(ctx context.Context, id uuid.UUID, delay time.Duration, maxAttempts int, reason string) (dead bool, err error)
}

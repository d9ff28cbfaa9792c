package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.QueueStore = (*QueueStore)(nil)

// QueueStore implements store.QueueStore on the queue_messages table.
// Concurrent consumers claim disjoint rows through FOR UPDATE SKIP LOCKED.
type QueueStore struct {
	db store.DBTX
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(db store.DBTX) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Enqueue(ctx context.Context, body []byte) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, body, attempts, status, visible_at, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $4, $4)
	`, id, body, store.QueueMessagePending, now)
	if err != nil {
		logger.FromContext(ctx).Error("failed to enqueue message", "error", err)
		return uuid.Nil, fmt.Errorf("failed to enqueue message: %w", MapError(err))
	}
	return id, nil
}

func (s *QueueStore) Claim(ctx context.Context, max int, visibility time.Duration) ([]store.QueueMessage, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_messages
		SET attempts = attempts + 1, visible_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE status = 'pending' AND visible_at <= $1
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, body, attempts, status, COALESCE(last_error, ''), visible_at, created_at, updated_at
	`, now, now.Add(visibility), max)
	if err != nil {
		logger.FromContext(ctx).Error("failed to claim queue messages", "error", err)
		return nil, fmt.Errorf("failed to claim queue messages: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.QueueMessage
	for rows.Next() {
		var m store.QueueMessage
		if err := rows.Scan(&m.ID, &m.Body, &m.Attempts, &m.Status, &m.LastError,
			&m.VisibleAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue messages: %w", err)
	}
	return msgs, nil
}

func (s *QueueStore) Ack(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", MapError(err))
	}
	return CheckRowsAffected(result, store.ErrMessageNotFound)
}

func (s *QueueStore) Retry(
	ctx context.Context,
	id uuid.UUID,
	delay time.Duration,
	maxAttempts int,
	reason string,
) (bool, error) {
	now := time.Now().UTC()
	var status store.QueueMessageStatus
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET status = CASE WHEN $3 > 0 AND attempts >= $3 THEN 'dead' ELSE 'pending' END,
			visible_at = $2, last_error = $4, updated_at = $5
		WHERE id = $1
		RETURNING status
	`, id, now.Add(delay), maxAttempts, reason, now).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrMessageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to retry message: %w", MapError(err))
	}
	return status == store.QueueMessageDead, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.QueueStore = (*QueueStore)(nil)

// QueueStore implements store.QueueStore. Claims run in a transaction on a
// single-connection pool, so concurrent consumers never receive the same row.
type QueueStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db, now: time.Now}
}

func (s *QueueStore) Enqueue(ctx context.Context, body []byte) (uuid.UUID, error) {
	id := uuid.New()
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, body, attempts, status, visible_at, created_at, updated_at)
		VALUES (?, ?, 0, 'pending', ?, ?, ?)
	`, id.String(), body, now, now, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

func (s *QueueStore) Claim(ctx context.Context, max int, visibility time.Duration) ([]store.QueueMessage, error) {
	now := s.now()
	var claimed []store.QueueMessage

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, body, attempts, status, last_error, created_at
			FROM queue_messages
			WHERE status = 'pending' AND visible_at <= ?
			ORDER BY created_at ASC
			LIMIT ?
		`, toMillis(now), max)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				m         store.QueueMessage
				id        string
				createdAt int64
			)
			if err := rows.Scan(&id, &m.Body, &m.Attempts, &m.Status, &m.LastError, &createdAt); err != nil {
				_ = rows.Close()
				return err
			}
			if m.ID, err = uuid.Parse(id); err != nil {
				_ = rows.Close()
				return err
			}
			m.Attempts++
			m.VisibleAt = now.Add(visibility)
			m.CreatedAt = fromMillis(createdAt)
			m.UpdatedAt = now
			claimed = append(claimed, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range claimed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_messages SET attempts = ?, visible_at = ?, updated_at = ? WHERE id = ?`,
				m.Attempts, toMillis(m.VisibleAt), toMillis(now), m.ID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue messages: %w", err)
	}
	return claimed, nil
}

func (s *QueueStore) Ack(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrMessageNotFound
	}
	return nil
}

func (s *QueueStore) Retry(
	ctx context.Context,
	id uuid.UUID,
	delay time.Duration,
	maxAttempts int,
	reason string,
) (bool, error) {
	now := s.now()
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET status = CASE WHEN ? > 0 AND attempts >= ? THEN 'dead' ELSE 'pending' END,
			visible_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
		RETURNING status
	`, maxAttempts, maxAttempts, toMillis(now.Add(delay)), reason, toMillis(now), id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrMessageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to retry message: %w", err)
	}
	return status == string(store.QueueMessageDead), nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.KVStore = (*KVStore)(nil)

// KVStore implements store.KVStore on the kv_entries table.
type KVStore struct {
	db store.DBTX
}

// NewKVStore creates a new KVStore.
func NewKVStore(db store.DBTX) *KVStore {
	return &KVStore{db: db}
}

func expiry(now time.Time, ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: now.Add(ttl), Valid: true}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, key, time.Now().UTC()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to read kv entry", "key", key, "error", err)
		return nil, false, fmt.Errorf("failed to read kv entry: %w", MapError(err))
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
	`, key, value, expiry(now, ttl), now)
	if err != nil {
		logger.FromContext(ctx).Error("failed to write kv entry", "key", key, "error", err)
		return fmt.Errorf("failed to write kv entry: %w", MapError(err))
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete kv entry: %w", MapError(err))
	}
	return nil
}

func (s *KVStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE starts_with(key, $1)`, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete kv prefix: %w", MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *KVStore) SweepExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired kv entries: %w", MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

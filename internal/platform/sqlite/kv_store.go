package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.KVStore = (*KVStore)(nil)

// KVStore implements store.KVStore.
type KVStore struct {
	db  store.DBTX
	now func() time.Time
}

// NewKVStore creates a new KVStore.
func NewKVStore(db store.DBTX) *KVStore {
	return &KVStore{db: db, now: time.Now}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, toMillis(s.now())).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read kv entry: %w", err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: toMillis(now.Add(ttl)), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at
	`, key, value, expiresAt, toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to write kv entry: %w", err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete kv entry: %w", err)
	}
	return nil
}

func (s *KVStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	// LIKE is case-insensitive in SQLite, so compare the leading substring instead.
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete kv prefix: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *KVStore) SweepExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired kv entries: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

package store

import (
	"context"
	"time"
)

// KVStore is the shared key-value infrastructure behind cache entries and
// actor state. Values are opaque bytes; expired entries read as absent.
type KVStore interface {
	// Get returns the value stored at key. ok is false when the key is absent
	// or its TTL has elapsed.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value at key. A ttl of zero means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and reports how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// SweepExpired physically removes expired entries.
	SweepExpired(ctx context.Context) (int, error)
}

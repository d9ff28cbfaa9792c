package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.KVStore = (*KVStore)(nil)

type kvEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// KVStore is a map-backed store.KVStore.
type KVStore struct {
	mu      sync.RWMutex
	entries map[string]kvEntry
	now     Clock
}

// NewKVStore creates an empty KVStore.
func NewKVStore(opts ...Option) *KVStore {
	o := buildOptions(opts)
	return &KVStore{entries: make(map[string]kvEntry), now: o.clock}
}

// Get returns a copy of the value at key.
func (s *KVStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores a copy of value.
func (s *KVStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// DeletePrefix removes all keys with the prefix.
func (s *KVStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// SweepExpired drops expired entries.
func (s *KVStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored entries, expired or not.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

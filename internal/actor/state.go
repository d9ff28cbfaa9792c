package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

// State is an actor's private persisted storage. It is only valid inside the
// Method it was passed to.
type State struct {
	key    string
	prefix string
	kv     store.KVStore

	// cleanupAfter starts at the host default; methods may extend it
	// with ScheduleCleanup.
	cleanupAfter time.Duration
	// budget is added to the expiry of values written mid-call, until
	// the host pins them to the final deadline.
	budget time.Duration
	// names holds every value this instance has written.
	names map[string]struct{}
}

// Key returns the actor's address.
func (s *State) Key() string { return s.key }

// ScheduleCleanup asks for the self-destruct alarm to fire d after this call
// completes instead of the host default. Delays shorter than the default are ignored.
func (s *State) ScheduleCleanup(d time.Duration) {
	if d > s.cleanupAfter {
		s.cleanupAfter = d
	}
}

// Get reads a named value.
func (s *State) Get(ctx context.Context, name string) ([]byte, bool, error) {
	return s.kv.Get(ctx, s.prefix+name)
}

// Put writes a named value. The stored copy expires at the cleanup
// deadline, so state left behind by a crashed process is dropped by the
// store's expiry sweep even though no alarm will ever fire for it.
func (s *State) Put(ctx context.Context, name string, value []byte) error {
	if err := s.kv.Set(ctx, s.prefix+name, value, s.cleanupAfter+s.budget); err != nil {
		return err
	}
	if s.names == nil {
		s.names = make(map[string]struct{})
	}
	s.names[name] = struct{}{}
	return nil
}

// Delete removes a named value.
func (s *State) Delete(ctx context.Context, name string) error {
	if err := s.kv.Delete(ctx, s.prefix+name); err != nil {
		return err
	}
	delete(s.names, name)
	return nil
}

// expireAt rewrites every value this instance owns so that it expires ttl
// from now, matching the alarm armed after the call.
func (s *State) expireAt(ctx context.Context, ttl time.Duration) error {
	for name := range s.names {
		raw, ok, err := s.kv.Get(ctx, s.prefix+name)
		if err != nil {
			return err
		}
		if !ok {
			delete(s.names, name)
			continue
		}
		if err := s.kv.Set(ctx, s.prefix+name, raw, ttl); err != nil {
			return err
		}
	}
	return nil
}

// GetJSON decodes a named value into v. ok is false when the value is absent.
func (s *State) GetJSON(ctx context.Context, name string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode actor state %q: %w", name, err)
	}
	return true, nil
}

// PutJSON encodes v and writes it under name.
func (s *State) PutJSON(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode actor state %q: %w", name, err)
	}
	return s.Put(ctx, name, raw)
}

package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.QueueStore = (*QueueStore)(nil)

// QueueStore is an in-memory store.QueueStore.
type QueueStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*store.QueueMessage
	now      Clock
}

// NewQueueStore creates an empty QueueStore.
func NewQueueStore(opts ...Option) *QueueStore {
	o := buildOptions(opts)
	return &QueueStore{messages: make(map[uuid.UUID]*store.QueueMessage), now: o.clock}
}

// Enqueue adds a message that is visible immediately.
func (s *QueueStore) Enqueue(_ context.Context, body []byte) (uuid.UUID, error) {
	now := s.now()
	msg := &store.QueueMessage{
		ID:        uuid.New(),
		Body:      append([]byte(nil), body...),
		Status:    store.QueueMessagePending,
		VisibleAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.messages[msg.ID] = msg
	s.mu.Unlock()
	return msg.ID, nil
}

// Claim returns up to max visible pending messages, oldest first.
func (s *QueueStore) Claim(_ context.Context, max int, visibility time.Duration) ([]store.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*store.QueueMessage
	for _, m := range s.messages {
		if m.Status == store.QueueMessagePending && !m.VisibleAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > max {
		due = due[:max]
	}

	claimed := make([]store.QueueMessage, 0, len(due))
	for _, m := range due {
		m.Attempts++
		m.VisibleAt = now.Add(visibility)
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

// Ack deletes the message.
func (s *QueueStore) Ack(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return store.ErrMessageNotFound
	}
	delete(s.messages, id)
	return nil
}

// Retry reschedules the message or moves it to the dead state.
func (s *QueueStore) Retry(_ context.Context, id uuid.UUID, delay time.Duration, maxAttempts int, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, store.ErrMessageNotFound
	}
	now := s.now()
	m.LastError = reason
	m.UpdatedAt = now
	if maxAttempts > 0 && m.Attempts >= maxAttempts {
		m.Status = store.QueueMessageDead
		return true, nil
	}
	m.VisibleAt = now.Add(delay)
	return false, nil
}

// Get returns a snapshot of a message, including dead ones.
func (s *QueueStore) Get(id uuid.UUID) (store.QueueMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return store.QueueMessage{}, false
	}
	return *m, true
}

package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.WorkflowStore = (*WorkflowStore)(nil)

// WorkflowStore is an in-memory store.WorkflowStore.
type WorkflowStore struct {
	mu        sync.Mutex
	instances map[string]*store.WorkflowInstance
	now       Clock
}

// NewWorkflowStore creates an empty WorkflowStore.
func NewWorkflowStore(opts ...Option) *WorkflowStore {
	o := buildOptions(opts)
	return &WorkflowStore{instances: make(map[string]*store.WorkflowInstance), now: o.clock}
}

func cloneInstance(in *store.WorkflowInstance) *store.WorkflowInstance {
	out := *in
	out.Params = append(json.RawMessage(nil), in.Params...)
	out.Outputs = make(map[string]json.RawMessage, len(in.Outputs))
	for k, v := range in.Outputs {
		out.Outputs[k] = append(json.RawMessage(nil), v...)
	}
	return &out
}

// Create stores a new instance.
func (s *WorkflowStore) Create(_ context.Context, inst *store.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return store.ErrInstanceExists
	}
	now := s.now()
	c := cloneInstance(inst)
	c.CreatedAt, c.UpdatedAt = now, now
	s.instances[inst.ID] = c
	inst.CreatedAt, inst.UpdatedAt = now, now
	return nil
}

// Get returns a copy of the instance.
func (s *WorkflowStore) Get(_ context.Context, id string) (*store.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, store.ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

// Save overwrites the checkpoint.
func (s *WorkflowStore) Save(_ context.Context, inst *store.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return store.ErrInstanceNotFound
	}
	c := cloneInstance(inst)
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now()
	s.instances[inst.ID] = c
	inst.UpdatedAt = c.UpdatedAt
	return nil
}

// ClaimDue moves due queued instances to running.
func (s *WorkflowStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*store.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*store.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == store.InstanceQueued && !inst.RunAt.After(now) {
			due = append(due, inst)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*store.WorkflowInstance, 0, len(due))
	for _, inst := range due {
		inst.Status = store.InstanceRunning
		inst.UpdatedAt = s.now()
		claimed = append(claimed, cloneInstance(inst))
	}
	return claimed, nil
}

// Cancel cancels an instance that has not started.
func (s *WorkflowStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return store.ErrInstanceNotFound
	}
	if inst.Started() {
		return store.ErrConflict
	}
	inst.Status = store.InstanceCancelled
	inst.UpdatedAt = s.now()
	return nil
}

// RequeueStale returns abandoned running instances to the queue.
func (s *WorkflowStore) RequeueStale(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, inst := range s.instances {
		if inst.Status == store.InstanceRunning && inst.UpdatedAt.Before(before) {
			inst.Status = store.InstanceQueued
			inst.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

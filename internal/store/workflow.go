package store

import (
	"context"
	"encoding/json"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	// InstanceQueued instances wait for RunAt (initial start or step retry).
	InstanceQueued InstanceStatus = "queued"
	// InstanceRunning instances are claimed by a worker.
	InstanceRunning InstanceStatus = "running"
	// InstanceCompleted instances finished every step.
	InstanceCompleted InstanceStatus = "completed"
	// InstanceFailed instances halted on a fatal step error or exhausted retries.
	InstanceFailed InstanceStatus = "failed"
	// InstanceCancelled instances were cancelled before they started.
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further steps will run.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// WorkflowInstance is the persisted checkpoint of one workflow execution.
// StepIndex is the index of the first incomplete step; Outputs holds the
// recorded output of every completed step keyed by step name.
type WorkflowInstance struct {
	ID        string
	Workflow  string
	Params    json.RawMessage
	Status    InstanceStatus
	StepIndex int
	Outputs   map[string]json.RawMessage
	Attempt   int
	LastError string
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Started reports whether any step has been attempted.
func (w *WorkflowInstance) Started() bool {
	return w.StepIndex > 0 || w.Attempt > 0 || w.Status != InstanceQueued
}

// WorkflowStore persists workflow instances.
type WorkflowStore interface {
	// Create inserts a new instance. Returns ErrInstanceExists if the id is taken.
	Create(ctx context.Context, inst *WorkflowInstance) error

	// Get returns the instance or ErrInstanceNotFound.
	Get(ctx context.Context, id string) (*WorkflowInstance, error)

	// Save writes the instance checkpoint (status, step index, outputs, attempt, run time).
	Save(ctx context.Context, inst *WorkflowInstance) error

	// ClaimDue atomically moves up to limit queued instances with RunAt <= now
	// to running and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error)

	// Cancel marks a queued instance that has not started as cancelled.
	// Returns ErrConflict if it already started or finished.
	Cancel(ctx context.Context, id string) error

	// RequeueStale returns running instances last updated before the cutoff to
	// the queued state so another worker resumes them.
	RequeueStale(ctx context.Context, before time.Time) (int, error)
}

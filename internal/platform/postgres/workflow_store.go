package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.WorkflowStore = (*WorkflowStore)(nil)

const instanceColumns = `id, workflow, params, status, step_index, outputs, attempt,
	COALESCE(last_error, ''), run_at, created_at, updated_at`

// WorkflowStore implements store.WorkflowStore on the workflow_instances table.
type WorkflowStore struct {
	db store.DBTX
}

// NewWorkflowStore creates a new WorkflowStore.
func NewWorkflowStore(db store.DBTX) *WorkflowStore {
	return &WorkflowStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*store.WorkflowInstance, error) {
	var (
		inst    store.WorkflowInstance
		params  []byte
		outputs []byte
	)
	if err := row.Scan(&inst.ID, &inst.Workflow, &params, &inst.Status, &inst.StepIndex,
		&outputs, &inst.Attempt, &inst.LastError, &inst.RunAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Params = json.RawMessage(params)
	inst.Outputs = map[string]json.RawMessage{}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &inst.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode step outputs for %s: %w", inst.ID, err)
		}
	}
	return &inst, nil
}

func encodeOutputs(outputs map[string]json.RawMessage) ([]byte, error) {
	if outputs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(outputs)
}

func (s *WorkflowStore) Create(ctx context.Context, inst *store.WorkflowInstance) error {
	outputs, err := encodeOutputs(inst.Outputs)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, workflow, params, status, step_index, outputs, attempt, last_error, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $10)
	`, inst.ID, inst.Workflow, []byte(inst.Params), inst.Status, inst.StepIndex, outputs,
		inst.Attempt, inst.LastError, inst.RunAt.UTC(), now)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrInstanceExists, inst.ID)
		}
		logger.FromContext(ctx).Error("failed to create workflow instance",
			"instance_id", inst.ID, "workflow", inst.Workflow, "error", err)
		return store.NewStoreError("workflow_instance", "create", "database error", MapError(err))
	}
	inst.CreatedAt, inst.UpdatedAt = now, now
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*store.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrInstanceNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("workflow_instance", "get", "database error", MapError(err))
	}
	return inst, nil
}

func (s *WorkflowStore) Save(ctx context.Context, inst *store.WorkflowInstance) error {
	outputs, err := encodeOutputs(inst.Outputs)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = $2, step_index = $3, outputs = $4, attempt = $5,
			last_error = NULLIF($6, ''), run_at = $7, updated_at = $8
		WHERE id = $1
	`, inst.ID, inst.Status, inst.StepIndex, outputs, inst.Attempt, inst.LastError, inst.RunAt.UTC(), now)
	if err != nil {
		logger.FromContext(ctx).Error("failed to save workflow checkpoint",
			"instance_id", inst.ID, "step_index", inst.StepIndex, "error", err)
		return store.NewStoreError("workflow_instance", "save", "database error", MapError(err))
	}
	if err := CheckRowsAffected(result, store.ErrInstanceNotFound); err != nil {
		return err
	}
	inst.UpdatedAt = now
	return nil
}

func (s *WorkflowStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE workflow_instances SET status = 'running', updated_at = $2
		WHERE id IN (
			SELECT id FROM workflow_instances
			WHERE status = 'queued' AND run_at <= $1
			ORDER BY run_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+instanceColumns, now.UTC(), time.Now().UTC(), limit)
	if err != nil {
		return nil, store.NewStoreError("workflow_instance", "claim", "database error", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var claimed []*store.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}
		claimed = append(claimed, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow instances: %w", err)
	}
	return claimed, nil
}

func (s *WorkflowStore) Cancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status = 'queued' AND step_index = 0 AND attempt = 0
	`, id, time.Now().UTC())
	if err != nil {
		return store.NewStoreError("workflow_instance", "cancel", "database error", MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Distinguish a missing instance from one that is past the point of cancellation.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: workflow instance %s already started", store.ErrConflict, id)
}

func (s *WorkflowStore) RequeueStale(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET status = 'queued', updated_at = $2
		WHERE status = 'running' AND updated_at < $1
	`, before.UTC(), time.Now().UTC())
	if err != nil {
		return 0, store.NewStoreError("workflow_instance", "requeue", "database error", MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		logger.FromContext(ctx).Info("requeued stale workflow instances", "count", n)
	}
	return int(n), nil
}

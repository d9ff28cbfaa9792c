package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/flare-worker/internal/store"
)

var _ store.WorkflowStore = (*WorkflowStore)(nil)

const instanceColumns = `id, workflow, params, status, step_index, outputs, attempt, last_error, run_at, created_at, updated_at`

// WorkflowStore implements store.WorkflowStore.
type WorkflowStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewWorkflowStore creates a new WorkflowStore.
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*store.WorkflowInstance, error) {
	var (
		inst                    store.WorkflowInstance
		params, outputs         string
		runAt, created, updated int64
	)
	if err := row.Scan(&inst.ID, &inst.Workflow, &params, &inst.Status, &inst.StepIndex,
		&outputs, &inst.Attempt, &inst.LastError, &runAt, &created, &updated); err != nil {
		return nil, err
	}
	inst.Params = json.RawMessage(params)
	inst.Outputs = map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(outputs), &inst.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode step outputs for %s: %w", inst.ID, err)
	}
	inst.RunAt, inst.CreatedAt, inst.UpdatedAt = fromMillis(runAt), fromMillis(created), fromMillis(updated)
	return &inst, nil
}

func encodeOutputs(outputs map[string]json.RawMessage) (string, error) {
	if outputs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(outputs)
	return string(b), err
}

func (s *WorkflowStore) Create(ctx context.Context, inst *store.WorkflowInstance) error {
	outputs, err := encodeOutputs(inst.Outputs)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.Workflow, string(inst.Params), string(inst.Status), inst.StepIndex, outputs,
		inst.Attempt, inst.LastError, toMillis(inst.RunAt), toMillis(now), toMillis(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", store.ErrInstanceExists, inst.ID)
		}
		return store.NewStoreError("workflow_instance", "create", "database error", err)
	}
	inst.CreatedAt, inst.UpdatedAt = now, now
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*store.WorkflowInstance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrInstanceNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("workflow_instance", "get", "database error", err)
	}
	return inst, nil
}

func (s *WorkflowStore) Save(ctx context.Context, inst *store.WorkflowInstance) error {
	outputs, err := encodeOutputs(inst.Outputs)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = ?, step_index = ?, outputs = ?, attempt = ?, last_error = ?, run_at = ?, updated_at = ?
		WHERE id = ?
	`, string(inst.Status), inst.StepIndex, outputs, inst.Attempt, inst.LastError,
		toMillis(inst.RunAt), toMillis(now), inst.ID)
	if err != nil {
		return store.NewStoreError("workflow_instance", "save", "database error", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrInstanceNotFound
	}
	inst.UpdatedAt = now
	return nil
}

func (s *WorkflowStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.WorkflowInstance, error) {
	var claimed []*store.WorkflowInstance
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+instanceColumns+` FROM workflow_instances
			WHERE status = 'queued' AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT ?
		`, toMillis(now), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			inst, err := scanInstance(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			claimed = append(claimed, inst)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		stamp := s.now()
		for _, inst := range claimed {
			inst.Status = store.InstanceRunning
			inst.UpdatedAt = stamp
			if _, err := tx.ExecContext(ctx,
				`UPDATE workflow_instances SET status = 'running', updated_at = ? WHERE id = ?`,
				toMillis(stamp), inst.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, store.NewStoreError("workflow_instance", "claim", "database error", err)
	}
	return claimed, nil
}

func (s *WorkflowStore) Cancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'queued' AND step_index = 0 AND attempt = 0
	`, toMillis(s.now()), id)
	if err != nil {
		return store.NewStoreError("workflow_instance", "cancel", "database error", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: workflow instance %s already started", store.ErrConflict, id)
}

func (s *WorkflowStore) RequeueStale(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET status = 'queued', updated_at = ?
		WHERE status = 'running' AND updated_at < ?
	`, toMillis(s.now()), toMillis(before))
	if err != nil {
		return 0, store.NewStoreError("workflow_instance", "requeue", "database error", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

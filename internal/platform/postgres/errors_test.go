package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "workflow_instances",
		ColumnName:     "params",
		ConstraintName: "workflow_instances_pkey",
	}
}

type mockResult struct {
	rowsAffected int64
	err          error
}

func (m mockResult) LastInsertId() (int64, error) { return 0, nil }

func (m mockResult) RowsAffected() (int64, error) { return m.rowsAffected, m.err }

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique violation", newPgError(uniqueViolationCode), store.ErrDuplicate},
		{"wrapped unique violation", fmt.Errorf("insert: %w", newPgError(uniqueViolationCode)), store.ErrDuplicate},
		{"foreign key", newPgError(foreignKeyViolationCode), store.ErrInvalidEntity},
		{"check", newPgError(checkViolationCode), store.ErrInvalidEntity},
		{"not null", newPgError(notNullViolationCode), store.ErrInvalidEntity},
		{"serialization failure", newPgError(serializationFailureCode), store.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, MapError(tt.err), tt.want)
		})
	}

	assert.NoError(t, MapError(nil))
	plain := errors.New("connection reset")
	assert.Same(t, plain, MapError(plain))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(newPgError(uniqueViolationCode)))
	assert.False(t, IsUniqueViolation(newPgError(checkViolationCode)))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestCheckRowsAffected(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckRowsAffected(mockResult{rowsAffected: 1}, store.ErrPostNotFound))
	assert.ErrorIs(t, CheckRowsAffected(mockResult{}, store.ErrPostNotFound), store.ErrPostNotFound)
	assert.Error(t, CheckRowsAffected(mockResult{err: errors.New("driver")}, store.ErrPostNotFound))
	assert.Error(t, CheckRowsAffected(nil, store.ErrPostNotFound))
}

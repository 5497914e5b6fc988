package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStore_ClaimDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE execution_tasks").
		WillReturnError(assert.AnError)

	s := NewTaskStore(db)
	claimed, err := s.Claim(context.Background(), "task-1")
	assert.Error(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_FinishNoRowsMeansTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE execution_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewTaskStore(db)
	err = s.Complete(context.Background(), "task-1", "result")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.NoError(t, mock.ExpectationsWereMet())
}

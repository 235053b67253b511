package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-io/reliable/pkg/command"
	"github.com/tessera-io/reliable/pkg/idgen"
)

// Driver-level failures are hard to provoke against a real database, so
// these paths run against sqlmock.
func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDB(db), mock
}

func TestSavePendingMapsUniqueViolation(t *testing.T) {
	db, mock := mockDB(t)
	store := NewCommandStore(db)

	mock.ExpectExec("INSERT INTO command").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: command.idempotency_key (2067)"))

	err := store.SavePending(context.Background(), &command.Command{
		ID: idgen.NewCommandID(), Name: "CreatePayment", IdempotencyKey: "dup",
	})
	require.ErrorIs(t, err, command.ErrDuplicateIdempotencyKey)
	assert.Contains(t, err.Error(), "dup")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePendingWrapsOtherErrors(t *testing.T) {
	db, mock := mockDB(t)
	store := NewCommandStore(db)

	mock.ExpectExec("INSERT INTO command").
		WillReturnError(errors.New("disk I/O error"))

	err := store.SavePending(context.Background(), &command.Command{
		ID: idgen.NewCommandID(), Name: "CreatePayment", IdempotencyKey: "io",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, command.ErrDuplicateIdempotencyKey)
	assert.Contains(t, err.Error(), "saving command")
}

func TestClaimBatchPropagatesQueryError(t *testing.T) {
	db, mock := mockDB(t)
	store := NewOutboxStore(db)

	mock.ExpectQuery("UPDATE outbox").
		WillReturnError(errors.New("database is locked"))

	_, err := store.ClaimBatch(context.Background(), 10, "relay-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claiming outbox batch")
}

func TestMarkFailedPropagatesExecError(t *testing.T) {
	db, mock := mockDB(t)
	store := NewOutboxStore(db)

	mock.ExpectExec("UPDATE outbox").
		WillReturnError(errors.New("database is locked"))

	err := store.MarkFailed(context.Background(), 1, "broker closed", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marking outbox entry failed")
}

package audit

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casf-systems/verifier-gateway/pkg/model"
)

func TestAppend_GenesisEventHasEmptyPrevHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT hash FROM audit_events`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	log := FromDB(db)
	event, err := log.Append(context.Background(), "req-1", "evt-1", "role:receptionist", "cliniccloud.create_appointment", model.DecisionAllow, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "", event.PrevHash)
	assert.Len(t, event.Hash, 64)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_ChainsToPreviousHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT hash FROM audit_events`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("deadbeef"))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	log := FromDB(db)
	event, err := log.Append(context.Background(), "req-2", "evt-2", "role:doctor", "cliniccloud.create_appointment", model.DecisionDeny, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", event.PrevHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_RollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT hash FROM audit_events`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnError(assertErr{"insert failed"})
	mock.ExpectRollback()

	log := FromDB(db)
	_, err = log.Append(context.Background(), "req-3", "evt-3", "role:billing", "cliniccloud.create_appointment", model.DecisionAllow, map[string]interface{}{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

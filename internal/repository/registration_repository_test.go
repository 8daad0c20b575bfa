package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpgate/erpgate-api/internal/models"
)

func TestSubmitTransitionsDraft(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	// current_level follows the snapshot's first level order, not a fixed 1
	mock.ExpectExec("UPDATE registration_requests").
		WithArgs("reg-1", []byte(`{"levels":[]}`), now, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Submit(context.Background(), SubmitParams{
		ID:          "reg-1",
		Snapshot:    []byte(`{"levels":[]}`),
		SubmittedAt: now,
		FirstLevel:  2,
		Approvals: []models.Approval{
			{RequestID: "reg-1", Level: 2, ApproverID: "u1", ApproverEmail: "a@example.com"},
			{RequestID: "reg-1", Level: 2, ApproverID: "u2", ApproverEmail: "b@example.com"},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitAlreadySubmitted(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE registration_requests").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Submit(context.Background(), SubmitParams{ID: "reg-1", Snapshot: []byte(`{}`), SubmittedAt: time.Now()})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActOnLevelApproveCompletesLevel(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, form_data FROM registration_requests WHERE id = $1 FOR UPDATE")).
		WithArgs("reg-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "form_data"}).AddRow("IN_APPROVAL", []byte(`{}`)))
	mock.ExpectExec("UPDATE approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT approver_id FROM approvals").
		WithArgs("reg-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"approver_id"}).AddRow("u1").AddRow("u2"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM approvals")).
		WithArgs("reg-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	outcome, err := repo.ActOnLevel(context.Background(), ActParams{
		RequestID:  "reg-1",
		Level:      2,
		ApproverID: "u1",
		Action:     models.ApprovalApproved,
		ActionAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, outcome.Acted)
	assert.Equal(t, 0, outcome.RemainingPending)
	assert.Equal(t, []string{"u1", "u2"}, outcome.ApproverIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActOnLevelApproveOthersStillPending(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, form_data FROM registration_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status", "form_data"}).AddRow("PENDING_APPROVAL", []byte(`{}`)))
	mock.ExpectExec("UPDATE approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT approver_id FROM approvals").
		WillReturnRows(sqlmock.NewRows([]string{"approver_id"}).AddRow("u1").AddRow("u2"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("UPDATE registration_requests SET status = 'IN_APPROVAL'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ActOnLevel(context.Background(), ActParams{
		RequestID:  "reg-1",
		Level:      1,
		ApproverID: "u1",
		Action:     models.ApprovalApproved,
		ActionAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, outcome.Acted)
	assert.Equal(t, 1, outcome.RemainingPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActOnLevelMergesChangesUnderLock(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	// the locked read is the merge base, so a delta committed by a
	// concurrent approver between the caller's load and this transaction
	// is never overwritten
	mock.ExpectQuery("SELECT status, form_data FROM registration_requests").
		WithArgs("reg-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "form_data"}).
			AddRow("IN_APPROVAL", []byte(`{"credit_limit":1000,"name":"ACME"}`)))
	mock.ExpectExec("UPDATE approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT approver_id FROM approvals").
		WillReturnRows(sqlmock.NewRows([]string{"approver_id"}).AddRow("u1"))
	mock.ExpectExec("UPDATE registration_requests SET form_data").
		WithArgs("reg-1", []byte(`{"credit_limit":2000,"name":"ACME"}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO field_changes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	outcome, err := repo.ActOnLevel(context.Background(), ActParams{
		RequestID:  "reg-1",
		Level:      1,
		ApproverID: "u1",
		Action:     models.ApprovalApproved,
		ActionAt:   now,
		Changes: []models.FieldChangeRecord{{
			RequestID:     "reg-1",
			FieldName:     "credit_limit",
			PreviousValue: []byte(`1000`),
			NewValue:      []byte(`2000`),
			ChangedByID:   "u1",
			ApprovalLevel: 1,
			ChangedAt:     now,
		}},
	})
	require.NoError(t, err)
	assert.True(t, outcome.Acted)
	assert.JSONEq(t, `{"credit_limit":2000,"name":"ACME"}`, string(outcome.FormData))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActOnLevelWithoutPendingRow(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, form_data FROM registration_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status", "form_data"}).AddRow("IN_APPROVAL", []byte(`{}`)))
	mock.ExpectExec("UPDATE approvals").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	outcome, err := repo.ActOnLevel(context.Background(), ActParams{
		RequestID:  "reg-1",
		Level:      1,
		ApproverID: "intruder",
		Action:     models.ApprovalApproved,
		ActionAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, outcome.Acted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActOnLevelRejectIsVeto(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, form_data FROM registration_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status", "form_data"}).AddRow("IN_APPROVAL", []byte(`{}`)))
	mock.ExpectExec("UPDATE approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT approver_id FROM approvals").
		WillReturnRows(sqlmock.NewRows([]string{"approver_id"}).AddRow("u1").AddRow("u2"))
	mock.ExpectExec("UPDATE registration_requests SET status = 'REJECTED'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ActOnLevel(context.Background(), ActParams{
		RequestID:  "reg-1",
		Level:      1,
		ApproverID: "u1",
		Action:     models.ApprovalRejected,
		ActionAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, outcome.Acted)
	assert.Equal(t, []string{"u1", "u2"}, outcome.ApproverIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActOnLevelTerminalRegistration(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, form_data FROM registration_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status", "form_data"}).AddRow("SYNCED", []byte(`{}`)))
	mock.ExpectRollback()

	_, err := repo.ActOnLevel(context.Background(), ActParams{
		RequestID:  "reg-1",
		Level:      1,
		ApproverID: "u1",
		Action:     models.ApprovalApproved,
		ActionAt:   time.Now().UTC(),
	})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceLevelDuplicateAttempt(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE registration_requests").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.AdvanceLevel(context.Background(), AdvanceParams{RequestID: "reg-1", FromLevel: 1, ToLevel: 2})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSyncingRequiresApproved(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectExec("UPDATE registration_requests").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSyncing(context.Background(), "reg-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetForRetry(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectExec("UPDATE registration_requests").WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ResetForRetry(context.Background(), "reg-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDraftOnlyDrafts(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectExec("DELETE FROM registration_requests").
		WithArgs("reg-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeleteDraft(context.Background(), "reg-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerloop/pagerloop/db"
)

var (
	overrideShiftStart = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	overrideShiftEnd   = time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC)
)

func overrideRequest(newUserID string) db.CreateOverrideRequest {
	return db.CreateOverrideRequest{
		ShiftID:   "shift-1",
		NewUserID: newUserID,
		StartTime: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC),
		Reason:    "lunch cover",
	}
}

func expectShiftLookup(mock sqlmock.Sqlmock, baseUserID string) {
	rows := sqlmock.NewRows([]string{"group_id", "user_id", "start_time", "end_time"}).
		AddRow("group-1", baseUserID, overrideShiftStart, overrideShiftEnd)
	mock.ExpectQuery("SELECT group_id, user_id, start_time, end_time").
		WithArgs("shift-1").WillReturnRows(rows)
}

func TestCreateOverride_Success(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewOverrideService(conn)

	mock.ExpectBegin()
	expectShiftLookup(mock, "user-alice")
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM schedule_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO schedule_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	mock.ExpectCommit()

	override, err := svc.CreateOverride("group-1", "user-admin", overrideRequest("user-bob"))
	require.NoError(t, err)
	assert.Equal(t, "user-bob", override.NewUserID)
	assert.Equal(t, db.OverrideTypeTemporary, override.OverrideType)
	assert.True(t, override.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOverride_SelfOverrideRejected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewOverrideService(conn)

	mock.ExpectBegin()
	expectShiftLookup(mock, "user-alice")
	mock.ExpectRollback()

	_, err = svc.CreateOverride("group-1", "user-admin", overrideRequest("user-alice"))
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrSelfOverride)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOverride_InvertedWindowRejected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewOverrideService(conn)

	req := overrideRequest("user-bob")
	req.StartTime, req.EndTime = req.EndTime, req.StartTime

	// Rejected before any storage access.
	_, err = svc.CreateOverride("group-1", "user-admin", req)
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrInvalidOverrideWindow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOverride_WindowOutsideShiftRejected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewOverrideService(conn)

	mock.ExpectBegin()
	expectShiftLookup(mock, "user-alice")
	mock.ExpectRollback()

	req := overrideRequest("user-bob")
	req.EndTime = overrideShiftEnd.Add(time.Hour)

	_, err = svc.CreateOverride("group-1", "user-admin", req)
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrInvalidOverrideWindow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOverride_OverlapRejected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewOverrideService(conn)

	mock.ExpectBegin()
	expectShiftLookup(mock, "user-alice")
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM schedule_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err = svc.CreateOverride("group-1", "user-admin", overrideRequest("user-bob"))
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrOverrideOverlap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOverride_WrongGroupRejected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewOverrideService(conn)

	mock.ExpectBegin()
	expectShiftLookup(mock, "user-alice")
	mock.ExpectRollback()

	_, err = svc.CreateOverride("group-other", "user-admin", overrideRequest("user-bob"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong to group")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOverride(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewOverrideService(conn)

	mock.ExpectExec("UPDATE schedule_overrides").
		WithArgs("override-1", "group-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.DeleteOverride("group-1", "override-1"))

	mock.ExpectExec("UPDATE schedule_overrides").
		WithArgs("override-missing", "group-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = svc.DeleteOverride("group-1", "override-missing")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

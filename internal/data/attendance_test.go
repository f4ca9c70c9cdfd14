package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fts/internal/attendance"
)

func TestAttendanceAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO attendance_events").
		WithArgs("emp-001", "cam-entrance", "tw-main", "enter", ts, 0.92).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := AttendanceModel{DB: db}
	err = m.Append(context.Background(), attendance.Event{
		EmployeeID: "emp-001",
		CameraID:   "cam-entrance",
		TripwireID: "tw-main",
		Direction:  "enter",
		Timestamp:  ts,
		Confidence: 0.92,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceAppendClassifiesPermanentErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO attendance_events").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectExec("INSERT INTO attendance_events").
		WillReturnError(errors.New("connection refused"))

	m := AttendanceModel{DB: db}
	ev := attendance.Event{EmployeeID: "emp-001", CameraID: "c", TripwireID: "t", Direction: "enter", Timestamp: time.Now()}

	err = m.Append(context.Background(), ev)
	assert.ErrorIs(t, err, attendance.ErrStorePermanent)

	err = m.Append(context.Background(), ev)
	require.Error(t, err)
	assert.NotErrorIs(t, err, attendance.ErrStorePermanent)
}

func TestAttendanceListByEmployee(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	ts := from.Add(9 * time.Hour)

	rows := sqlmock.NewRows([]string{"employee_id", "camera_id", "tripwire_id", "direction", "occurred_at", "confidence"}).
		AddRow("emp-001", "cam-entrance", "tw-main", "enter", ts, 0.92).
		AddRow("emp-001", "cam-entrance", "tw-main", "exit", ts.Add(8*time.Hour), 0.88)

	mock.ExpectQuery("SELECT employee_id, camera_id").
		WithArgs("emp-001", from, to).
		WillReturnRows(rows)

	m := AttendanceModel{DB: db}
	events, err := m.ListByEmployee(context.Background(), "emp-001", from, to)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "enter", events[0].Direction)
	assert.Equal(t, "exit", events[1].Direction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceReplaySkipsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	events := []attendance.Event{
		{EmployeeID: "emp-001", CameraID: "c", TripwireID: "t", Direction: "enter", Timestamp: ts},
		{EmployeeID: "emp-002", CameraID: "c", TripwireID: "t", Direction: "enter", Timestamp: ts},
	}

	// First already present, second inserted.
	mock.ExpectExec("INSERT INTO attendance_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO attendance_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := AttendanceModel{DB: db}
	inserted, err := m.Replay(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmployeeGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, enrolled_at, removed_at").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "enrolled_at", "removed_at"}))

	m := EmployeeModel{DB: db}
	_, err = m.GetByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestEmployeeSoftDeleteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE employees").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := EmployeeModel{DB: db}
	err = m.SoftDelete(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestEmployeeList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "enrolled_at"}).
		AddRow("emp-001", "Priya", time.Now()).
		AddRow("emp-002", "Ravi", time.Now())

	mock.ExpectQuery("SELECT id, name, enrolled_at").WillReturnRows(rows)

	m := EmployeeModel{DB: db}
	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "emp-001", list[0].ID)
}

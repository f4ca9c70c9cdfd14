package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/technosupport/ts-fts/internal/attendance"
)

// AttendanceModel persists tripwire crossings. It satisfies attendance.Store.
type AttendanceModel struct {
	DB DBTX
}

func (m AttendanceModel) Append(ctx context.Context, ev attendance.Event) error {
	query := `
		INSERT INTO attendance_events (employee_id, camera_id, tripwire_id, direction, occurred_at, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := m.DB.ExecContext(ctx, query,
		ev.EmployeeID, ev.CameraID, ev.TripwireID, ev.Direction,
		ev.Timestamp.UTC(), ev.Confidence,
	)
	if err != nil && isPermanent(err) {
		return fmt.Errorf("%w: %v", attendance.ErrStorePermanent, err)
	}
	return err
}

// isPermanent classifies Postgres errors the recorder should not retry:
// data exceptions (22), integrity violations (23) and bad SQL (42).
// Connection and resource errors stay retryable.
func isPermanent(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	class := string(pqErr.Code)
	if len(class) >= 2 {
		class = class[:2]
	}
	switch class {
	case "22", "23", "42":
		return true
	}
	return false
}

func (m AttendanceModel) ListByEmployee(ctx context.Context, employeeID string, from, to time.Time) ([]attendance.Event, error) {
	query := `
		SELECT employee_id, camera_id, tripwire_id, direction, occurred_at, confidence
		FROM attendance_events
		WHERE employee_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at ASC`

	return m.list(ctx, query, employeeID, from.UTC(), to.UTC())
}

func (m AttendanceModel) ListByRange(ctx context.Context, from, to time.Time) ([]attendance.Event, error) {
	query := `
		SELECT employee_id, camera_id, tripwire_id, direction, occurred_at, confidence
		FROM attendance_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at ASC`

	return m.list(ctx, query, from.UTC(), to.UTC())
}

func (m AttendanceModel) list(ctx context.Context, query string, args ...any) ([]attendance.Event, error) {
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []attendance.Event
	for rows.Next() {
		var ev attendance.Event
		if err := rows.Scan(
			&ev.EmployeeID, &ev.CameraID, &ev.TripwireID,
			&ev.Direction, &ev.Timestamp, &ev.Confidence,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Replay re-inserts spilled events, used by the spill drain on startup.
// Events already present (same employee, camera, direction, second) are
// skipped so a drain can be retried safely.
func (m AttendanceModel) Replay(ctx context.Context, events []attendance.Event) (int, error) {
	query := `
		INSERT INTO attendance_events (employee_id, camera_id, tripwire_id, direction, occurred_at, confidence)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM attendance_events
			WHERE employee_id = $1 AND camera_id = $2 AND direction = $4
			  AND date_trunc('second', occurred_at) = date_trunc('second', $5::timestamptz)
		)`

	inserted := 0
	for _, ev := range events {
		res, err := m.DB.ExecContext(ctx, query,
			ev.EmployeeID, ev.CameraID, ev.TripwireID, ev.Direction,
			ev.Timestamp.UTC(), ev.Confidence,
		)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

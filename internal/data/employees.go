package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Employee is a roster entry backing an identity in the face index.
type Employee struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	EnrolledAt time.Time  `json:"enrolled_at"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
}

type EmployeeModel struct {
	DB DBTX
}

// Create registers a new employee at enrollment time.
func (m EmployeeModel) Create(ctx context.Context, e *Employee) error {
	query := `
		INSERT INTO employees (id, name)
		VALUES ($1, $2)
		RETURNING enrolled_at`

	err := m.DB.QueryRowContext(ctx, query, e.ID, e.Name).Scan(&e.EnrolledAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func (m EmployeeModel) GetByID(ctx context.Context, id string) (*Employee, error) {
	query := `
		SELECT id, name, enrolled_at, removed_at
		FROM employees
		WHERE id = $1 AND removed_at IS NULL`

	var e Employee
	var removedAt sql.NullTime
	err := m.DB.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.Name, &e.EnrolledAt, &removedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if removedAt.Valid {
		e.RemovedAt = &removedAt.Time
	}
	return &e, nil
}

// SoftDelete marks the employee removed, keeping attendance history intact.
func (m EmployeeModel) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE employees
		SET removed_at = (NOW() AT TIME ZONE 'UTC')
		WHERE id = $1 AND removed_at IS NULL`

	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m EmployeeModel) List(ctx context.Context) ([]*Employee, error) {
	query := `
		SELECT id, name, enrolled_at
		FROM employees
		WHERE removed_at IS NULL
		ORDER BY id ASC`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.EnrolledAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

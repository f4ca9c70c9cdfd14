// Package data is the PostgreSQL persistence layer: attendance events and
// the employee roster. Models take a DBTX so handlers can run them inside
// transactions when they need to.
package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("duplicate key")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Open connects to Postgres and verifies the link with a bounded ping.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(15 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS employees (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	enrolled_at TIMESTAMPTZ NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
	removed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS attendance_events (
	id          BIGSERIAL PRIMARY KEY,
	employee_id TEXT NOT NULL,
	camera_id   TEXT NOT NULL,
	tripwire_id TEXT NOT NULL,
	direction   TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_attendance_employee_time
	ON attendance_events (employee_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_attendance_time
	ON attendance_events (occurred_at);
`

// EnsureSchema creates the tables on first boot. Installs run against a
// dedicated database, so idempotent DDL beats a migration toolchain here.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Package attendance turns tripwire crossings into durable attendance
// records, debouncing per employee and never losing an accepted event even
// when the store is down.
package attendance

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreUnavailable = errors.New("attendance store unavailable")
	// ErrStorePermanent marks rejections that retrying cannot fix (bad
	// data, constraint violations). The recorder spills without retrying.
	ErrStorePermanent = errors.New("attendance store rejected event")
	ErrSpillFull      = errors.New("attendance spill file unwritable")
	ErrRecorderClosed = errors.New("attendance recorder closed")
)

// Event is one attendance observation at a tripwire.
type Event struct {
	EmployeeID string    `json:"employee_id"`
	CameraID   string    `json:"camera_id"`
	TripwireID string    `json:"tripwire_id"`
	Direction  string    `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// Outcome reports what Record did with an event.
type Outcome int

const (
	Accepted Outcome = iota
	Debounced
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Debounced:
		return "debounced"
	default:
		return "error"
	}
}

// Store is the durable sink adapter. The reference implementation is
// PostgreSQL (internal/data); anything honoring these semantics works.
type Store interface {
	Append(ctx context.Context, ev Event) error
	ListByEmployee(ctx context.Context, employeeID string, from, to time.Time) ([]Event, error)
	ListByRange(ctx context.Context, from, to time.Time) ([]Event, error)
}

// Publisher fans accepted events out to interested systems (NATS in the
// reference deployment). Best-effort: publish failures never affect Record.
type Publisher interface {
	Publish(ev Event) error
}

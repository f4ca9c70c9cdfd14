// Package events pushes accepted attendance events onto the site message
// bus so downstream systems (payroll export, dashboards) hear about them
// without polling the database.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-fts/internal/attendance"
)

const (
	// SubjectAttendance carries attendance.Event JSON payloads.
	SubjectAttendance = "fts.attendance"
	// SubjectStatus carries camera status transitions.
	SubjectStatus = "fts.camera.status"
)

// Connect dials NATS with the reconnect policy the service runs with:
// unlimited reconnects so a bus restart never takes the pipelines down.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("ts-fts"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
}

// NATSPublisher publishes attendance events with bounded retries. It
// satisfies attendance.Publisher.
type NATSPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewNATSPublisher(conn *nats.Conn, subject string, maxRetries int) *NATSPublisher {
	if subject == "" {
		subject = SubjectAttendance
	}
	return &NATSPublisher{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
	}
}

func (p *NATSPublisher) Publish(ev attendance.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(p.subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}

// StatusEvent is the payload on SubjectStatus.
type StatusEvent struct {
	CameraID  string    `json:"camera_id"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishStatus is fire-and-forget; status is advisory.
func (p *NATSPublisher) PublishStatus(ev StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = p.conn.Publish(SubjectStatus, data)
}

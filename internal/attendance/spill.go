package attendance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxSpillSize caps the spill file; beyond it the recorder goes fatal rather
// than silently eat the disk.
const maxSpillSize int64 = 256 * 1024 * 1024

// spillRecord is the newline-delimited on-disk form of a spilled event.
type spillRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	EmployeeID string    `json:"employee_id"`
	CameraID   string    `json:"camera_id"`
	TripwireID string    `json:"tripwire_id"`
	Direction  string    `json:"direction"`
	Confidence float64   `json:"confidence"`
}

// spillFile is the append-only local fallback for events the store refused.
type spillFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openSpillFile(path string) (*spillFile, error) {
	if path == "" {
		return nil, fmt.Errorf("spill path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &spillFile{path: path, f: f}, nil
}

func (s *spillFile) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("spill file closed")
	}

	if st, err := s.f.Stat(); err == nil && st.Size() >= maxSpillSize {
		return fmt.Errorf("spill file at size cap (%d bytes)", st.Size())
	}

	line, err := json.Marshal(spillRecord{
		Timestamp:  ev.Timestamp,
		EmployeeID: ev.EmployeeID,
		CameraID:   ev.CameraID,
		TripwireID: ev.TripwireID,
		Direction:  ev.Direction,
		Confidence: ev.Confidence,
	})
	if err != nil {
		return err
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *spillFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Replayer idempotently re-inserts spilled events into the store;
// data.AttendanceModel implements it.
type Replayer interface {
	Replay(ctx context.Context, events []Event) (int, error)
}

// DrainSpill replays the spill file into the store and truncates it on
// success, returning how many events were inserted. On replay failure the
// file is left intact so a later drain can retry.
func DrainSpill(ctx context.Context, r Replayer, path string) (int, error) {
	events, err := ReadSpill(path)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	inserted, err := r.Replay(ctx, events)
	if err != nil {
		return inserted, err
	}
	if err := os.Truncate(path, 0); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// ReadSpill loads every spilled event from path, oldest first. DrainSpill
// replays these into the store once it is healthy again.
func ReadSpill(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec spillRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn tail line from a crash is expected; stop there.
			break
		}
		out = append(out, Event{
			EmployeeID: rec.EmployeeID,
			CameraID:   rec.CameraID,
			TripwireID: rec.TripwireID,
			Direction:  rec.Direction,
			Timestamp:  rec.Timestamp,
			Confidence: rec.Confidence,
		})
	}
	return out, sc.Err()
}

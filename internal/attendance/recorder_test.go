package attendance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	events []Event
	// failures counts down; while positive Append fails.
	failures int
	failErr  error
	attempts int
}

func (s *fakeStore) Append(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		if s.failErr != nil {
			return s.failErr
		}
		return errors.New("connection refused")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) ListByEmployee(ctx context.Context, employeeID string, from, to time.Time) ([]Event, error) {
	return nil, nil
}

func (s *fakeStore) ListByRange(ctx context.Context, from, to time.Time) ([]Event, error) {
	return nil, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *fakePublisher) Publish(ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func newTestRecorder(t *testing.T, store Store, pub Publisher, rdb *redis.Client, window time.Duration) *Recorder {
	t.Helper()
	rec, err := NewRecorder(RecorderConfig{
		Window:    window,
		SpillPath: filepath.Join(t.TempDir(), "spill.ndjson"),
	}, store, pub, rdb)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return rec
}

func testEvent(ts time.Time) Event {
	return Event{
		EmployeeID: "emp-001",
		CameraID:   "cam-entrance",
		TripwireID: "tw-main",
		Direction:  "enter",
		Timestamp:  ts,
		Confidence: 0.92,
	}
}

func TestRecordAcceptsFirstEvent(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	rec := newTestRecorder(t, store, pub, nil, 5*time.Minute)

	out, err := rec.Record(context.Background(), testEvent(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out)
	assert.Equal(t, 1, store.count())
	assert.Len(t, pub.events, 1)
}

func TestRecordDebouncesWithinWindow(t *testing.T) {
	store := &fakeStore{}
	rec := newTestRecorder(t, store, nil, nil, 5*time.Minute)

	now := time.Now()
	out, err := rec.Record(context.Background(), testEvent(now))
	require.NoError(t, err)
	require.Equal(t, Accepted, out)

	// Same employee, camera, and direction inside the window collapses.
	out, err = rec.Record(context.Background(), testEvent(now.Add(30*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, Debounced, out)
	assert.Equal(t, 1, store.count())
}

func TestRecordAcceptsAfterWindowExpires(t *testing.T) {
	store := &fakeStore{}
	rec := newTestRecorder(t, store, nil, nil, time.Minute)

	now := time.Now()
	out, err := rec.Record(context.Background(), testEvent(now))
	require.NoError(t, err)
	require.Equal(t, Accepted, out)

	out, err = rec.Record(context.Background(), testEvent(now.Add(61*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out)
	assert.Equal(t, 2, store.count())
}

func TestRecordDistinctDirectionsNotDebounced(t *testing.T) {
	store := &fakeStore{}
	rec := newTestRecorder(t, store, nil, nil, 5*time.Minute)

	now := time.Now()
	enter := testEvent(now)
	exit := testEvent(now.Add(time.Second))
	exit.Direction = "exit"

	out, err := rec.Record(context.Background(), enter)
	require.NoError(t, err)
	require.Equal(t, Accepted, out)

	out, err = rec.Record(context.Background(), exit)
	require.NoError(t, err)
	assert.Equal(t, Accepted, out)
	assert.Equal(t, 2, store.count())
}

func TestRecordSpillsWhenStoreStaysDown(t *testing.T) {
	store := &fakeStore{failures: -1} // never recovers
	spillPath := filepath.Join(t.TempDir(), "spill.ndjson")
	rec, err := NewRecorder(RecorderConfig{
		Window:    5 * time.Minute,
		SpillPath: spillPath,
	}, store, nil, nil)
	require.NoError(t, err)
	defer rec.Close()

	ev := testEvent(time.Now())
	out, err := rec.Record(context.Background(), ev)
	assert.Equal(t, Failed, out)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	spilled, err := ReadSpill(spillPath)
	require.NoError(t, err)
	require.Len(t, spilled, 1)
	assert.Equal(t, ev.EmployeeID, spilled[0].EmployeeID)
	assert.Equal(t, ev.Direction, spilled[0].Direction)
	assert.Equal(t, ev.Confidence, spilled[0].Confidence)
}

func TestRecordPermanentErrorSkipsRetries(t *testing.T) {
	store := &fakeStore{
		failures: -1,
		failErr:  fmt.Errorf("%w: invalid input syntax", ErrStorePermanent),
	}
	spillPath := filepath.Join(t.TempDir(), "spill.ndjson")
	rec, err := NewRecorder(RecorderConfig{
		Window:    5 * time.Minute,
		SpillPath: spillPath,
	}, store, nil, nil)
	require.NoError(t, err)
	defer rec.Close()

	out, err := rec.Record(context.Background(), testEvent(time.Now()))
	assert.Equal(t, Failed, out)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 1, store.attempts, "permanent rejection must not be retried")

	spilled, err := ReadSpill(spillPath)
	require.NoError(t, err)
	assert.Len(t, spilled, 1)
}

func TestRecordRecoversWithinRetryBudget(t *testing.T) {
	store := &fakeStore{failures: 2}
	rec := newTestRecorder(t, store, nil, nil, 5*time.Minute)

	out, err := rec.Record(context.Background(), testEvent(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out)
	assert.Equal(t, 1, store.count())
}

func TestSpillFailureIsFatal(t *testing.T) {
	store := &fakeStore{failures: -1}
	spillPath := filepath.Join(t.TempDir(), "spill.ndjson")
	rec, err := NewRecorder(RecorderConfig{
		Window:    5 * time.Minute,
		SpillPath: spillPath,
	}, store, nil, nil)
	require.NoError(t, err)
	defer rec.Close()

	// Break the spill file from under the recorder.
	require.NoError(t, rec.spill.Close())

	ev := testEvent(time.Now())
	out, err := rec.Record(context.Background(), ev)
	assert.Equal(t, Failed, out)
	assert.ErrorIs(t, err, ErrSpillFull)
	assert.ErrorIs(t, rec.LastError(), ErrSpillFull)

	// Subsequent events refuse immediately.
	later := ev
	later.EmployeeID = "emp-002"
	out, err = rec.Record(context.Background(), later)
	assert.Equal(t, Failed, out)
	assert.ErrorIs(t, err, ErrSpillFull)
}

func TestRecordAfterCloseRefused(t *testing.T) {
	rec := newTestRecorder(t, &fakeStore{}, nil, nil, time.Minute)
	require.NoError(t, rec.Close())

	out, err := rec.Record(context.Background(), testEvent(time.Now()))
	assert.Equal(t, Failed, out)
	assert.ErrorIs(t, err, ErrRecorderClosed)
}

func TestPublishFailureDoesNotFailRecord(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{err: errors.New("nats down")}
	rec := newTestRecorder(t, store, pub, nil, time.Minute)

	out, err := rec.Record(context.Background(), testEvent(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out)
	assert.Equal(t, 1, store.count())
}

func TestRedisMirrorAndRecentFor(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := &fakeStore{}
	rec := newTestRecorder(t, store, nil, rdb, 5*time.Minute)

	ev := testEvent(time.Now())
	out, err := rec.Record(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, Accepted, out)

	// The mirror lands with the debounce TTL.
	key := "fts:attendance:emp-001:enter"
	require.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, 4*time.Minute)

	recent := rec.RecentFor(context.Background(), "emp-001", 10*time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, ev.EmployeeID, recent[0].EmployeeID)
}

func TestRecentForFallsBackToRedisAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := &fakeStore{}
	spillDir := t.TempDir()
	first, err := NewRecorder(RecorderConfig{
		Window:    5 * time.Minute,
		SpillPath: filepath.Join(spillDir, "spill.ndjson"),
	}, store, nil, rdb)
	require.NoError(t, err)

	ev := testEvent(time.Now())
	_, err = first.Record(context.Background(), ev)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A fresh recorder has no memory but sees the Redis mirror.
	second, err := NewRecorder(RecorderConfig{
		Window:    5 * time.Minute,
		SpillPath: filepath.Join(spillDir, "spill2.ndjson"),
	}, store, nil, rdb)
	require.NoError(t, err)
	defer second.Close()

	recent := second.RecentFor(context.Background(), "emp-001", 10*time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, "enter", recent[0].Direction)
}

func TestSpillRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill.ndjson")
	sf, err := openSpillFile(path)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		ev := testEvent(now.Add(time.Duration(i) * time.Second))
		require.NoError(t, sf.Append(ev))
	}
	require.NoError(t, sf.Close())

	events, err := ReadSpill(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.Before(events[2].Timestamp))
}

func TestReadSpillMissingFile(t *testing.T) {
	events, err := ReadSpill(filepath.Join(t.TempDir(), "nope.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

type fakeReplayer struct {
	got []Event
	err error
}

func (r *fakeReplayer) Replay(ctx context.Context, events []Event) (int, error) {
	r.got = append(r.got, events...)
	if r.err != nil {
		return 0, r.err
	}
	return len(events), nil
}

func TestDrainSpillReplaysAndTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill.ndjson")
	sf, err := openSpillFile(path)
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, sf.Append(testEvent(now.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, sf.Close())

	r := &fakeReplayer{}
	inserted, err := DrainSpill(context.Background(), r, path)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.Len(t, r.got, 3)

	// A drained spill stays empty for the next startup.
	remaining, err := ReadSpill(path)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDrainSpillKeepsFileOnReplayFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill.ndjson")
	sf, err := openSpillFile(path)
	require.NoError(t, err)
	require.NoError(t, sf.Append(testEvent(time.Now())))
	require.NoError(t, sf.Close())

	r := &fakeReplayer{err: errors.New("store still down")}
	_, err = DrainSpill(context.Background(), r, path)
	require.Error(t, err)

	remaining, err := ReadSpill(path)
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "failed drain must not lose the spill")
}

func TestDrainSpillMissingFileIsNoop(t *testing.T) {
	r := &fakeReplayer{}
	inserted, err := DrainSpill(context.Background(), r, filepath.Join(t.TempDir(), "nope.ndjson"))
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Empty(t, r.got)
}

func TestReadSpillTornTailLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill.ndjson")
	sf, err := openSpillFile(path)
	require.NoError(t, err)
	require.NoError(t, sf.Append(testEvent(time.Now())))
	require.NoError(t, sf.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := ReadSpill(path)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

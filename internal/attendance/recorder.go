package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const (
	debounceCacheSize = 4096
	maxStoreRetries   = 4
	baseRetryDelay    = 100 * time.Millisecond
)

// RecorderConfig tunes a Recorder.
type RecorderConfig struct {
	// Window is the debounce window W: two events for the same
	// (employee, camera, direction) within it collapse to one.
	Window time.Duration
	// SpillPath is the append-only fallback file for events the store
	// rejected. Required.
	SpillPath string
}

// Recorder debounces and persists attendance events. Writes serialize; the
// debounce map is guarded independently so Record stays cheap on the
// debounced path.
type Recorder struct {
	cfg   RecorderConfig
	store Store
	spill *spillFile
	pub   Publisher
	rdb   *redis.Client

	debounce *lru.Cache[string, time.Time]
	mu       sync.Mutex

	recentMu sync.Mutex
	recent   map[string][]Event

	closed bool
	// fatal is set when the spill file itself fails; surfaced via LastError.
	fatalErr error
}

// NewRecorder creates a recorder. store is required; pub and rdb are
// optional and degrade to no-ops when nil.
func NewRecorder(cfg RecorderConfig, store Store, pub Publisher, rdb *redis.Client) (*Recorder, error) {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	cache, err := lru.New[string, time.Time](debounceCacheSize)
	if err != nil {
		return nil, err
	}
	spill, err := openSpillFile(cfg.SpillPath)
	if err != nil {
		return nil, fmt.Errorf("open spill file: %w", err)
	}
	return &Recorder{
		cfg:      cfg,
		store:    store,
		spill:    spill,
		pub:      pub,
		rdb:      rdb,
		debounce: cache,
		recent:   make(map[string][]Event),
	}, nil
}

func debounceKey(ev Event) string {
	return ev.EmployeeID + "|" + ev.CameraID + "|" + ev.Direction
}

// Record applies debouncing and flushes the event to the store. First event
// in a window wins; later ones return Debounced. Store failures are retried
// with exponential backoff, then spilled to disk so nothing is lost.
func (r *Recorder) Record(ctx context.Context, ev Event) (Outcome, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Failed, ErrRecorderClosed
	}
	if r.fatalErr != nil {
		err := r.fatalErr
		r.mu.Unlock()
		return Failed, err
	}

	key := debounceKey(ev)
	if last, ok := r.debounce.Get(key); ok && ev.Timestamp.Sub(last) < r.cfg.Window {
		r.mu.Unlock()
		return Debounced, nil
	}
	r.debounce.Add(key, ev.Timestamp)
	r.mu.Unlock()

	r.remember(ev)

	if err := r.flush(ctx, ev); err != nil {
		return Failed, err
	}

	if r.pub != nil {
		if err := r.pub.Publish(ev); err != nil {
			log.Printf("[Recorder] publish failed for %s: %v", ev.EmployeeID, err)
		}
	}
	r.mirror(ctx, ev)
	return Accepted, nil
}

// flush persists with bounded retries, spilling on persistent failure.
func (r *Recorder) flush(ctx context.Context, ev Event) error {
	var lastErr error
retry:
	for attempt := 0; attempt <= maxStoreRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			}
		}
		if err := r.store.Append(ctx, ev); err != nil {
			lastErr = err
			if errors.Is(err, ErrStorePermanent) {
				break retry
			}
			continue
		}
		return nil
	}

	log.Printf("[Recorder] store unavailable after %d attempts, spilling %s: %v",
		maxStoreRetries+1, ev.EmployeeID, lastErr)
	if err := r.spill.Append(ev); err != nil {
		r.mu.Lock()
		r.fatalErr = fmt.Errorf("%w: %v", ErrSpillFull, err)
		r.mu.Unlock()
		return r.fatalErr
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// remember keeps a small in-memory tail per employee for RecentFor.
func (r *Recorder) remember(ev Event) {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	tail := append(r.recent[ev.EmployeeID], ev)
	if len(tail) > 16 {
		tail = tail[len(tail)-16:]
	}
	r.recent[ev.EmployeeID] = tail
}

// mirror caches the accepted event in Redis with the debounce TTL so sibling
// processes (the reporting API) can read recency without the store.
func (r *Recorder) mirror(ctx context.Context, ev Event) {
	if r.rdb == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := fmt.Sprintf("fts:attendance:%s:%s", ev.EmployeeID, ev.Direction)
	if err := r.rdb.Set(ctx, key, payload, r.cfg.Window).Err(); err != nil {
		log.Printf("[Recorder] redis mirror failed: %v", err)
	}
}

// RecentFor returns the events recorded for an employee within the window,
// most recent last. It consults memory first and falls back to the Redis
// mirror after a restart.
func (r *Recorder) RecentFor(ctx context.Context, employeeID string, window time.Duration) []Event {
	cutoff := time.Now().Add(-window)

	r.recentMu.Lock()
	tail := r.recent[employeeID]
	out := make([]Event, 0, len(tail))
	for _, ev := range tail {
		if ev.Timestamp.After(cutoff) {
			out = append(out, ev)
		}
	}
	r.recentMu.Unlock()

	if len(out) > 0 || r.rdb == nil {
		return out
	}

	for _, dir := range []string{"enter", "exit"} {
		key := fmt.Sprintf("fts:attendance:%s:%s", employeeID, dir)
		raw, err := r.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var ev Event
		if json.Unmarshal(raw, &ev) == nil && ev.Timestamp.After(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// LastError reports the recorder's fatal condition, if any, for Status.
func (r *Recorder) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// Close stops accepting events and closes the spill file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.spill.Close()
}

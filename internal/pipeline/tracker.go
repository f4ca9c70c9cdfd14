package pipeline

import (
	"sort"

	"github.com/technosupport/ts-fts/internal/model"
)

// TrackerConfig sets the association thresholds.
type TrackerConfig struct {
	// IoUThreshold is the minimum overlap for a detection to join a track.
	IoUThreshold float64
	// ExpireFrames ages out tracks not updated for this many frames.
	ExpireFrames uint64
	// IdentifyThreshold is the score at which an identification sticks.
	IdentifyThreshold float64
	// ReidMargin is added to IdentifyThreshold to override a stuck identity.
	ReidMargin float64
}

// Track follows one face across frames. Identity is sticky: once assigned,
// only a markedly stronger identification replaces it.
type Track struct {
	ID       uint64
	Box      model.Detection
	LastSeen uint64

	EmployeeID string
	Score      float64

	// side holds the last committed hysteresis side per tripwire id.
	side map[string]int
}

// Known reports whether the track carries an assigned identity.
func (t *Track) Known() bool { return t.EmployeeID != "" }

// Observation pairs a detection with its identification result for the
// tracker. Unknown faces have an empty EmployeeID.
type Observation struct {
	Box        model.Detection
	EmployeeID string
	Score      float64
}

// Tracker associates per-frame detections with tracks by greedy IoU
// matching. It is owned by one pipeline goroutine and is not safe for
// concurrent use.
type Tracker struct {
	cfg    TrackerConfig
	nextID uint64
	tracks []*Track
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = 0.3
	}
	if cfg.ExpireFrames == 0 {
		cfg.ExpireFrames = 30
	}
	return &Tracker{cfg: cfg}
}

type iouPair struct {
	trackIdx int
	obsIdx   int
	iou      float64
}

// Observe updates the tracker with one frame's observations and returns the
// tracks updated this frame. Track ids are monotonic and never reused.
func (tr *Tracker) Observe(frame uint64, obs []Observation) []*Track {
	// Score every live (track, observation) pair, best overlap first.
	var pairs []iouPair
	for ti, t := range tr.tracks {
		for oi, o := range obs {
			iou := detIoU(t.Box, o.Box)
			if iou >= tr.cfg.IoUThreshold {
				pairs = append(pairs, iouPair{ti, oi, iou})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	usedTrack := make(map[int]bool)
	usedObs := make(map[int]bool)
	var updated []*Track

	for _, p := range pairs {
		if usedTrack[p.trackIdx] || usedObs[p.obsIdx] {
			continue
		}
		usedTrack[p.trackIdx] = true
		usedObs[p.obsIdx] = true

		t := tr.tracks[p.trackIdx]
		t.Box = obs[p.obsIdx].Box
		t.LastSeen = frame
		tr.assignIdentity(t, obs[p.obsIdx])
		updated = append(updated, t)
	}

	// Unmatched observations start new tracks.
	for oi, o := range obs {
		if usedObs[oi] {
			continue
		}
		tr.nextID++
		t := &Track{
			ID:       tr.nextID,
			Box:      o.Box,
			LastSeen: frame,
			side:     make(map[string]int),
		}
		tr.assignIdentity(t, o)
		tr.tracks = append(tr.tracks, t)
		updated = append(updated, t)
	}

	// Expire stale tracks.
	live := tr.tracks[:0]
	for _, t := range tr.tracks {
		if frame-t.LastSeen <= tr.cfg.ExpireFrames {
			live = append(live, t)
		}
	}
	tr.tracks = live

	sort.Slice(updated, func(i, j int) bool { return updated[i].ID < updated[j].ID })
	return updated
}

// assignIdentity applies the sticky-identity rule: an unassigned track takes
// any identification at or above the identify threshold; an assigned track
// only switches when the new score clears threshold plus the re-id margin.
func (tr *Tracker) assignIdentity(t *Track, o Observation) {
	if o.EmployeeID == "" {
		return
	}
	if !t.Known() {
		if o.Score >= tr.cfg.IdentifyThreshold {
			t.EmployeeID = o.EmployeeID
			t.Score = o.Score
		}
		return
	}
	if o.EmployeeID == t.EmployeeID {
		if o.Score > t.Score {
			t.Score = o.Score
		}
		return
	}
	if o.Score >= tr.cfg.IdentifyThreshold+tr.cfg.ReidMargin {
		t.EmployeeID = o.EmployeeID
		t.Score = o.Score
	}
}

// Active returns the live tracks, for status reporting.
func (tr *Tracker) Active() []*Track {
	out := make([]*Track, len(tr.tracks))
	copy(out, tr.tracks)
	return out
}

func detIoU(a, b model.Detection) float64 {
	ix := max(a.X, b.X)
	iy := max(a.Y, b.Y)
	ix2 := min(a.X+a.W, b.X+b.W)
	iy2 := min(a.Y+a.H, b.Y+b.H)
	if ix2 <= ix || iy2 <= iy {
		return 0
	}
	inter := float64((ix2 - ix) * (iy2 - iy))
	union := float64(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

package pipeline

import (
	"github.com/technosupport/ts-fts/internal/config"
)

// Crossing is one tripwire crossing by one track.
type Crossing struct {
	TripwireID string
	TrackID    uint64
	// Direction is "enter" for a negative-to-positive side transition,
	// "exit" for the reverse.
	Direction config.TripwireDirection
}

// TripwireEvaluator computes side transitions for each (track, tripwire)
// pair with a hysteresis band of spacing around the line, so jitter at the
// line cannot re-fire crossings.
type TripwireEvaluator struct {
	wires []config.Tripwire
}

func NewTripwireEvaluator(wires []config.Tripwire) *TripwireEvaluator {
	return &TripwireEvaluator{wires: wires}
}

// Evaluate updates the track's per-tripwire side state from its current box
// and returns any crossings. Width and height are the frame dimensions.
func (e *TripwireEvaluator) Evaluate(t *Track, width, height int) []Crossing {
	if len(e.wires) == 0 || width <= 0 || height <= 0 {
		return nil
	}
	if t.side == nil {
		t.side = make(map[string]int)
	}

	cx := float64(t.Box.X) + float64(t.Box.W)/2
	cy := float64(t.Box.Y) + float64(t.Box.H)/2

	var out []Crossing
	for _, w := range e.wires {
		var pos float64
		if w.Orientation == config.OrientationVertical {
			pos = cx / float64(width)
		} else {
			pos = cy / float64(height)
		}

		// Commit a side only once the center is clear of the hysteresis
		// band; inside the band the previous side holds.
		half := w.Spacing / 2
		var side int
		switch {
		case pos < w.Position-half:
			side = -1
		case pos > w.Position+half:
			side = +1
		default:
			continue
		}

		prev, seen := t.side[w.ID]
		t.side[w.ID] = side
		if !seen || prev == side {
			// First sighting establishes the side without firing.
			continue
		}

		dir := config.DirectionExit
		if prev < side {
			dir = config.DirectionEnter
		}
		if !emits(w.Direction, dir) {
			continue
		}
		out = append(out, Crossing{TripwireID: w.ID, TrackID: t.ID, Direction: dir})
	}
	return out
}

// emits applies the tripwire's direction policy to an observed transition.
func emits(policy, observed config.TripwireDirection) bool {
	switch policy {
	case config.DirectionBoth:
		return true
	case config.DirectionEnter, config.DirectionExit:
		return policy == observed
	default:
		return false
	}
}

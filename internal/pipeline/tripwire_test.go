package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fts/internal/config"
)

func horizontalWire(policy config.TripwireDirection) config.Tripwire {
	return config.Tripwire{
		ID:          "tw-1",
		Orientation: config.OrientationHorizontal,
		Position:    0.5,
		Spacing:     0.1,
		Direction:   policy,
	}
}

// trackAt places a 10x10 box whose center sits at the given normalized
// frame position (frame is 100x100).
func trackAt(t *Track, cy float64) {
	t.Box.X = 45
	t.Box.Y = int(cy*100) - 5
	t.Box.W = 10
	t.Box.H = 10
}

func TestTripwireCrossingDownwardIsEnter(t *testing.T) {
	e := NewTripwireEvaluator([]config.Tripwire{horizontalWire(config.DirectionBoth)})
	tk := &Track{ID: 1}

	trackAt(tk, 0.2)
	assert.Empty(t, e.Evaluate(tk, 100, 100), "first sighting establishes side silently")

	trackAt(tk, 0.8)
	got := e.Evaluate(tk, 100, 100)
	require.Len(t, got, 1)
	assert.Equal(t, config.DirectionEnter, got[0].Direction)
	assert.Equal(t, "tw-1", got[0].TripwireID)
}

func TestTripwireCrossingUpwardIsExit(t *testing.T) {
	e := NewTripwireEvaluator([]config.Tripwire{horizontalWire(config.DirectionBoth)})
	tk := &Track{ID: 1}

	trackAt(tk, 0.8)
	e.Evaluate(tk, 100, 100)
	trackAt(tk, 0.2)
	got := e.Evaluate(tk, 100, 100)
	require.Len(t, got, 1)
	assert.Equal(t, config.DirectionExit, got[0].Direction)
}

func TestTripwireHysteresisSuppressesJitter(t *testing.T) {
	e := NewTripwireEvaluator([]config.Tripwire{horizontalWire(config.DirectionBoth)})
	tk := &Track{ID: 1}

	trackAt(tk, 0.2)
	e.Evaluate(tk, 100, 100)

	// Oscillating inside the band (0.45..0.55) never fires.
	for _, cy := range []float64{0.48, 0.52, 0.47, 0.53} {
		trackAt(tk, cy)
		assert.Empty(t, e.Evaluate(tk, 100, 100), "inside hysteresis band at %v", cy)
	}

	// Clearing the band fires exactly once.
	trackAt(tk, 0.6)
	assert.Len(t, e.Evaluate(tk, 100, 100), 1)

	// Staying on the far side does not re-fire.
	trackAt(tk, 0.7)
	assert.Empty(t, e.Evaluate(tk, 100, 100))
}

func TestTripwireEnterPolicySuppressesExit(t *testing.T) {
	e := NewTripwireEvaluator([]config.Tripwire{horizontalWire(config.DirectionEnter)})
	tk := &Track{ID: 1}

	trackAt(tk, 0.8)
	e.Evaluate(tk, 100, 100)
	trackAt(tk, 0.2)
	assert.Empty(t, e.Evaluate(tk, 100, 100), "exit transition under enter-only policy")

	trackAt(tk, 0.8)
	got := e.Evaluate(tk, 100, 100)
	require.Len(t, got, 1)
	assert.Equal(t, config.DirectionEnter, got[0].Direction)
}

func TestTripwireVertical(t *testing.T) {
	e := NewTripwireEvaluator([]config.Tripwire{{
		ID:          "tw-v",
		Orientation: config.OrientationVertical,
		Position:    0.5,
		Spacing:     0.1,
		Direction:   config.DirectionBoth,
	}})
	tk := &Track{ID: 1, Box: box(10, 45, 10, 10)} // center x=15
	e.Evaluate(tk, 100, 100)

	tk.Box.X = 80 // center x=85
	got := e.Evaluate(tk, 100, 100)
	require.Len(t, got, 1)
	assert.Equal(t, config.DirectionEnter, got[0].Direction)
}

func TestTripwireMultipleWires(t *testing.T) {
	e := NewTripwireEvaluator([]config.Tripwire{
		{ID: "a", Orientation: config.OrientationHorizontal, Position: 0.3, Spacing: 0.05, Direction: config.DirectionBoth},
		{ID: "b", Orientation: config.OrientationHorizontal, Position: 0.7, Spacing: 0.05, Direction: config.DirectionBoth},
	})
	tk := &Track{ID: 1}

	trackAt(tk, 0.1)
	e.Evaluate(tk, 100, 100)

	// Sweeping to the bottom crosses both wires in one step.
	trackAt(tk, 0.9)
	got := e.Evaluate(tk, 100, 100)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TripwireID)
	assert.Equal(t, "b", got[1].TripwireID)
}

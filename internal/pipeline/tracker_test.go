package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fts/internal/model"
)

func trackerForTest() *Tracker {
	return NewTracker(TrackerConfig{
		IoUThreshold:      0.3,
		ExpireFrames:      30,
		IdentifyThreshold: 0.6,
		ReidMargin:        0.15,
	})
}

func box(x, y, w, h int) model.Detection {
	return model.Detection{X: x, Y: y, W: w, H: h}
}

func TestTrackerCreatesAndAssociates(t *testing.T) {
	tr := trackerForTest()

	first := tr.Observe(1, []Observation{{Box: box(10, 10, 50, 50)}})
	require.Len(t, first, 1)
	assert.Equal(t, uint64(1), first[0].ID)

	// Slightly moved box stays the same track.
	second := tr.Observe(2, []Observation{{Box: box(14, 12, 50, 50)}})
	require.Len(t, second, 1)
	assert.Equal(t, uint64(1), second[0].ID)

	// A distant box becomes a new track.
	third := tr.Observe(3, []Observation{
		{Box: box(16, 14, 50, 50)},
		{Box: box(400, 300, 50, 50)},
	})
	require.Len(t, third, 2)
	assert.Equal(t, uint64(1), third[0].ID)
	assert.Equal(t, uint64(2), third[1].ID)
}

func TestTrackerIDsMonotonicNoReuse(t *testing.T) {
	tr := trackerForTest()

	tr.Observe(1, []Observation{{Box: box(0, 0, 20, 20)}})
	// Let the track expire.
	tr.Observe(100, nil)
	assert.Empty(t, tr.Active())

	revived := tr.Observe(101, []Observation{{Box: box(0, 0, 20, 20)}})
	require.Len(t, revived, 1)
	assert.Equal(t, uint64(2), revived[0].ID)
}

func TestTrackerExpiry(t *testing.T) {
	tr := trackerForTest()
	tr.Observe(1, []Observation{{Box: box(0, 0, 20, 20)}})

	tr.Observe(31, nil)
	assert.Len(t, tr.Active(), 1, "within expiry horizon")

	tr.Observe(32, nil)
	assert.Empty(t, tr.Active(), "past expiry horizon")
}

func TestTrackerStickyIdentity(t *testing.T) {
	tr := trackerForTest()

	got := tr.Observe(1, []Observation{{Box: box(10, 10, 50, 50), EmployeeID: "E001", Score: 0.8}})
	require.Len(t, got, 1)
	assert.Equal(t, "E001", got[0].EmployeeID)

	// A weaker conflicting identification does not dislodge the identity.
	got = tr.Observe(2, []Observation{{Box: box(11, 11, 50, 50), EmployeeID: "E002", Score: 0.65}})
	assert.Equal(t, "E001", got[0].EmployeeID)
	assert.Equal(t, 0.8, got[0].Score)

	// Clearing threshold+margin re-identifies the track.
	got = tr.Observe(3, []Observation{{Box: box(12, 12, 50, 50), EmployeeID: "E002", Score: 0.76}})
	assert.Equal(t, "E002", got[0].EmployeeID)
}

func TestTrackerBelowThresholdStaysUnknown(t *testing.T) {
	tr := trackerForTest()

	got := tr.Observe(1, []Observation{{Box: box(10, 10, 50, 50), EmployeeID: "E001", Score: 0.5}})
	require.Len(t, got, 1)
	assert.False(t, got[0].Known())
}

func TestTrackerGreedyPrefersBestOverlap(t *testing.T) {
	tr := trackerForTest()
	tr.Observe(1, []Observation{
		{Box: box(0, 0, 50, 50)},
		{Box: box(40, 0, 50, 50)},
	})

	// One observation overlaps both tracks; it must join the closer one.
	got := tr.Observe(2, []Observation{{Box: box(42, 2, 50, 50)}})
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}

func TestDetIoU(t *testing.T) {
	a := box(0, 0, 10, 10)
	assert.InDelta(t, 1.0, detIoU(a, a), 1e-9)
	assert.Equal(t, 0.0, detIoU(a, box(20, 20, 10, 10)))
	assert.InDelta(t, 50.0/150.0, detIoU(a, box(0, 5, 10, 10)), 1e-9)
}

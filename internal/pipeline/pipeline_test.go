package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fts/internal/attendance"
	"github.com/technosupport/ts-fts/internal/capture"
	"github.com/technosupport/ts-fts/internal/config"
	"github.com/technosupport/ts-fts/internal/identity"
	"github.com/technosupport/ts-fts/internal/model"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []attendance.Event
}

func (r *fakeRecorder) Record(ctx context.Context, ev attendance.Event) (attendance.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return attendance.Accepted, nil
}

func (r *fakeRecorder) all() []attendance.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]attendance.Event(nil), r.events...)
}

type fakeSink struct {
	mu     sync.Mutex
	frames int
}

func (s *fakeSink) Publish(jpeg []byte) {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func testCamera() config.CameraDescriptor {
	return config.CameraDescriptor{
		ID:      "cam-test",
		Kind:    config.SourceBuiltin,
		Enabled: true,
		Tripwires: []config.Tripwire{{
			ID:          "tw-door",
			Orientation: config.OrientationHorizontal,
			Position:    0.5,
			Spacing:     0.1,
			Direction:   config.DirectionBoth,
		}},
	}
}

func testPipelineConfig() Config {
	return Config{
		Camera:            testCamera(),
		DetectThreshold:   0.5,
		IdentifyThreshold: 0.6,
		Tracker: TrackerConfig{
			IoUThreshold:      0.3,
			ExpireFrames:      30,
			IdentifyThreshold: 0.6,
			ReidMargin:        0.15,
		},
	}
}

func syntheticFrame(t *testing.T, seq uint64) *capture.Frame {
	t.Helper()
	backend := capture.NewSyntheticBackend()
	sess, err := backend.Open(context.Background(), capture.Source{Width: 100, Height: 100, FPS: 100})
	require.NoError(t, err)
	defer sess.Close()
	f, err := sess.Read(time.Now().Add(time.Second))
	require.NoError(t, err)
	f.Seq = seq
	return f
}

// Walk one face from above the tripwire to below it. The box at each step
// overlaps the previous one so the track survives the sweep.
var sweepBoxes = []model.Detection{
	{X: 20, Y: 0, W: 60, H: 60, Confidence: 0.9},  // center y 0.30
	{X: 20, Y: 20, W: 60, H: 60, Confidence: 0.9}, // center y 0.50, in band
	{X: 20, Y: 40, W: 60, H: 60, Confidence: 0.9}, // center y 0.70
}

func enrolledVector(dim int) []float32 {
	vec := make([]float32, dim)
	vec[0] = 1
	return vec
}

func TestPipelineIdentifiesAndRecordsCrossing(t *testing.T) {
	dim := 16
	idx := identity.NewIndex(dim)
	require.NoError(t, idx.Add("E001", "Priya", enrolledVector(dim)))

	det := model.NewMockDetector()
	emb := model.NewMockEmbedder(dim)
	for _, b := range sweepBoxes {
		det.Scripted = append(det.Scripted, []model.Detection{b})
		emb.Scripted = append(emb.Scripted, [][]float32{enrolledVector(dim)})
	}

	rec := &fakeRecorder{}
	p := New(testPipelineConfig(), capture.NewSyntheticBackend(), det, emb, idx, rec, &fakeSink{})

	for i := range sweepBoxes {
		jpeg, err := p.processFrame(context.Background(), syntheticFrame(t, uint64(i+1)))
		require.NoError(t, err)
		assert.NotEmpty(t, jpeg)
	}

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "E001", events[0].EmployeeID)
	assert.Equal(t, "cam-test", events[0].CameraID)
	assert.Equal(t, "tw-door", events[0].TripwireID)
	assert.Equal(t, "enter", events[0].Direction)
	assert.GreaterOrEqual(t, events[0].Confidence, 0.9)

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.DetectionsTotal)
	assert.Equal(t, uint64(3), stats.RecognitionsTotal)
	assert.Equal(t, 0, stats.UnknownTracks)
}

func TestPipelineUnknownFaceNeverRecords(t *testing.T) {
	dim := 16
	idx := identity.NewIndex(dim)
	require.NoError(t, idx.Add("E001", "Priya", enrolledVector(dim)))

	// Orthogonal vector: cosine similarity 0, well under the threshold.
	stranger := make([]float32, dim)
	stranger[1] = 1

	det := model.NewMockDetector()
	emb := model.NewMockEmbedder(dim)
	for _, b := range sweepBoxes {
		det.Scripted = append(det.Scripted, []model.Detection{b})
		emb.Scripted = append(emb.Scripted, [][]float32{stranger})
	}

	rec := &fakeRecorder{}
	p := New(testPipelineConfig(), capture.NewSyntheticBackend(), det, emb, idx, rec, &fakeSink{})

	for i := range sweepBoxes {
		_, err := p.processFrame(context.Background(), syntheticFrame(t, uint64(i+1)))
		require.NoError(t, err)
	}

	assert.Empty(t, rec.all())
	stats := p.Stats()
	assert.Equal(t, 1, stats.UnknownTracks)
	assert.Equal(t, uint64(0), stats.RecognitionsTotal)
}

func TestPipelineLowConfidenceDetectionsFiltered(t *testing.T) {
	det := model.NewMockDetector()
	det.Fixed = []model.Detection{{X: 10, Y: 10, W: 20, H: 20, Confidence: 0.2}}

	p := New(testPipelineConfig(), capture.NewSyntheticBackend(), det,
		model.NewMockEmbedder(16), identity.NewIndex(16), &fakeRecorder{}, &fakeSink{})

	_, err := p.processFrame(context.Background(), syntheticFrame(t, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.Stats().DetectionsTotal)
}

func TestPipelineDegradedOnOpenFailure(t *testing.T) {
	backend := capture.NewSyntheticBackend()
	backend.FailOpen = true

	sink := &fakeSink{}
	p := New(testPipelineConfig(), backend, model.NewMockDetector(),
		model.NewMockEmbedder(16), identity.NewIndex(16), &fakeRecorder{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	// The degraded pipeline must keep emitting placeholder frames.
	require.Eventually(t, func() bool {
		return p.State() == StateDegraded && sink.count() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	stats := p.Stats()
	assert.Contains(t, stats.LastError, "camera open")

	cancel()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop within deadline")
	}
	assert.Equal(t, StateStopped, p.State())
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) PublishState(cameraID string, s State, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func TestPipelinePublishesStateTransitions(t *testing.T) {
	backend := capture.NewSyntheticBackend()
	backend.FailOpen = true

	rec := &stateRecorder{}
	cfg := testPipelineConfig()
	cfg.Status = rec
	p := New(cfg, backend, model.NewMockDetector(), model.NewMockEmbedder(16),
		identity.NewIndex(16), &fakeRecorder{}, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	require.Eventually(t, func() bool { return rec.seen(StateDegraded) },
		3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop within deadline")
	}
	assert.True(t, rec.seen(StateStopping))
	assert.True(t, rec.seen(StateStopped))
}

func TestPipelineRunAndStopWithLiveSource(t *testing.T) {
	sink := &fakeSink{}
	cfg := testPipelineConfig()
	cfg.Camera.Width = 64
	cfg.Camera.Height = 64
	cfg.Camera.FPS = 30

	p := New(cfg, capture.NewSyntheticBackend(), model.NewMockDetector(),
		model.NewMockEmbedder(16), identity.NewIndex(16), &fakeRecorder{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return p.State() == StateRunning && sink.count() >= 3
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop within deadline")
	}
	assert.Equal(t, StateStopped, p.State())

	// No frames flow after stop.
	n := sink.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, sink.count())
}

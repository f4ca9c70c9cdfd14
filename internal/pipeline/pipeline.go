// Package pipeline runs the per-camera chain: capture, detect, embed,
// identify, track, tripwire, publish, record. One CameraPipeline exists
// per enabled camera and owns every goroutine it spawns.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-fts/internal/attendance"
	"github.com/technosupport/ts-fts/internal/capture"
	"github.com/technosupport/ts-fts/internal/config"
	"github.com/technosupport/ts-fts/internal/identity"
	"github.com/technosupport/ts-fts/internal/model"
	"github.com/technosupport/ts-fts/internal/overlay"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDegraded     State = "degraded"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

const (
	// readDeadline bounds a single frame read.
	readDeadline = 5 * time.Second
	// consecutiveReadFailLimit forces a capture reopen.
	consecutiveReadFailLimit = 30
	// backoff bounds for capture reopen attempts.
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// FrameSink receives annotated JPEG frames; the MJPEG publisher implements
// it. Publish must not block the caller.
type FrameSink interface {
	Publish(jpeg []byte)
}

// Recorder receives tripwire crossings for identified tracks.
type Recorder interface {
	Record(ctx context.Context, ev attendance.Event) (attendance.Outcome, error)
}

// DetectionSink receives the per-frame track summary for live viewers.
// Implementations must not block; nil disables the fan-out.
type DetectionSink interface {
	PublishDetections(ts time.Time, tracks []*Track, crossings []Crossing)
}

// StatusSink observes pipeline state transitions. Implementations must not
// block; nil disables the fan-out.
type StatusSink interface {
	PublishState(cameraID string, state State, detail string)
}

// Config assembles everything a single pipeline needs from the service
// configuration.
type Config struct {
	Camera            config.CameraDescriptor
	DetectThreshold   float64
	IdentifyThreshold float64
	Tracker           TrackerConfig
	FailPerMinute     int
	Detections        DetectionSink
	Status            StatusSink
}

// Stats is a point-in-time snapshot for status aggregation.
type Stats struct {
	CameraID          string  `json:"id"`
	State             State   `json:"state"`
	FPSIn             float64 `json:"fps_in"`
	FPSOut            float64 `json:"fps_out"`
	LastError         string  `json:"last_error,omitempty"`
	DetectionsTotal   uint64  `json:"detections_total"`
	RecognitionsTotal uint64  `json:"recognitions_total"`
	UnknownTracks     int     `json:"unknown_tracks"`
	UptimeSeconds     int64   `json:"uptime_s"`
}

type annotatedFrame struct {
	jpeg []byte
}

// CameraPipeline drives one camera. Construct with New, drive with Run,
// stop by cancelling the Run context.
type CameraPipeline struct {
	cfg      Config
	backend  capture.Backend
	detector model.Detector
	embedder model.Embedder
	index    *identity.Index
	recorder Recorder
	sink     FrameSink

	tracker *Tracker
	wires   *TripwireEvaluator

	mu      sync.Mutex
	state   State
	lastErr error
	started time.Time
	unknown int

	detections   atomic.Uint64
	recognitions atomic.Uint64

	inMeter  rateMeter
	outMeter rateMeter

	// capture -> process, capacity 1, drop-oldest
	frameCh chan *capture.Frame
	// process -> publish, capacity 4
	outCh chan annotatedFrame

	done chan struct{}
}

func New(cfg Config, backend capture.Backend, detector model.Detector, embedder model.Embedder,
	index *identity.Index, recorder Recorder, sink FrameSink) *CameraPipeline {

	if cfg.FailPerMinute <= 0 {
		cfg.FailPerMinute = 60
	}
	if cfg.Tracker.IdentifyThreshold == 0 {
		cfg.Tracker.IdentifyThreshold = cfg.IdentifyThreshold
	}
	return &CameraPipeline{
		cfg:      cfg,
		backend:  backend,
		detector: detector,
		embedder: embedder,
		index:    index,
		recorder: recorder,
		sink:     sink,
		tracker:  NewTracker(cfg.Tracker),
		wires:    NewTripwireEvaluator(cfg.Camera.Tripwires),
		state:    StateInitializing,
		frameCh:  make(chan *capture.Frame, 1),
		outCh:    make(chan annotatedFrame, 4),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled and all stages have drained.
func (p *CameraPipeline) Run(ctx context.Context) {
	p.mu.Lock()
	p.started = time.Now()
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.processLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.publishLoop(ctx)
	}()

	p.captureLoop(ctx)
	p.setState(StateStopping)
	close(p.frameCh)
	wg.Wait()

	p.setState(StateStopped)
	close(p.done)
	log.Printf("[Pipeline %s] stopped", p.cfg.Camera.ID)
}

// Done is closed once Run has fully drained.
func (p *CameraPipeline) Done() <-chan struct{} { return p.done }

// captureLoop owns the camera session: open with backoff, read until the
// source misbehaves, reopen. Exactly one session is open at any instant.
func (p *CameraPipeline) captureLoop(ctx context.Context) {
	backoff := backoffBase
	for ctx.Err() == nil {
		sess, err := p.backend.Open(ctx, sourceFor(p.cfg.Camera))
		if err != nil {
			p.degrade(fmt.Errorf("%w: %v", capture.ErrCameraOpen, err))
			if !p.idleDegraded(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffBase

		failures := 0
		for ctx.Err() == nil {
			frame, err := sess.Read(time.Now().Add(readDeadline))
			if err != nil {
				failures++
				if failures >= consecutiveReadFailLimit {
					p.degrade(fmt.Errorf("read failed %d times: %w", failures, err))
					break
				}
				continue
			}
			failures = 0
			p.setState(StateRunning)
			p.inMeter.tick()

			// Drop-oldest: detection slower than capture never stalls reads.
			select {
			case p.frameCh <- frame:
			default:
				select {
				case <-p.frameCh:
				default:
				}
				p.frameCh <- frame
			}
		}
		sess.Close()
	}
}

// idleDegraded emits a placeholder frame at 1 Hz while waiting out the
// backoff. Returns false when ctx is cancelled.
func (p *CameraPipeline) idleDegraded(ctx context.Context, wait time.Duration) bool {
	deadline := time.Now().Add(jitter(wait))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	p.emitPlaceholder()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(deadline) {
				return true
			}
			p.emitPlaceholder()
		}
	}
}

func (p *CameraPipeline) emitPlaceholder() {
	p.mu.Lock()
	detail := ""
	if p.lastErr != nil {
		detail = p.lastErr.Error()
	}
	p.mu.Unlock()

	w, h := p.cfg.Camera.Width, p.cfg.Camera.Height
	p.sink.Publish(overlay.Placeholder(w, h, "no signal: "+p.cfg.Camera.ID, detail))
}

// processLoop runs detect/embed/identify/track/tripwire/record for each
// frame, in capture order.
func (p *CameraPipeline) processLoop(ctx context.Context) {
	defer close(p.outCh)
	errWindow := time.Now()
	errCount := 0

	for frame := range p.frameCh {
		jpeg, err := p.processFrame(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCount++
			if time.Since(errWindow) > time.Minute {
				errWindow, errCount = time.Now(), 1
			}
			if errCount > p.cfg.FailPerMinute {
				p.degrade(fmt.Errorf("frame errors above ceiling: %w", err))
				errWindow, errCount = time.Now(), 0
			} else {
				log.Printf("[Pipeline %s] frame %d dropped: %v", p.cfg.Camera.ID, frame.Seq, err)
			}
			continue
		}

		select {
		case p.outCh <- annotatedFrame{jpeg: jpeg}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *CameraPipeline) processFrame(ctx context.Context, frame *capture.Frame) ([]byte, error) {
	img, err := frame.Image()
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	bounds := img.Bounds()

	dets, err := p.detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	kept := dets[:0]
	for _, d := range dets {
		if d.Confidence >= p.cfg.DetectThreshold {
			kept = append(kept, d)
		}
	}
	p.detections.Add(uint64(len(kept)))

	obs := make([]Observation, len(kept))
	for i, d := range kept {
		obs[i] = Observation{Box: d}
	}

	if len(kept) > 0 && p.index.Len() > 0 {
		vecs, err := p.embedder.Embed(ctx, img, kept)
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		for i, vec := range vecs {
			matches, err := p.index.Query(vec, 1)
			if err != nil || len(matches) == 0 {
				continue
			}
			if matches[0].Score >= p.cfg.IdentifyThreshold {
				obs[i].EmployeeID = matches[0].EmployeeID
				obs[i].Score = matches[0].Score
				p.recognitions.Add(1)
			}
		}
	}

	tracks := p.tracker.Observe(frame.Seq, obs)

	unknown := 0
	for _, t := range p.tracker.Active() {
		if !t.Known() {
			unknown++
		}
	}
	p.mu.Lock()
	p.unknown = unknown
	p.mu.Unlock()

	var crossings []Crossing
	for _, t := range tracks {
		for _, c := range p.wires.Evaluate(t, bounds.Dx(), bounds.Dy()) {
			crossings = append(crossings, c)
			p.record(ctx, t, c, frame.CapturedAt)
		}
	}

	if p.cfg.Detections != nil {
		p.cfg.Detections.PublishDetections(frame.CapturedAt, tracks, crossings)
	}

	// Annotation and re-encoding are wasted work with no viewer attached.
	if a, ok := p.sink.(interface{ Active() bool }); ok && !a.Active() {
		return frame.JPEG, nil
	}
	return p.annotate(img, tracks)
}

func (p *CameraPipeline) record(ctx context.Context, t *Track, c Crossing, at time.Time) {
	if !t.Known() || t.Score < p.cfg.IdentifyThreshold {
		return
	}
	ev := attendance.Event{
		EmployeeID: t.EmployeeID,
		CameraID:   p.cfg.Camera.ID,
		TripwireID: c.TripwireID,
		Direction:  string(c.Direction),
		Timestamp:  at,
		Confidence: t.Score,
	}
	outcome, err := p.recorder.Record(ctx, ev)
	if err != nil {
		p.setError(err)
		log.Printf("[Pipeline %s] record %s/%s failed: %v", p.cfg.Camera.ID, ev.EmployeeID, ev.Direction, err)
		return
	}
	log.Printf("[Pipeline %s] %s %s at %s: %s", p.cfg.Camera.ID, ev.EmployeeID, ev.Direction, c.TripwireID, outcome)
}

func (p *CameraPipeline) annotate(img image.Image, tracks []*Track) ([]byte, error) {
	boxes := make([]overlay.Box, 0, len(tracks))
	for _, t := range tracks {
		label := "unknown"
		if t.Known() {
			label = overlay.ScoreLabel(t.EmployeeID, t.Score)
		}
		boxes = append(boxes, overlay.Box{
			X: t.Box.X, Y: t.Box.Y, W: t.Box.W, H: t.Box.H,
			Label: label,
			Known: t.Known(),
		})
	}

	lines := make([]overlay.Line, 0, len(p.cfg.Camera.Tripwires))
	for _, w := range p.cfg.Camera.Tripwires {
		lines = append(lines, overlay.Line{
			Horizontal: w.Orientation == config.OrientationHorizontal,
			Position:   w.Position,
			Spacing:    w.Spacing,
			Label:      w.Name,
		})
	}
	return overlay.Annotate(img, boxes, lines)
}

func (p *CameraPipeline) publishLoop(ctx context.Context) {
	for a := range p.outCh {
		if ctx.Err() != nil {
			return
		}
		p.sink.Publish(a.jpeg)
		p.outMeter.tick()
	}
}

// Stats snapshots the pipeline for status aggregation.
func (p *CameraPipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	lastErr := ""
	if p.lastErr != nil {
		lastErr = p.lastErr.Error()
	}
	uptime := int64(0)
	if !p.started.IsZero() {
		uptime = int64(time.Since(p.started).Seconds())
	}
	return Stats{
		CameraID:          p.cfg.Camera.ID,
		State:             p.state,
		FPSIn:             p.inMeter.rate(),
		FPSOut:            p.outMeter.rate(),
		LastError:         lastErr,
		DetectionsTotal:   p.detections.Load(),
		RecognitionsTotal: p.recognitions.Load(),
		UnknownTracks:     p.unknown,
		UptimeSeconds:     uptime,
	}
}

// State returns the current lifecycle state.
func (p *CameraPipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *CameraPipeline) setState(s State) {
	p.mu.Lock()
	if p.state == StateStopped || p.state == s {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = s
	detail := ""
	if p.lastErr != nil {
		detail = p.lastErr.Error()
	}
	p.mu.Unlock()

	log.Printf("[Pipeline %s] %s -> %s", p.cfg.Camera.ID, prev, s)
	if p.cfg.Status != nil {
		p.cfg.Status.PublishState(p.cfg.Camera.ID, s, detail)
	}
}

func (p *CameraPipeline) setError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *CameraPipeline) degrade(err error) {
	p.setError(err)
	p.setState(StateDegraded)
}

func sourceFor(c config.CameraDescriptor) capture.Source {
	return capture.Source{
		Kind:     capture.Kind(c.Kind),
		Device:   c.Device,
		URL:      c.URL,
		Username: c.Username,
		Password: c.Password,
		Width:    c.Width,
		Height:   c.Height,
		FPS:      c.FPS,
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter spreads retries so many degraded cameras do not reopen in step.
func jitter(d time.Duration) time.Duration {
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}

// rateMeter is a coarse events-per-second meter over a rolling window.
type rateMeter struct {
	mu       sync.Mutex
	count    int
	windowAt time.Time
	last     float64
}

func (m *rateMeter) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.windowAt.IsZero() {
		m.windowAt = now
	}
	m.count++
	if elapsed := now.Sub(m.windowAt); elapsed >= 2*time.Second {
		m.last = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.windowAt = now
	}
}

func (m *rateMeter) rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

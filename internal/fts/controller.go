// Package fts is the lifecycle controller for the face tracking service:
// it owns the model registry, the identity index, the attendance recorder,
// and one pipeline per enabled camera, and exposes the admin operations
// the HTTP layer wraps.
package fts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-fts/internal/attendance"
	"github.com/technosupport/ts-fts/internal/capture"
	"github.com/technosupport/ts-fts/internal/config"
	"github.com/technosupport/ts-fts/internal/discovery"
	"github.com/technosupport/ts-fts/internal/events"
	"github.com/technosupport/ts-fts/internal/identity"
	"github.com/technosupport/ts-fts/internal/metrics"
	"github.com/technosupport/ts-fts/internal/mjpeg"
	"github.com/technosupport/ts-fts/internal/model"
	"github.com/technosupport/ts-fts/internal/pipeline"
	"github.com/technosupport/ts-fts/internal/ws"
)

var (
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrUnknownCamera  = errors.New("unknown camera")
)

// OpResult is the uniform reply for lifecycle operations. Idempotent
// no-ops (Start while running, Stop while stopped) are successes with an
// explanatory message.
type OpResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Status aggregates service and per-camera state for the admin API.
type Status struct {
	Running    bool             `json:"running"`
	UptimeS    int64            `json:"uptime_s"`
	Cameras    []pipeline.Stats `json:"cameras"`
	Identities int              `json:"identities"`
	LastError  string           `json:"last_error,omitempty"`
}

// StatusPublisher receives camera state transitions; the NATS publisher in
// internal/events implements it.
type StatusPublisher interface {
	PublishStatus(ev events.StatusEvent)
}

// Deps are the externally owned collaborators. Publisher, Status and Redis
// may be nil; the recorder degrades to store-only operation.
type Deps struct {
	Backend   capture.Backend
	Models    *model.Registry
	Store     attendance.Store
	Publisher attendance.Publisher
	Status    StatusPublisher
	Redis     *redis.Client
	WSHub     *ws.Hub
}

type pipeRunner struct {
	pipe   *pipeline.CameraPipeline
	cancel context.CancelFunc
	desc   config.CameraDescriptor
}

// Controller is reentrant-safe: all lifecycle operations serialize on one
// mutex, so concurrent Starts yield exactly one start.
type Controller struct {
	deps Deps

	mu        sync.Mutex
	cfg       config.Config
	running   bool
	startedAt time.Time
	lastErr   error

	index    *identity.Index
	recorder *attendance.Recorder
	hub      *mjpeg.Hub
	pipes    map[string]*pipeRunner
	roster   Roster
}

func NewController(cfg config.Config, deps Deps) *Controller {
	return &Controller{
		deps:  deps,
		cfg:   cfg,
		hub:   mjpeg.NewHub(),
		pipes: make(map[string]*pipeRunner),
	}
}

// Start loads models and the identity index, then brings up one pipeline
// per enabled camera. Starting a running controller is a no-op success.
func (c *Controller) Start(ctx context.Context) (OpResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return OpResult{Success: true, Message: ErrAlreadyRunning.Error()}, nil
	}

	if err := c.deps.Models.Load(ctx); err != nil {
		c.lastErr = err
		return OpResult{Message: err.Error()}, err
	}

	idx, err := identity.LoadOrCreate(c.cfg.IndexPath, c.deps.Models.Dim())
	if err != nil {
		c.lastErr = err
		return OpResult{Message: err.Error()}, err
	}
	c.index = idx

	rec, err := attendance.NewRecorder(attendance.RecorderConfig{
		Window:    time.Duration(c.cfg.DebounceWindowSeconds) * time.Second,
		SpillPath: c.cfg.SpillPath,
	}, c.deps.Store, c.deps.Publisher, c.deps.Redis)
	if err != nil {
		c.lastErr = err
		return OpResult{Message: err.Error()}, err
	}
	c.recorder = rec

	for _, cam := range c.cfg.Cameras {
		if cam.Enabled {
			c.startPipelineLocked(cam)
		}
	}

	c.running = true
	c.startedAt = time.Now()
	c.lastErr = nil
	log.Printf("[FTS] started with %d pipelines, %d identities", len(c.pipes), c.index.Len())
	return OpResult{Success: true, Message: "started"}, nil
}

// Stop signals every pipeline, waits up to the shutdown deadline, then
// gives up on stragglers. Stopping a stopped controller is a no-op success.
func (c *Controller) Stop(ctx context.Context) (OpResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return OpResult{Success: true, Message: ErrNotRunning.Error()}, nil
	}

	deadline := time.Duration(c.cfg.ShutdownDeadlineSeconds) * time.Second
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	clean := c.stopAllLocked(deadline)

	c.hub.CloseAll()
	if c.deps.WSHub != nil {
		c.deps.WSHub.CloseAll()
	}
	if err := c.recorder.Close(); err != nil {
		log.Printf("[FTS] recorder close: %v", err)
	}
	if clean {
		c.deps.Models.Close()
	} else {
		// A straggler may still be mid-inference; leaking the engines beats
		// destroying native sessions under it.
		log.Printf("[FTS] pipelines still draining, leaving model engines loaded")
	}

	c.running = false
	log.Printf("[FTS] stopped")
	return OpResult{Success: true, Message: "stopped"}, nil
}

// Restart is Stop then Start over the same config snapshot.
func (c *Controller) Restart(ctx context.Context) (OpResult, error) {
	if _, err := c.Stop(ctx); err != nil {
		return OpResult{Message: err.Error()}, err
	}
	return c.Start(ctx)
}

// Status aggregates per-pipeline stats under the lock.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{Running: c.running}
	if c.running {
		st.UptimeS = int64(time.Since(c.startedAt).Seconds())
		st.Identities = c.index.Len()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.recorder != nil {
		if err := c.recorder.LastError(); err != nil && st.LastError == "" {
			st.LastError = err.Error()
		}
	}
	for _, r := range c.pipes {
		st.Cameras = append(st.Cameras, r.pipe.Stats())
	}
	return st
}

// MetricsSnapshot implements metrics.Source.
func (c *Controller) MetricsSnapshot() metrics.Snapshot {
	st := c.Status()
	return metrics.Snapshot{
		Running:    st.Running,
		Identities: st.Identities,
		Cameras:    st.Cameras,
	}
}

// ApplyConfig diffs the camera set and performs the minimal pipeline
// churn: unchanged descriptors keep their pipeline, changed ones restart,
// new ones start, removed ones stop. Non-camera settings take effect on
// the next Start.
func (c *Controller) ApplyConfig(ctx context.Context, next config.Config) (OpResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		c.cfg = next
		return OpResult{Success: true, Message: "config stored; service not running"}, nil
	}

	prev := make(map[string]config.CameraDescriptor)
	for _, cam := range c.cfg.Cameras {
		prev[cam.ID] = cam
	}

	deadline := time.Duration(c.cfg.ShutdownDeadlineSeconds) * time.Second
	started, stopped, kept := 0, 0, 0

	for _, cam := range next.Cameras {
		old, existed := prev[cam.ID]
		delete(prev, cam.ID)

		switch {
		case !cam.Enabled:
			if existed && old.Enabled {
				c.stopPipelineLocked(cam.ID, deadline)
				stopped++
			}
		case !existed || !old.Enabled:
			c.startPipelineLocked(cam)
			started++
		case old.Equal(cam):
			kept++
		default:
			c.stopPipelineLocked(cam.ID, deadline)
			c.startPipelineLocked(cam)
			started++
		}
	}

	// Whatever is left in prev was removed outright.
	for id, old := range prev {
		if old.Enabled {
			c.stopPipelineLocked(id, deadline)
			stopped++
		}
	}

	c.cfg = next
	msg := fmt.Sprintf("config applied: %d started, %d stopped, %d unchanged", started, stopped, kept)
	log.Printf("[FTS] %s", msg)
	return OpResult{Success: true, Message: msg}, nil
}

// Snapshot returns the current config with credentials intact; the HTTP
// layer is responsible for redaction.
func (c *Controller) Snapshot() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Snapshot()
}

// Publisher returns the MJPEG publisher for a camera.
func (c *Controller) Publisher(cameraID string) (*mjpeg.Publisher, error) {
	if p, ok := c.hub.Get(cameraID); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
}

// Discover runs local enumeration plus, when a subnet is configured, the
// network sweep with ONVIF probing of responsive hosts.
func (c *Controller) Discover(ctx context.Context) ([]discovery.Device, error) {
	c.mu.Lock()
	cfg := c.cfg.Discovery
	c.mu.Unlock()

	scanner := discovery.NewScanner(cfg, c.deps.Backend)

	var devices []discovery.Device
	for _, d := range scanner.ScanLocal(ctx) {
		devices = append(devices, scanner.Verify(ctx, d, "", ""))
	}

	subnet := cfg.Subnet
	if subnet == "" {
		derived, err := discovery.DefaultSubnet()
		if err != nil {
			log.Printf("[FTS] discovery: %v", err)
			return devices, nil
		}
		subnet = derived
	}

	hosts, err := scanner.ScanSubnet(ctx, subnet)
	if err != nil && len(hosts) == 0 {
		return devices, err
	}
	for _, h := range hosts {
		devices = append(devices, scanner.Probe(ctx, h, "", ""))
	}
	return devices, err
}

func (c *Controller) startPipelineLocked(cam config.CameraDescriptor) {
	pub := c.hub.Create(cam.ID, c.cfg.SubscriberBuffer, c.cfg.PlaceholderHz)

	var detSink pipeline.DetectionSink
	if c.deps.WSHub != nil {
		detSink = wsDetectionSink{cameraID: cam.ID, hub: c.deps.WSHub}
	}
	var stSink pipeline.StatusSink
	if c.deps.Status != nil {
		stSink = statusEventSink{pub: c.deps.Status}
	}

	p := pipeline.New(pipeline.Config{
		Camera:            cam,
		DetectThreshold:   c.cfg.DetectThreshold,
		IdentifyThreshold: c.cfg.IdentifyThreshold,
		Tracker: pipeline.TrackerConfig{
			IoUThreshold:      c.cfg.IOUThreshold,
			ExpireFrames:      uint64(c.cfg.ExpireFrames),
			IdentifyThreshold: c.cfg.IdentifyThreshold,
			ReidMargin:        c.cfg.ReidMargin,
		},
		FailPerMinute: c.cfg.FailThresholdPerMinute,
		Detections:    detSink,
		Status:        stSink,
	}, c.deps.Backend, c.deps.Models.Detector(), c.deps.Models.Embedder(), c.index, c.recorder, pub)

	ctx, cancel := context.WithCancel(context.Background())
	c.pipes[cam.ID] = &pipeRunner{pipe: p, cancel: cancel, desc: cam}
	go p.Run(ctx)
	log.Printf("[FTS] pipeline %s starting (%s)", cam.ID, cam.Kind)
}

func (c *Controller) stopPipelineLocked(id string, deadline time.Duration) {
	r, ok := c.pipes[id]
	if !ok {
		return
	}
	delete(c.pipes, id)
	r.cancel()
	select {
	case <-r.pipe.Done():
	case <-time.After(deadline):
		log.Printf("[FTS] pipeline %s did not stop within %s", id, deadline)
	}
	c.hub.Remove(id)
}

// stopAllLocked cancels every pipeline first, then waits, so the deadline
// is shared rather than per pipeline. Returns false when any pipeline
// missed the deadline.
func (c *Controller) stopAllLocked(deadline time.Duration) bool {
	for _, r := range c.pipes {
		r.cancel()
	}
	clean := true
	expire := time.After(deadline)
	for id, r := range c.pipes {
		select {
		case <-r.pipe.Done():
		case <-expire:
			log.Printf("[FTS] pipeline %s did not stop within deadline", id)
			clean = false
		}
		delete(c.pipes, id)
	}
	return clean
}

// wsDetectionSink pushes per-frame track summaries to WebSocket viewers.
type wsDetectionSink struct {
	cameraID string
	hub      *ws.Hub
}

func (s wsDetectionSink) PublishDetections(ts time.Time, tracks []*pipeline.Track, crossings []pipeline.Crossing) {
	if !s.hub.HasClients(s.cameraID) {
		return
	}

	byID := make(map[uint64]*pipeline.Track, len(tracks))
	msg := &ws.RecognitionMessage{
		CameraID:  s.cameraID,
		Timestamp: ts,
		Faces:     make([]ws.FaceBox, 0, len(tracks)),
	}
	for _, t := range tracks {
		byID[t.ID] = t
		msg.Faces = append(msg.Faces, ws.FaceBox{
			TrackID:    t.ID,
			X:          t.Box.X,
			Y:          t.Box.Y,
			W:          t.Box.W,
			H:          t.Box.H,
			EmployeeID: t.EmployeeID,
			Score:      t.Score,
			Unknown:    !t.Known(),
		})
	}
	for _, c := range crossings {
		cb := ws.CrossedBy{TripwireID: c.TripwireID, Direction: string(c.Direction)}
		if t, ok := byID[c.TrackID]; ok {
			cb.EmployeeID = t.EmployeeID
		}
		msg.Crossings = append(msg.Crossings, cb)
	}
	s.hub.Broadcast(msg)
}

// statusEventSink forwards pipeline state transitions onto the status
// subject so dashboards see camera health without polling.
type statusEventSink struct {
	pub StatusPublisher
}

func (s statusEventSink) PublishState(cameraID string, state pipeline.State, detail string) {
	s.pub.PublishStatus(events.StatusEvent{
		CameraID:  cameraID,
		State:     string(state),
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// AutoStart honors the configured boot behavior: wait out the startup
// delay (cameras enumerate slowly right after boot), then Start.
func (c *Controller) AutoStart(ctx context.Context) {
	c.mu.Lock()
	enabled := c.cfg.AutoStart
	delay := time.Duration(c.cfg.StartupDelaySeconds) * time.Second
	c.mu.Unlock()

	if !enabled {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if _, err := c.Start(ctx); err != nil {
		log.Printf("[FTS] auto-start failed: %v", err)
	}
}

// Package model loads the face detector and embedding extractor once per
// process and shares them across pipelines. Engines are opaque pre-trained
// networks; no training happens here.
package model

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/technosupport/ts-fts/internal/config"
)

var ErrModelLoad = errors.New("model load failed")

// Detection is one face bounding box in pixel coordinates.
type Detection struct {
	X, Y, W, H int
	Confidence float64
}

// Detector finds faces in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// Embedder extracts one embedding per detection, batched per frame. The
// returned vectors have the registry's dimension and are not yet normalized.
type Embedder interface {
	Embed(ctx context.Context, img image.Image, boxes []Detection) ([][]float32, error)
}

// Registry owns the process-wide engines. Load constructs them once; every
// pipeline shares the same instances through a bounded slot pool.
type Registry struct {
	cfg      config.ModelsConfig
	detector Detector
	embedder Embedder
	closer   func()
}

func NewRegistry(cfg config.ModelsConfig) *Registry {
	return &Registry{cfg: cfg}
}

// Dim returns the embedding dimension.
func (r *Registry) Dim() int {
	return r.cfg.EmbeddingDim
}

// Load constructs the configured engines. Any failure wraps ErrModelLoad and
// is fatal to the controller's Start, never to the hosting process.
func (r *Registry) Load(ctx context.Context) error {
	var (
		det Detector
		emb Embedder
		err error
	)
	switch r.cfg.Backend {
	case "onnx":
		det, emb, r.closer, err = newONNXEngines(r.cfg)
	case "http":
		det, emb, err = newHTTPEngines(r.cfg)
	case "mock":
		det, emb = NewMockDetector(), NewMockEmbedder(r.cfg.EmbeddingDim)
	default:
		err = fmt.Errorf("unknown backend %q", r.cfg.Backend)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	slots := r.cfg.InferenceSlots
	if slots <= 0 {
		slots = 1
	}
	pool := newSlotPool(slots)
	r.detector = &pooledDetector{pool: pool, inner: det}
	r.embedder = &pooledEmbedder{pool: pool, inner: emb}
	return nil
}

// Detector returns the shared detector; valid after Load.
func (r *Registry) Detector() Detector {
	return r.detector
}

// Embedder returns the shared embedder; valid after Load.
func (r *Registry) Embedder() Embedder {
	return r.embedder
}

// MockEngines exposes the underlying mock engines for scripting when the
// registry runs the mock backend. ok is false for real backends.
func (r *Registry) MockEngines() (det *MockDetector, emb *MockEmbedder, ok bool) {
	pd, pok := r.detector.(*pooledDetector)
	pe, eok := r.embedder.(*pooledEmbedder)
	if !pok || !eok {
		return nil, nil, false
	}
	det, pok = pd.inner.(*MockDetector)
	emb, eok = pe.inner.(*MockEmbedder)
	return det, emb, pok && eok
}

// Close releases native engine resources.
func (r *Registry) Close() {
	if r.closer != nil {
		r.closer()
		r.closer = nil
	}
	r.detector = nil
	r.embedder = nil
}

// slotPool serializes access to engines that are not concurrency-safe. The
// pool size caps concurrent inference across all pipelines.
type slotPool struct {
	slots chan struct{}
}

func newSlotPool(n int) *slotPool {
	p := &slotPool{slots: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		p.slots <- struct{}{}
	}
	return p
}

func (p *slotPool) acquire(ctx context.Context) error {
	select {
	case <-p.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *slotPool) release() {
	p.slots <- struct{}{}
}

type pooledDetector struct {
	pool  *slotPool
	inner Detector
}

func (d *pooledDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := d.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.pool.release()
	return d.inner.Detect(ctx, img)
}

type pooledEmbedder struct {
	pool  *slotPool
	inner Embedder
}

func (e *pooledEmbedder) Embed(ctx context.Context, img image.Image, boxes []Detection) ([][]float32, error) {
	if err := e.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.pool.release()
	return e.inner.Embed(ctx, img, boxes)
}

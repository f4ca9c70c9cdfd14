package model

import (
	"context"
	"hash/fnv"
	"image"
	"sync"
)

// MockDetector is the deterministic stand-in engine used by tests and by dev
// installs that have no model files. It reports one centered face per frame
// unless scripted otherwise.
type MockDetector struct {
	mu sync.Mutex
	// Scripted, when set, is consumed one entry per Detect call.
	Scripted [][]Detection
	// Fixed, when set, is returned for every call once Scripted is drained.
	Fixed []Detection
	Err   error
}

func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

func (d *MockDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if len(d.Scripted) > 0 {
		out := d.Scripted[0]
		d.Scripted = d.Scripted[1:]
		return out, nil
	}
	if d.Fixed != nil {
		return d.Fixed, nil
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	return []Detection{{
		X: w / 4, Y: h / 4, W: w / 2, H: h / 2,
		Confidence: 0.9,
	}}, nil
}

// MockEmbedder derives a deterministic vector from the crop geometry, so the
// same detection always maps to the same embedding.
type MockEmbedder struct {
	mu  sync.Mutex
	dim int
	// Scripted, when set, is consumed one batch per Embed call.
	Scripted [][][]float32
	Err      error
}

func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim}
}

func (e *MockEmbedder) Embed(ctx context.Context, img image.Image, boxes []Detection) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	if len(e.Scripted) > 0 {
		out := e.Scripted[0]
		e.Scripted = e.Scripted[1:]
		return out, nil
	}

	out := make([][]float32, 0, len(boxes))
	for _, box := range boxes {
		h := fnv.New64a()
		var geo [4]byte
		geo[0] = byte(box.X)
		geo[1] = byte(box.Y)
		geo[2] = byte(box.W)
		geo[3] = byte(box.H)
		h.Write(geo[:])
		seed := h.Sum64()

		vec := make([]float32, e.dim)
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] = float32(int64(seed>>33))/float32(1<<31) + 0.001
		}
		out = append(out, vec)
	}
	return out, nil
}

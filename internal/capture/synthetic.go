package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// SyntheticBackend renders moving-gradient frames in-process. It backs dev
// mode and tests where no physical camera or ffmpeg binary exists.
type SyntheticBackend struct {
	// FailOpen makes every Open return ErrCameraOpen, for degraded-path tests.
	FailOpen bool
}

func NewSyntheticBackend() *SyntheticBackend {
	return &SyntheticBackend{}
}

func (b *SyntheticBackend) Open(ctx context.Context, src Source) (Session, error) {
	if b.FailOpen {
		return nil, fmt.Errorf("%w: synthetic backend configured to fail", ErrCameraOpen)
	}
	w, h, fps := src.Width, src.Height, src.FPS
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}
	if fps <= 0 {
		fps = 15
	}
	return &syntheticSession{
		width:    w,
		height:   h,
		interval: time.Second / time.Duration(fps),
		opened:   time.Now(),
	}, nil
}

type syntheticSession struct {
	mu       sync.Mutex
	width    int
	height   int
	interval time.Duration
	opened   time.Time
	seq      uint64
	last     time.Time
	closed   bool
}

func (s *syntheticSession) Read(deadline time.Time) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	// Pace to the configured fps.
	if !s.last.IsZero() {
		next := s.last.Add(s.interval)
		if wait := time.Until(next); wait > 0 {
			if next.After(deadline) {
				return nil, ErrCameraReadTimeout
			}
			time.Sleep(wait)
		}
	}
	s.last = time.Now()
	s.seq++

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	phase := int(s.seq) * 4
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + phase) % 256),
				G: uint8((y + phase) % 256),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	f := &Frame{Seq: s.seq, CapturedAt: s.last, JPEG: buf.Bytes()}
	f.SetImage(img)
	return f, nil
}

func (s *syntheticSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

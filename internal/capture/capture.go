// Package capture opens camera sources and delivers raw frames. The backend
// contract is identical across platforms; only device addressing differs.
package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"time"
)

var (
	ErrCameraOpen        = errors.New("camera open failed")
	ErrCameraReadTimeout = errors.New("camera read timed out")
	ErrSessionClosed     = errors.New("capture session closed")
)

// Kind identifies how a source is reached.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindUSB     Kind = "usb"
	KindRTSP    Kind = "rtsp"
	KindONVIF   Kind = "onvif"
)

// Source is the tagged variant the capture stage dispatches on at open time.
type Source struct {
	Kind     Kind
	Device   int    // builtin/usb device index
	URL      string // rtsp/onvif stream or endpoint URL
	Username string
	Password string
	Width    int
	Height   int
	FPS      int
}

// Frame is one captured image. JPEG holds the bytes as they came off the
// wire; Image decodes lazily so stages that never inspect pixels pay nothing.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	JPEG       []byte

	decoded image.Image
}

// Image returns the decoded pixels, decoding once on first use. Not safe for
// concurrent callers; each frame is owned by one stage at a time.
func (f *Frame) Image() (image.Image, error) {
	if f.decoded != nil {
		return f.decoded, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(f.JPEG))
	if err != nil {
		return nil, err
	}
	f.decoded = img
	return img, nil
}

// SetImage attaches pre-decoded pixels, used by synthetic sources.
func (f *Frame) SetImage(img image.Image) {
	f.decoded = img
}

// Session is one open capture stream.
type Session interface {
	// Read blocks until a frame arrives or the deadline passes
	// (ErrCameraReadTimeout). After Close it returns ErrSessionClosed.
	Read(deadline time.Time) (*Frame, error)
	Close() error
}

// Backend opens sessions for sources. Implementations must honor ctx for the
// duration of the open handshake only; the session outlives it.
type Backend interface {
	Open(ctx context.Context, src Source) (Session, error)
}

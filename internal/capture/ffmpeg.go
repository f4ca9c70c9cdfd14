package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// FFmpegBackend shells out to ffmpeg and reads an MJPEG stream from stdout.
// One process per session; killing the process tears the session down.
type FFmpegBackend struct {
	// Binary overrides the ffmpeg executable name, mainly for tests.
	Binary string
}

func NewFFmpegBackend() *FFmpegBackend {
	return &FFmpegBackend{Binary: "ffmpeg"}
}

func (b *FFmpegBackend) Open(ctx context.Context, src Source) (Session, error) {
	args, err := buildArgs(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraOpen, err)
	}

	cmd := exec.Command(b.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrCameraOpen, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrCameraOpen, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraOpen, err)
	}

	s := &ffmpegSession{
		cmd:    cmd,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	// ffmpeg writes progress to stderr; drain it so the process never stalls.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
		}
	}()
	go s.readLoop(stdout)

	// Honor ctx during the open handshake: wait for the first frame so a dead
	// source fails Open instead of the first Read.
	select {
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrCameraOpen, ctx.Err())
	case first, ok := <-s.frames:
		if !ok {
			s.Close()
			return nil, fmt.Errorf("%w: stream ended before first frame", ErrCameraOpen)
		}
		s.pending = first
	}
	return s, nil
}

func buildArgs(src Source) ([]string, error) {
	fps := src.FPS
	if fps <= 0 {
		fps = 15
	}

	var args []string
	switch src.Kind {
	case KindRTSP, KindONVIF:
		streamURL := src.URL
		if src.Username != "" {
			u, err := url.Parse(src.URL)
			if err != nil {
				return nil, fmt.Errorf("bad stream url: %v", err)
			}
			u.User = url.UserPassword(src.Username, src.Password)
			streamURL = u.String()
		}
		args = []string{
			"-rtsp_transport", "tcp",
			"-i", streamURL,
		}
	case KindBuiltin, KindUSB:
		format, input := deviceInput(src.Device)
		args = []string{"-f", format}
		if src.Width > 0 && src.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", src.Width, src.Height))
		}
		args = append(args, "-framerate", fmt.Sprintf("%d", fps), "-i", input)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", src.Kind)
	}

	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", fmt.Sprintf("%d", fps),
		"-q:v", "5",
		"-",
	)
	return args, nil
}

// deviceInput maps a numeric device index onto the platform capture stack:
// DirectShow on Windows, AVFoundation on macOS, V4L2 elsewhere. The Windows
// device name defaults to the first enumerated camera and can be pinned with
// FTS_DSHOW_DEVICE when a host has several.
func deviceInput(index int) (format, input string) {
	switch runtime.GOOS {
	case "windows":
		name := os.Getenv("FTS_DSHOW_DEVICE")
		if name == "" {
			name = "video=USB Video Device"
		}
		return "dshow", name
	case "darwin":
		return "avfoundation", fmt.Sprintf("%d", index)
	default:
		return "v4l2", fmt.Sprintf("/dev/video%d", index)
	}
}

type ffmpegSession struct {
	cmd     *exec.Cmd
	frames  chan []byte
	done    chan struct{}
	pending []byte
	seq     uint64
	closed  bool
}

func (s *ffmpegSession) readLoop(stdout io.Reader) {
	defer close(s.frames)

	buf := make([]byte, 0, 1<<20)
	chunk := make([]byte, 8192)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, rest := splitJPEG(buf)
				if frame == nil {
					break
				}
				buf = rest
				// Drop-oldest: downstream slower than the source never
				// backs up into the ffmpeg pipe.
				select {
				case s.frames <- frame:
				default:
					select {
					case <-s.frames:
					default:
					}
					select {
					case s.frames <- frame:
					default:
					}
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case <-s.done:
				default:
					log.Printf("[Capture] read error: %v", err)
				}
			}
			return
		}
	}
}

// splitJPEG extracts one complete JPEG (SOI..EOI) from buf, returning the
// frame and the remaining bytes, or nil when no complete frame is present.
func splitJPEG(buf []byte) (frame, rest []byte) {
	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start < 0 {
		return nil, buf[:0]
	}
	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		return nil, buf[start:]
	}
	end = start + 2 + end + 2
	frame = append([]byte(nil), buf[start:end]...)
	return frame, buf[end:]
}

func (s *ffmpegSession) Read(deadline time.Time) (*Frame, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.pending != nil {
		jpg := s.pending
		s.pending = nil
		s.seq++
		return &Frame{Seq: s.seq, CapturedAt: time.Now(), JPEG: jpg}, nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case jpg, ok := <-s.frames:
		if !ok {
			return nil, ErrSessionClosed
		}
		s.seq++
		return &Frame{Seq: s.seq, CapturedAt: time.Now(), JPEG: jpg}, nil
	case <-timer.C:
		return nil, ErrCameraReadTimeout
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *ffmpegSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	// Reap the process; a kill-induced exit status is expected here.
	s.cmd.Wait()
	return nil
}

package camera

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/lineage/internal/utils"
	"github.com/pkg/errors"
)

// FFmpegBackend reads cameras through an ffmpeg input device, for hosts where
// V4L2 is not available (avfoundation, dshow) or the device needs ffmpeg's
// format conversion.
type FFmpegBackend struct {
	Format       string // ffmpeg input format, e.g. v4l2 or avfoundation
	FrontInput   string
	BackInput    string
	FrameTimeout time.Duration
}

func NewFFmpegBackend(format, front, back string) *FFmpegBackend {
	return &FFmpegBackend{Format: format, FrontInput: front, BackInput: back, FrameTimeout: 5 * time.Second}
}

// Devices reports the configured inputs.
func (b *FFmpegBackend) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if b.FrontInput != "" {
		devices = append(devices, Device{ID: b.FrontInput, Label: "front camera"})
	}
	if b.BackInput != "" && b.BackInput != b.FrontInput {
		devices = append(devices, Device{ID: b.BackInput, Label: "back camera"})
	}
	return devices, ctx.Err()
}

// Open spawns ffmpeg. Zoom is not negotiable through ffmpeg and is ignored.
func (b *FFmpegBackend) Open(ctx context.Context, c Constraints) (Stream, error) {
	input := c.DeviceID
	if input == "" {
		input = b.FrontInput
		if c.Facing == Back && b.BackInput != "" {
			input = b.BackInput
		}
	}
	if input == "" {
		return nil, errors.New("No ffmpeg input configured")
	}

	cmd := utils.NewFFmpegCmd(b.Format, input, c.Width, c.Height)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create decoder pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "Failed to start decoder")
	}

	s := &ffmpegStream{
		cmd:     cmd,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		timeout: b.FrameTimeout,
	}
	go s.read(stdout)

	// ffmpeg rejects unsupported sizes by exiting, surface that as a failed open
	select {
	case <-s.ready:
	case <-s.done:
	case <-time.After(s.timeout):
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}
	if _, err := s.Frame(); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

type ffmpegStream struct {
	cmd     *utils.SafeCommand
	timeout time.Duration

	mu     sync.Mutex
	latest []byte
	err    error

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func (s *ffmpegStream) read(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	scanner.Split(utils.SplitJpeg)
	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		s.mu.Lock()
		s.latest = frame
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
	}

	err := scanner.Err()
	if werr := s.cmd.Wait(); err == nil && werr != nil {
		err = errors.Wrapf(werr, "ffmpeg exited: %s", bytes.TrimSpace(s.cmd.Stderr.Bytes()))
	}
	s.mu.Lock()
	if s.latest == nil && err == nil {
		err = errors.New("ffmpeg produced no frames")
	}
	s.err = err
	s.mu.Unlock()
}

func (s *ffmpegStream) Frame() (image.Image, error) {
	select {
	case <-s.ready:
	case <-s.done:
	case <-time.After(s.timeout):
		return nil, errors.New("Timed out waiting for first frame")
	}

	s.mu.Lock()
	raw, err := s.latest, s.err
	s.mu.Unlock()
	if raw == nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	return img, errors.Wrap(err, "Can not decode image")
}

// Stop kills ffmpeg and waits for the reader to drain.
func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-s.done
	})
	return nil
}

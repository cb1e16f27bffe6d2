package camera

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

const (
	pixFmtMJPEG webcam.PixelFormat = 0x47504A4D // 'MJPG'
	pixFmtYUYV  webcam.PixelFormat = 0x56595559 // 'YUYV'

	// V4L2_CID_ZOOM_ABSOLUTE
	zoomAbsolute webcam.ControlID = 0x009a090d
)

// V4L2Backend drives Linux video4linux devices.
type V4L2Backend struct {
	// Pattern globs the device nodes, /dev/video* by default.
	Pattern string
	// SysfsRoot holds the per-device name files.
	SysfsRoot string
	// FrontDevice and BackDevice pin a node to a facing mode.
	FrontDevice string
	BackDevice  string
	// FrameTimeout bounds the wait for the first frame.
	FrameTimeout time.Duration
}

func NewV4L2Backend(front, back string) *V4L2Backend {
	return &V4L2Backend{
		Pattern:      "/dev/video*",
		SysfsRoot:    "/sys/class/video4linux",
		FrontDevice:  front,
		BackDevice:   back,
		FrameTimeout: 5 * time.Second,
	}
}

// Devices lists the video nodes with their driver-reported names. Nodes pinned
// as the back camera are labelled so that the lens heuristic picks them.
func (b *V4L2Backend) Devices(ctx context.Context) ([]Device, error) {
	paths, err := filepath.Glob(b.Pattern)
	if err != nil {
		return nil, errors.Wrap(err, "Can not list video devices")
	}
	sort.Strings(paths)

	devices := make([]Device, 0, len(paths))
	for _, p := range paths {
		label := filepath.Base(p)
		if raw, err := os.ReadFile(filepath.Join(b.SysfsRoot, filepath.Base(p), "name")); err == nil {
			label = strings.TrimSpace(string(raw))
		}
		if b.BackDevice != "" && p == b.BackDevice && !strings.Contains(strings.ToLower(label), "back") {
			label += " (back)"
		}
		devices = append(devices, Device{ID: p, Label: label})
	}
	return devices, ctx.Err()
}

func (b *V4L2Backend) pick(ctx context.Context, c Constraints) (string, error) {
	if c.DeviceID != "" {
		return c.DeviceID, nil
	}
	if c.Facing == Back && b.BackDevice != "" {
		return b.BackDevice, nil
	}
	if c.Facing == Front && b.FrontDevice != "" {
		return b.FrontDevice, nil
	}
	devices, err := b.Devices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", errors.New("No video device found")
	}
	return devices[0].ID, nil
}

func (b *V4L2Backend) Open(ctx context.Context, c Constraints) (Stream, error) {
	device, err := b.pick(ctx, c)
	if err != nil {
		return nil, err
	}

	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrap(err, "Can not open device "+device)
	}

	format, err := chooseFormat(cam)
	if err != nil {
		cam.Close()
		return nil, err
	}
	format, w, h, err := cam.SetImageFormat(format, uint32(c.Width), uint32(c.Height))
	if err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not set image format")
	}

	if c.Zoom > 0 {
		if err := setUnitZoom(cam); err != nil {
			cam.Close()
			return nil, err
		}
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not start streaming")
	}

	s := &v4l2Stream{
		cam:     cam,
		format:  format,
		width:   int(w),
		height:  int(h),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		timeout: b.FrameTimeout,
	}
	go s.loop()
	return s, nil
}

func chooseFormat(cam *webcam.Webcam) (webcam.PixelFormat, error) {
	supported := cam.GetSupportedFormats()
	for _, f := range []webcam.PixelFormat{pixFmtMJPEG, pixFmtYUYV} {
		if _, ok := supported[f]; ok {
			return f, nil
		}
	}
	return 0, errors.Errorf("No supported pixel format among %d offered", len(supported))
}

// setUnitZoom applies the device's minimum absolute zoom, which is 1x. A
// device without a zoom control cannot satisfy the exact constraint.
func setUnitZoom(cam *webcam.Webcam) error {
	ctl, ok := cam.GetControls()[zoomAbsolute]
	if !ok {
		return errors.New("Device has no absolute zoom control")
	}
	return errors.Wrap(cam.SetControl(zoomAbsolute, ctl.Min), "Can not set zoom")
}

// v4l2Stream keeps only the latest raw frame, in the manner of a one-slot
// camera buffer.
type v4l2Stream struct {
	cam           *webcam.Webcam
	format        webcam.PixelFormat
	width, height int
	timeout       time.Duration

	stopped atomic.Bool
	mu      sync.Mutex
	latest  []byte
	err     error

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

func (s *v4l2Stream) loop() {
	defer close(s.done)
	defer s.cam.Close()

	for !s.stopped.Load() {
		err := s.cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			s.fail(errors.Wrap(err, "Frame wait failed"))
			return
		}

		frame, err := s.cam.ReadFrame()
		if err != nil {
			s.fail(errors.Wrap(err, "Read frame failed"))
			return
		}
		if len(frame) == 0 {
			continue
		}

		buf := make([]byte, len(frame))
		copy(buf, frame)
		s.mu.Lock()
		s.latest = buf
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
	}
	s.cam.StopStreaming()
}

func (s *v4l2Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *v4l2Stream) Frame() (image.Image, error) {
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
		if err == nil {
			err = ErrNotActive
		}
		return nil, err
	}

	switch s.format {
	case pixFmtMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(raw))
		return img, errors.Wrap(err, "Can not decode image")
	case pixFmtYUYV:
		return decodeYUYV(raw, s.width, s.height)
	}
	return nil, errors.Errorf("Unsupported pixel format %#x", uint32(s.format))
}

// Stop ends the capture loop and waits until the device is closed.
func (s *v4l2Stream) Stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	<-s.done
	return nil
}

// decodeYUYV maps packed 4:2:2 samples onto planar YCbCr.
func decodeYUYV(raw []byte, w, h int) (image.Image, error) {
	if w%2 != 0 {
		return nil, errors.Errorf("Odd YUYV width %d", w)
	}
	if len(raw) < w*h*2 {
		return nil, errors.Errorf("Short YUYV frame: %d bytes for %dx%d", len(raw), w, h)
	}
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for y := 0; y < h; y++ {
		row := raw[y*w*2:]
		for x := 0; x < w; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			c := y*img.CStride + x/2
			img.Cb[c] = row[i+1]
			img.Cr[c] = row[i+3]
		}
	}
	return img, nil
}

// Package camera owns device acquisition for a recognition session: constraint
// negotiation, the relaxed-constraint fallback, switching and teardown.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/image/draw"
)

// Facing selects the physical camera.
type Facing string

const (
	Front Facing = "user"
	Back  Facing = "environment"
)

// DefaultFacing is the world-facing camera.
const DefaultFacing = Back

// SmallScreenBreakpoint is the viewport width below which the lower ideal
// resolution is requested.
const SmallScreenBreakpoint = 768

// Opposite returns the other facing mode.
func (f Facing) Opposite() Facing {
	if f == Front {
		return Back
	}
	return Front
}

// ParseFacing accepts the browser names and the short aliases.
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "back", "environment", "rear":
		return Back, nil
	case "front", "user", "selfie":
		return Front, nil
	}
	return "", fmt.Errorf("unknown facing mode %q", s)
}

var (
	// ErrUnavailable is returned when both the ideal and the fallback
	// constraints were rejected.
	ErrUnavailable = errors.New("camera unavailable")
	// ErrNotActive is returned when a frame is requested without a live stream.
	ErrNotActive = errors.New("camera not active")
	// ErrStopped is returned by Start when Stop or another Start superseded it.
	ErrStopped = errors.New("camera stopped while starting")
)

// Device is one enumerated video input.
type Device struct {
	ID    string
	Label string
}

// Constraints is the negotiation request handed to a Backend. Width and
// Height are ideal values; DeviceID and Zoom are exact when set.
type Constraints struct {
	Width    int
	Height   int
	Facing   Facing
	DeviceID string
	Zoom     float64
}

// Backend acquires streams from a family of devices.
type Backend interface {
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live video source. Stop must release the device before returning.
type Stream interface {
	Frame() (image.Image, error)
	Stop() error
}

// IdealConstraints picks the resolution for the viewport width.
func IdealConstraints(facing Facing, viewportWidth int) Constraints {
	if viewportWidth > 0 && viewportWidth < SmallScreenBreakpoint {
		return Constraints{Width: 480, Height: 360, Facing: facing}
	}
	return Constraints{Width: 640, Height: 480, Facing: facing}
}

// FallbackConstraints is the maximally compatible request.
func FallbackConstraints(facing Facing) Constraints {
	return Constraints{Width: 640, Height: 480, Facing: facing}
}

// Manager holds at most one active stream.
type Manager struct {
	backend  Backend
	viewport int
	log      *slog.Logger

	mu     sync.Mutex
	stream Stream
	facing Facing
	gen    uint64
}

func NewManager(b Backend, viewportWidth int) *Manager {
	return &Manager{
		backend:  b,
		viewport: viewportWidth,
		facing:   DefaultFacing,
		log:      slog.With("component", "camera"),
	}
}

// Start stops any active stream and opens a new one with the requested
// facing mode. When the ideal constraints are rejected it retries once with
// FallbackConstraints; when that fails too the manager stays inactive and
// the error wraps ErrUnavailable.
func (m *Manager) Start(ctx context.Context, facing Facing) error {
	m.mu.Lock()
	m.stopLocked()
	m.facing = facing
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	c := IdealConstraints(facing, m.viewport)
	if facing == Back {
		m.preferMainLens(ctx, &c)
	}

	s, err := m.backend.Open(ctx, c)
	if err != nil {
		m.log.Warn("Camera rejected constraints, retrying with fallback", "facing", facing, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s, err = m.backend.Open(ctx, FallbackConstraints(facing))
		if err != nil {
			m.log.Error("Camera fallback failed", "facing", facing, "error", err)
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		s.Stop()
		return ErrStopped
	}
	m.stream = s
	m.log.Info("Camera started", "facing", facing)
	return nil
}

// preferMainLens biases back-camera selection away from ultra-wide lenses:
// the last enumerated device labelled "back" wins, otherwise a 1x zoom is
// required.
func (m *Manager) preferMainLens(ctx context.Context, c *Constraints) {
	devices, err := m.backend.Devices(ctx)
	if err != nil {
		m.log.Debug("Device enumeration failed", "error", err)
	}
	var back []Device
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Label), "back") {
			back = append(back, d)
		}
	}
	if len(back) > 0 {
		c.DeviceID = back[len(back)-1].ID
		return
	}
	c.Zoom = 1
}

// Stop releases the active stream. It is safe to call at any time.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.stream == nil {
		return
	}
	if err := m.stream.Stop(); err != nil {
		m.log.Warn("Failed to release camera", "error", err)
	}
	m.stream = nil
}

// Switch restarts the session with the opposite facing mode. The new mode
// is kept even when the restart fails so a retry targets it.
func (m *Manager) Switch(ctx context.Context) error {
	return m.Start(ctx, m.Facing().Opposite())
}

// SetFacing records the mode used by the next Start without touching the
// active stream.
func (m *Manager) SetFacing(f Facing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facing = f
}

// Active reports whether a stream is live.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Facing returns the last requested facing mode.
func (m *Manager) Facing() Facing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

// Snapshot freezes the current frame into an independent RGBA buffer.
func (m *Manager) Snapshot() (*image.RGBA, error) {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNotActive
	}
	frame, err := s.Frame()
	if err != nil {
		return nil, err
	}
	return Copy(frame), nil
}

// Copy returns an RGBA copy of img with its origin at (0, 0).
func Copy(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

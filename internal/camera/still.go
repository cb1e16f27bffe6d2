package camera

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// StillBackend serves a fixed picture as if it were a camera, for running the
// pipeline against a photo instead of a device.
type StillBackend struct {
	Image image.Image
	// MaxWidth downsizes wider pictures, preserving the aspect ratio. Zero keeps
	// the original size.
	MaxWidth int
}

// LoadStill decodes a JPEG or PNG file into a StillBackend.
func LoadStill(path string, maxWidth int) (*StillBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Can not open image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "Can not decode image")
	}
	return &StillBackend{Image: img, MaxWidth: maxWidth}, nil
}

func (b *StillBackend) Devices(ctx context.Context) ([]Device, error) {
	return []Device{{ID: "still", Label: "still image"}}, ctx.Err()
}

func (b *StillBackend) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.Image == nil {
		return nil, errors.New("No still image loaded")
	}
	return &stillStream{img: Fit(b.Image, b.MaxWidth)}, nil
}

type stillStream struct {
	img     image.Image
	stopped atomic.Bool
}

func (s *stillStream) Frame() (image.Image, error) {
	if s.stopped.Load() {
		return nil, ErrNotActive
	}
	return s.img, nil
}

func (s *stillStream) Stop() error {
	s.stopped.Store(true)
	return nil
}

// Fit scales img down to maxWidth when it is wider. It returns img unchanged
// otherwise.
func Fit(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

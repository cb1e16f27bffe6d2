// Package annotate draws recognition results onto a captured still.
package annotate

import (
	"image"
	"image/color"
	"image/jpeg"
	"io"

	"github.com/andresmejia3/lineage/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	Green  = color.RGBA{0x48, 0xbb, 0x78, 0xff}
	Orange = color.RGBA{0xed, 0x89, 0x36, 0xff}
	Red    = color.RGBA{0xf5, 0x65, 0x65, 0xff}
)

const (
	strokeWidth  = 2
	stripHeight  = 25
	textPadding  = 5
	textBaseline = 8 // distance from the box top to the text baseline
)

// JPEGQuality matches the capture encoding.
const JPEGQuality = 80

// ColorFor maps a confidence percentage onto the display bands.
func ColorFor(confidence float64) color.RGBA {
	switch {
	case confidence > 50:
		return Green
	case confidence > 40:
		return Orange
	default:
		return Red
	}
}

// Caption is the text shown above a box.
func Caption(r types.RecognitionResult) string {
	if !r.Matched() {
		return "Unknown"
	}
	return r.Label
}

// Draw returns a copy of still with every result outlined and captioned. With
// no results it is a plain copy.
func Draw(still image.Image, results []types.RecognitionResult) *image.RGBA {
	b := still.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), still, b.Min, draw.Src)

	face := basicfont.Face7x13
	for _, r := range results {
		c := ColorFor(r.Confidence)
		box := image.Rect(r.Region.X, r.Region.Y, r.Region.X+r.Region.Width, r.Region.Y+r.Region.Height)
		strokeRect(dst, box, c)

		label := Caption(r)
		textW := font.MeasureString(face, label).Ceil()
		strip := image.Rect(box.Min.X, box.Min.Y-stripHeight, box.Min.X+textW+2*textPadding, box.Min.Y)
		draw.Draw(dst, strip.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)

		d := &font.Drawer{
			Dst:  dst,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P(box.Min.X+textPadding, box.Min.Y-textBaseline),
		}
		d.DrawString(label)
	}
	return dst
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth),
		image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+strokeWidth, r.Max.Y),
		image.Rect(r.Max.X-strokeWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

// EncodeJPEG writes img at JPEGQuality.
func EncodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
}

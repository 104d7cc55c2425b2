// Package transform implements the post-decode transformations a request can
// ask for. Every transformation has a stable Key that becomes part of the
// request cache key.
package transform

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"pixelflow/internal/bitmap"
)

// Transformation turns one bitmap into another. Implementations return the
// input unchanged when there is nothing to do; a different bitmap otherwise,
// leaving the input to the caller.
type Transformation interface {
	Key() string
	Transform(ctx context.Context, in *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error)
}

// Anchor chooses which part of a non-square image CircleCrop keeps.
type Anchor int

const (
	AnchorCenter Anchor = iota
	AnchorStart
	AnchorEnd
)

func (a Anchor) String() string {
	switch a {
	case AnchorStart:
		return "START"
	case AnchorEnd:
		return "END"
	default:
		return "CENTER"
	}
}

// Blur applies a gaussian blur.
type Blur struct {
	Radius float64
}

func (t Blur) Key() string {
	return "Blur(" + strconv.FormatFloat(t.Radius, 'f', -1, 64) + ")"
}

func (t Blur) Transform(ctx context.Context, in *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Radius <= 0 {
		return in, nil
	}
	blurred := blur.Gaussian(in.Image(), t.Radius)
	return bitmap.FromImage(pool, blurred, in.Format), nil
}

// Grayscale drops color information, keeping alpha.
type Grayscale struct{}

func (Grayscale) Key() string {
	return "Grayscale"
}

func (Grayscale) Transform(ctx context.Context, in *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bitmap.FromImage(pool, imaging.Grayscale(in.Image()), in.Format), nil
}

// Rotate rotates counter-clockwise by Degrees; uncovered areas are transparent.
type Rotate struct {
	Degrees float64
}

func (t Rotate) Key() string {
	return "Rotate(" + strconv.FormatFloat(t.Degrees, 'f', -1, 64) + ")"
}

func (t Rotate) Transform(ctx context.Context, in *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if math.Mod(t.Degrees, 360) == 0 {
		return in, nil
	}
	rotated := imaging.Rotate(in.Image(), t.Degrees, color.Transparent)
	return bitmap.FromImage(pool, rotated, bitmap.FormatNRGBA), nil
}

// CircleCrop crops the largest centered square and masks it to a circle.
type CircleCrop struct {
	Anchor Anchor
}

func (t CircleCrop) Key() string {
	return "CircleCrop(" + t.Anchor.String() + ")"
}

func (t CircleCrop) Transform(ctx context.Context, in *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	side := min(in.Width, in.Height)
	var origin image.Point
	switch t.Anchor {
	case AnchorStart:
	case AnchorEnd:
		origin = image.Pt(in.Width-side, in.Height-side)
	default:
		origin = image.Pt((in.Width-side)/2, (in.Height-side)/2)
	}

	out := bitmap.Obtain(pool, side, side, bitmap.FormatNRGBA)
	draw.Draw(out.Image(), out.Bounds(), in.Image(), origin, draw.Src)

	r := float64(side) / 2
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			dx := float64(x) + 0.5 - r
			dy := float64(y) + 0.5 - r
			if dx*dx+dy*dy > r*r {
				clearPixel(out, x, y)
			}
		}
	}
	return out, nil
}

// RoundedCorners makes the corners transparent outside a quarter circle of
// Radius pixels.
type RoundedCorners struct {
	Radius int
}

func (t RoundedCorners) Key() string {
	return fmt.Sprintf("RoundedCorners(%d)", t.Radius)
}

func (t RoundedCorners) Transform(ctx context.Context, in *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Radius <= 0 {
		return in, nil
	}
	radius := min(t.Radius, in.Width/2, in.Height/2)
	out := bitmap.FromImage(pool, in.Image(), bitmap.FormatNRGBA)

	rf := float64(radius)
	centers := []image.Point{
		{radius, radius},
		{in.Width - radius, radius},
		{radius, in.Height - radius},
		{in.Width - radius, in.Height - radius},
	}
	for i, c := range centers {
		x0, y0 := 0, 0
		if i%2 == 1 {
			x0 = in.Width - radius
		}
		if i >= 2 {
			y0 = in.Height - radius
		}
		for y := y0; y < y0+radius; y++ {
			for x := x0; x < x0+radius; x++ {
				dx := float64(x) + 0.5 - float64(c.X)
				dy := float64(y) + 0.5 - float64(c.Y)
				if dx*dx+dy*dy > rf*rf {
					clearPixel(out, x, y)
				}
			}
		}
	}
	return out, nil
}

// Mask blends every opaque pixel towards Color by Alpha.
type Mask struct {
	Color colorful.Color
	Alpha float64
}

// NewMask parses a hex color such as "#ff8800".
func NewMask(hex string, alpha float64) (Mask, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return Mask{}, fmt.Errorf("invalid mask color %q: %w", hex, err)
	}
	if alpha < 0 || alpha > 1 {
		return Mask{}, fmt.Errorf("mask alpha out of range: %v", alpha)
	}
	return Mask{Color: c, Alpha: alpha}, nil
}

func (t Mask) Key() string {
	return "Mask(" + t.Color.Hex() + "," + strconv.FormatFloat(t.Alpha, 'f', -1, 64) + ")"
}

func (t Mask) Transform(ctx context.Context, in *bitmap.Bitmap, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Alpha == 0 {
		return in, nil
	}
	out := bitmap.FromImage(pool, in.Image(), bitmap.FormatNRGBA)
	mr, mg, mb := t.Color.RGB255()
	blend := func(v, m uint8) uint8 {
		return uint8(math.Round(float64(v)*(1-t.Alpha) + float64(m)*t.Alpha))
	}
	for y := 0; y < out.Height; y++ {
		row := out.Pix[y*out.Stride : y*out.Stride+out.Width*4]
		for i := 0; i < len(row); i += 4 {
			if row[i+3] == 0 {
				continue
			}
			row[i] = blend(row[i], mr)
			row[i+1] = blend(row[i+1], mg)
			row[i+2] = blend(row[i+2], mb)
		}
	}
	return out, nil
}

func clearPixel(b *bitmap.Bitmap, x, y int) {
	i := y*b.Stride + x*4
	b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3] = 0, 0, 0, 0
}

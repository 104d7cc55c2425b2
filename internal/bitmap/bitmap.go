// Package bitmap holds decoded pixel buffers, the pool they are recycled
// through and the reference counted wrapper shared by caches and viewers.
package bitmap

import (
	"fmt"
	"image"
	"image/draw"
)

// Format is the pixel layout of a Bitmap.
type Format int

const (
	FormatNRGBA Format = iota
	FormatRGBA
	FormatGray
	// FormatHardware buffers live outside process memory and are never pooled.
	FormatHardware
)

func (f Format) BytesPerPixel() int {
	if f == FormatGray {
		return 1
	}
	return 4
}

// Poolable reports whether buffers of this format may be recycled.
func (f Format) Poolable() bool {
	return f != FormatHardware
}

func (f Format) String() string {
	switch f {
	case FormatNRGBA:
		return "NRGBA"
	case FormatRGBA:
		return "RGBA"
	case FormatGray:
		return "GRAY"
	case FormatHardware:
		return "HARDWARE"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "NRGBA", "nrgba", "":
		return FormatNRGBA, nil
	case "RGBA", "rgba":
		return FormatRGBA, nil
	case "GRAY", "gray":
		return FormatGray, nil
	case "HARDWARE", "hardware":
		return FormatHardware, nil
	default:
		return FormatNRGBA, fmt.Errorf("unknown pixel format: %s", s)
	}
}

// Bitmap is a decoded pixel buffer. Pix may be longer than Stride*Height when
// the backing storage came from a larger pooled buffer.
type Bitmap struct {
	Width  int
	Height int
	Format Format
	Stride int
	Pix    []uint8
}

// New allocates a zeroed bitmap.
func New(width, height int, format Format) *Bitmap {
	stride := width * format.BytesPerPixel()
	return &Bitmap{
		Width:  width,
		Height: height,
		Format: format,
		Stride: stride,
		Pix:    make([]uint8, stride*height),
	}
}

// ByteCount is the number of bytes the visible pixels occupy.
func (b *Bitmap) ByteCount() int {
	return b.Stride * b.Height
}

// AllocationByteCount is the size of the backing storage.
func (b *Bitmap) AllocationByteCount() int {
	return cap(b.Pix)
}

// Reconfigure reshapes the bitmap in place if the backing storage is large
// enough. It reports false and leaves b untouched otherwise.
func (b *Bitmap) Reconfigure(width, height int, format Format) bool {
	stride := width * format.BytesPerPixel()
	need := stride * height
	if need > cap(b.Pix) {
		return false
	}
	b.Width = width
	b.Height = height
	b.Format = format
	b.Stride = stride
	b.Pix = b.Pix[:need]
	return true
}

// Erase zeroes the visible pixels.
func (b *Bitmap) Erase() {
	clear(b.Pix[:b.ByteCount()])
}

func (b *Bitmap) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// Image returns a view sharing the bitmap's pixels.
func (b *Bitmap) Image() draw.Image {
	pix := b.Pix[:b.ByteCount()]
	rect := b.Bounds()
	switch b.Format {
	case FormatGray:
		return &image.Gray{Pix: pix, Stride: b.Stride, Rect: rect}
	case FormatRGBA:
		return &image.RGBA{Pix: pix, Stride: b.Stride, Rect: rect}
	default:
		return &image.NRGBA{Pix: pix, Stride: b.Stride, Rect: rect}
	}
}

func (b *Bitmap) String() string {
	return fmt.Sprintf("Bitmap(%dx%d,%s)", b.Width, b.Height, b.Format)
}

// Obtain returns a buffer from pool when possible, a fresh one otherwise.
// A nil pool always allocates.
func Obtain(pool *Pool, width, height int, format Format) *Bitmap {
	if pool != nil {
		if b := pool.Get(width, height, format); b != nil {
			return b
		}
	}
	return New(width, height, format)
}

// FromImage copies img into a bitmap obtained from pool.
func FromImage(pool *Pool, img image.Image, format Format) *Bitmap {
	bounds := img.Bounds()
	out := Obtain(pool, bounds.Dx(), bounds.Dy(), format)
	draw.Draw(out.Image(), out.Bounds(), img, bounds.Min, draw.Src)
	return out
}

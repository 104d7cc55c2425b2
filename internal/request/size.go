package request

import (
	"context"
	"fmt"
	"math"
)

// Size is a pixel size. The zero Size means "original size".
type Size struct {
	Width  int
	Height int
}

func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Multiply scales s by m, rounding to the nearest pixel.
func (s Size) Multiply(m float64) Size {
	if m == 1 || m <= 0 || s.IsEmpty() {
		return s
	}
	return Size{
		Width:  int(math.Round(float64(s.Width) * m)),
		Height: int(math.Round(float64(s.Height) * m)),
	}
}

// SizeResolver supplies the target size, possibly after waiting for it to
// become known (e.g. a surface that is not laid out yet).
type SizeResolver interface {
	Size(ctx context.Context) (Size, error)
}

// SizeResolverFunc adapts a function to SizeResolver.
type SizeResolverFunc func(ctx context.Context) (Size, error)

func (f SizeResolverFunc) Size(ctx context.Context) (Size, error) {
	return f(ctx)
}

type fixedSize Size

func (f fixedSize) Size(context.Context) (Size, error) {
	return Size(f), nil
}

// FixedSize returns a resolver that always yields s.
func FixedSize(width, height int) SizeResolver {
	return fixedSize{Width: width, Height: height}
}

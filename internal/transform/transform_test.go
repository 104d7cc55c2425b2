package transform

import (
	"context"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelflow/internal/bitmap"
)

func solid(w, h int, c color.NRGBA) *bitmap.Bitmap {
	b := bitmap.New(w, h, bitmap.FormatNRGBA)
	img := b.Image()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return b
}

func at(b *bitmap.Bitmap, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(b.Image().At(x, y)).(color.NRGBA)
}

func TestParse(t *testing.T) {
	ts, err := Parse("blur:8, grayscale ,rotate:180,circle:end,rounded:12,mask:#ff0000:0.25")
	require.NoError(t, err)

	keys := make([]string, len(ts))
	for i, tr := range ts {
		keys[i] = tr.Key()
	}
	assert.Equal(t, []string{
		"Blur(8)",
		"Grayscale",
		"Rotate(180)",
		"CircleCrop(END)",
		"RoundedCorners(12)",
		"Mask(#ff0000,0.25)",
	}, keys)

	ts, err = Parse("")
	require.NoError(t, err)
	assert.Empty(t, ts)

	for _, bad := range []string{"sparkle", "blur:soft", "circle:left", "mask", "mask:#zz0000", "mask:#ff0000:2"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestNoOpTransformationsReturnInput(t *testing.T) {
	ctx := context.Background()
	in := solid(4, 4, color.NRGBA{R: 10, A: 255})
	for _, tr := range []Transformation{Blur{}, Rotate{Degrees: 360}, RoundedCorners{}, Mask{Alpha: 0}} {
		out, err := tr.Transform(ctx, in, nil)
		require.NoError(t, err)
		assert.Same(t, in, out, tr.Key())
	}
}

func TestGrayscale(t *testing.T) {
	in := solid(3, 3, color.NRGBA{R: 255, A: 255})
	out, err := Grayscale{}.Transform(context.Background(), in, nil)
	require.NoError(t, err)
	assert.NotSame(t, in, out)
	c := at(out, 1, 1)
	assert.Equal(t, c.R, c.G)
	assert.Equal(t, c.G, c.B)
	assert.Equal(t, uint8(255), c.A)
}

func TestCircleCrop(t *testing.T) {
	in := solid(20, 10, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	out, err := CircleCrop{}.Transform(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Width)
	assert.Equal(t, 10, out.Height)
	assert.Equal(t, uint8(0), at(out, 0, 0).A)
	assert.Equal(t, uint8(255), at(out, 5, 5).A)
}

func TestRoundedCorners(t *testing.T) {
	in := solid(20, 20, color.NRGBA{G: 255, A: 255})
	out, err := RoundedCorners{Radius: 6}.Transform(context.Background(), in, nil)
	require.NoError(t, err)
	for _, p := range [][2]int{{0, 0}, {19, 0}, {0, 19}, {19, 19}} {
		assert.Equal(t, uint8(0), at(out, p[0], p[1]).A, "corner %v", p)
	}
	assert.Equal(t, uint8(255), at(out, 10, 0).A)
	assert.Equal(t, uint8(255), at(out, 10, 10).A)
}

func TestMask(t *testing.T) {
	in := solid(2, 2, color.NRGBA{R: 0, G: 0, B: 200, A: 255})
	m, err := NewMask("#ff0000", 0.5)
	require.NoError(t, err)
	out, err := m.Transform(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 128, G: 0, B: 100, A: 255}, at(out, 0, 0))
	assert.Equal(t, color.NRGBA{B: 200, A: 255}, at(in, 0, 0), "input untouched")
}

func TestRotate(t *testing.T) {
	in := solid(4, 2, color.NRGBA{R: 255, A: 255})
	out, err := Rotate{Degrees: 90}.Transform(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Width)
	assert.Equal(t, 4, out.Height)
}

func TestTransformHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Grayscale{}.Transform(ctx, solid(1, 1, color.NRGBA{A: 255}), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

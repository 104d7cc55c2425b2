package decode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h)))
	return buf.Bytes()
}

func decodeWith(t *testing.T, e *Engine, data []byte, opts ...request.Option) (*Result, error) {
	t.Helper()
	req := request.New("test://image", opts...)
	rc, err := request.NewContext(context.Background(), req, request.Components{})
	require.NoError(t, err)
	return e.Decode(context.Background(), rc, &fetch.Result{Source: fetch.NewByteSource(data, request.FromLocal)})
}

func keys(ts []Transformed) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Key
	}
	return out
}

func TestEngineResizeGeometry(t *testing.T) {
	data := jpegBytes(t, 1291, 1936)
	e := NewEngine(Options{Pool: bitmap.NewPool(64<<20, zaptest.NewLogger(t)), Logger: zaptest.NewLogger(t)})

	tests := []struct {
		w, h      int
		precision request.Precision
		want      image.Point
	}{
		{600, 500, request.LessPixels, image.Pt(323, 484)},
		{600, 500, request.SameAspectRatio, image.Pt(322, 268)},
		{600, 500, request.Exactly, image.Pt(600, 500)},
		{800, 2500, request.LessPixels, image.Pt(646, 968)},
		{800, 2500, request.SameAspectRatio, image.Pt(620, 1936)},
		{800, 2500, request.Exactly, image.Pt(800, 2500)},
	}
	for _, tt := range tests {
		t.Run(tt.precision.String(), func(t *testing.T) {
			res, err := decodeWith(t, e, data, request.WithSize(tt.w, tt.h), request.WithPrecision(tt.precision))
			require.NoError(t, err)
			assert.Equal(t, tt.want, image.Pt(res.Bitmap.Width, res.Bitmap.Height))
			assert.Equal(t, ImageInfo{Width: 1291, Height: 1936, MimeType: "image/jpeg", ExifOrientation: 1}, res.Info)
			assert.Equal(t, request.FromLocal, res.From)
			assert.True(t, WorthCaching(res.Transformeds))
		})
	}
}

func TestEngineRecordsTransformations(t *testing.T) {
	data := jpegBytes(t, 1291, 1936)
	e := NewEngine(Options{Logger: zaptest.NewLogger(t)})

	res, err := decodeWith(t, e, data, request.WithSize(600, 500), request.WithPrecision(request.SameAspectRatio))
	require.NoError(t, err)
	assert.Equal(t, []string{"Region(0,430,1291,1075)", "Subsampling(4)"}, keys(res.Transformeds))

	res, err = decodeWith(t, e, data, request.WithSize(600, 500), request.WithPrecision(request.Exactly))
	require.NoError(t, err)
	assert.Equal(t, []string{"Region(0,430,1291,1075)", "Subsampling(4)", "Resize(600x500,EXACTLY,CENTER_CROP)"}, keys(res.Transformeds))

	res, err = decodeWith(t, e, data)
	require.NoError(t, err)
	assert.Empty(t, res.Transformeds)
	assert.False(t, WorthCaching(res.Transformeds))
	assert.Equal(t, image.Pt(1291, 1936), image.Pt(res.Bitmap.Width, res.Bitmap.Height))
}

func TestEngineAppliesExifOrientation(t *testing.T) {
	data := withExif(jpegBytes(t, 1291, 1936), uint16(OrientationRotate90))
	e := NewEngine(Options{Logger: zaptest.NewLogger(t)})

	res, err := decodeWith(t, e, data, request.WithSize(600, 500))
	require.NoError(t, err)
	assert.Equal(t, 6, res.Info.ExifOrientation)
	assert.Equal(t, image.Pt(484, 323), image.Pt(res.Bitmap.Width, res.Bitmap.Height))
	assert.Contains(t, keys(res.Transformeds), "ExifOrientation(6)")

	res, err = decodeWith(t, e, data, request.WithSize(600, 500), request.WithIgnoreExifOrientation(true))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Info.ExifOrientation)
	assert.Equal(t, image.Pt(323, 484), image.Pt(res.Bitmap.Width, res.Bitmap.Height))
}

func TestEnginePngFloorsSampledSize(t *testing.T) {
	e := NewEngine(Options{Logger: zaptest.NewLogger(t)})
	res, err := decodeWith(t, e, pngBytes(t, 101, 51), request.WithSize(50, 50))
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.Info.MimeType)
	assert.Equal(t, image.Pt(50, 25), image.Pt(res.Bitmap.Width, res.Bitmap.Height))
}

func TestEngineMaxBitmapSize(t *testing.T) {
	e := NewEngine(Options{MaxBitmapSize: request.Size{Width: 400, Height: 400}, Logger: zaptest.NewLogger(t)})
	res, err := decodeWith(t, e, jpegBytes(t, 1291, 1936))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(162, 242), image.Pt(res.Bitmap.Width, res.Bitmap.Height))
	assert.Equal(t, []string{"Subsampling(8)"}, keys(res.Transformeds))
}

func TestEnginePixelFormat(t *testing.T) {
	e := NewEngine(Options{Logger: zaptest.NewLogger(t)})
	res, err := decodeWith(t, e, pngBytes(t, 20, 10), request.WithPixelFormat(bitmap.FormatGray))
	require.NoError(t, err)
	assert.Equal(t, bitmap.FormatGray, res.Bitmap.Format)
	assert.Len(t, res.Bitmap.Pix, 200)
}

func TestEngineDecodeErrors(t *testing.T) {
	e := NewEngine(Options{Logger: zaptest.NewLogger(t)})

	_, err := decodeWith(t, e, []byte("definitely not an image"))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "test://image", de.URI)

	truncated := jpegBytes(t, 64, 64)[:200]
	_, err = decodeWith(t, e, truncated)
	assert.ErrorAs(t, err, &de)
}

// reuseFailing fails the first decode that is offered a pool.
type reuseFailing struct {
	StdPrimitive
	calls  int
	pooled []bool
}

func (p *reuseFailing) DecodeFull(src fetch.DataSource, cfg Config) (*bitmap.Bitmap, error) {
	p.calls++
	p.pooled = append(p.pooled, cfg.Pool != nil)
	if cfg.Pool != nil {
		return nil, ErrReuseFailed
	}
	return p.StdPrimitive.DecodeFull(src, cfg)
}

func TestEngineRetriesWithoutPoolOnReuseFailure(t *testing.T) {
	prim := &reuseFailing{}
	e := NewEngine(Options{
		Primitives: []Primitive{prim},
		Pool:       bitmap.NewPool(1<<20, zaptest.NewLogger(t)),
		Logger:     zaptest.NewLogger(t),
	})

	res, err := decodeWith(t, e, pngBytes(t, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, 8, res.Bitmap.Width)
	assert.Equal(t, []bool{true, false}, prim.pooled)
}

func TestEngineHonoursCancellation(t *testing.T) {
	e := NewEngine(Options{Workers: 1, Logger: zaptest.NewLogger(t)})
	require.NoError(t, e.workers.Acquire(context.Background(), 1))
	defer e.workers.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := request.New("test://image")
	rc, err := request.NewContext(ctx, req, request.Components{})
	require.NoError(t, err)

	_, err = e.Decode(ctx, rc, &fetch.Result{Source: fetch.NewByteSource(pngBytes(t, 8, 8), request.FromLocal)})
	assert.True(t, errors.Is(err, context.Canceled))
}

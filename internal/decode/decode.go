// Package decode turns fetched bytes into a sized, oriented bitmap. The
// codec work is delegated to a Primitive; the Engine owns the geometry.
package decode

import (
	"errors"
	"fmt"
	"image"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
)

// ErrReuseFailed marks a decode failure caused by a reused pool buffer. The
// engine retries such failures once with a fresh allocation.
var ErrReuseFailed = errors.New("decode: reused buffer rejected")

// DecodeError reports corrupt or unsupported data, a zero sized result or
// invalid crop geometry. It is never retried.
type DecodeError struct {
	URI string
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	if e.URI == "" {
		return fmt.Sprintf("decode %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("decode %s: %s: %v", e.URI, e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Bounds is what a primitive reports without materializing pixels.
type Bounds struct {
	Width    int
	Height   int
	MimeType string
}

// Config tells a primitive what to produce. Width and Height are the exact
// output dimensions: the decoded area divided by SampleSize.
type Config struct {
	SampleSize int
	Width      int
	Height     int
	Format     bitmap.Format
	// Pool may be nil, in which case buffers are freshly allocated.
	Pool *bitmap.Pool
	// Quality selects a slower, higher quality downscale.
	Quality bool
}

// Primitive is a platform codec able to probe and decode whole images or
// rectangular regions at a subsampling factor.
type Primitive interface {
	Key() string
	Accept(mimeType string) bool
	ProbeBounds(src fetch.DataSource) (Bounds, error)
	SupportsRegion(mimeType string) bool
	DecodeFull(src fetch.DataSource, cfg Config) (*bitmap.Bitmap, error)
	DecodeRegion(src fetch.DataSource, rect image.Rectangle, cfg Config) (*bitmap.Bitmap, error)
}

// ImageInfo describes the source image as stored, before orientation.
type ImageInfo struct {
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	MimeType        string `json:"mimeType"`
	ExifOrientation int    `json:"exifOrientation"`
}

func (i ImageInfo) String() string {
	return fmt.Sprintf("ImageInfo(%dx%d,%s,exif=%d)", i.Width, i.Height, i.MimeType, i.ExifOrientation)
}

// Transformed records an operation applied while producing a result.
// WorthCache marks operations that are expensive enough to persist.
type Transformed struct {
	Key        string `json:"key"`
	WorthCache bool   `json:"worthCache"`
}

func SubsamplingTransformed(sampleSize int) Transformed {
	return Transformed{Key: fmt.Sprintf("Subsampling(%d)", sampleSize), WorthCache: true}
}

func RegionTransformed(r image.Rectangle) Transformed {
	return Transformed{Key: fmt.Sprintf("Region(%d,%d,%d,%d)", r.Min.X, r.Min.Y, r.Dx(), r.Dy()), WorthCache: true}
}

func ExifTransformed(o ExifOrientation) Transformed {
	return Transformed{Key: fmt.Sprintf("ExifOrientation(%d)", int(o)), WorthCache: true}
}

func ResizeTransformed(size request.Size, precision request.Precision, scale request.Scale) Transformed {
	return Transformed{Key: fmt.Sprintf("Resize(%s,%s,%s)", size, precision, scale), WorthCache: true}
}

// WorthCaching reports whether any entry should be persisted.
func WorthCaching(ts []Transformed) bool {
	for _, t := range ts {
		if t.WorthCache {
			return true
		}
	}
	return false
}

// Result is a decoded image plus how it was produced.
type Result struct {
	Bitmap       *bitmap.Bitmap
	Info         ImageInfo
	From         request.DataFrom
	Transformeds []Transformed
}

// Package libvips decodes through libvips. Loads are lazy and use random
// access, so region decodes of large images never materialize the whole
// image.
package libvips

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/decode"
	"pixelflow/internal/fetch"
)

var mimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/tiff": true,
}

// Primitive implements decode.Primitive on top of vipsgen. vips.Startup must
// have been called before use.
type Primitive struct {
	tmpDir string
	logger *zap.Logger
}

// New creates a primitive that spills in-memory sources to tmpDir.
func New(tmpDir string, logger *zap.Logger) *Primitive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Primitive{tmpDir: tmpDir, logger: logger}
}

func (p *Primitive) Key() string {
	return "VipsDecoder"
}

func (p *Primitive) Accept(mimeType string) bool {
	return mimeTypes[mimeType]
}

func (p *Primitive) SupportsRegion(mimeType string) bool {
	return mimeTypes[mimeType]
}

func (p *Primitive) ProbeBounds(src fetch.DataSource) (decode.Bounds, error) {
	mimeType, err := decode.SniffMimeType(src)
	if err != nil {
		return decode.Bounds{}, err
	}
	img, cleanup, err := p.open(src, mimeType, vips.AccessSequential)
	if err != nil {
		return decode.Bounds{}, err
	}
	defer cleanup()
	defer img.Close()

	return decode.Bounds{Width: img.Width(), Height: img.Height(), MimeType: mimeType}, nil
}

func (p *Primitive) DecodeFull(src fetch.DataSource, cfg decode.Config) (*bitmap.Bitmap, error) {
	return p.decode(src, nil, cfg)
}

func (p *Primitive) DecodeRegion(src fetch.DataSource, rect image.Rectangle, cfg decode.Config) (*bitmap.Bitmap, error) {
	return p.decode(src, &rect, cfg)
}

func (p *Primitive) decode(src fetch.DataSource, rect *image.Rectangle, cfg decode.Config) (*bitmap.Bitmap, error) {
	mimeType, err := decode.SniffMimeType(src)
	if err != nil {
		return nil, err
	}
	img, cleanup, err := p.open(src, mimeType, vips.AccessRandom)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	defer img.Close()

	// Step 1: Extract the region. The load is lazy, so only the strips
	// covering the region are read.
	if rect != nil {
		bounds := image.Rect(0, 0, img.Width(), img.Height())
		if rect.Empty() || !rect.In(bounds) {
			return nil, &decode.DecodeError{Op: "region", Err: fmt.Errorf("region %v outside image bounds %v", *rect, bounds)}
		}
		if err := img.ExtractArea(rect.Min.X, rect.Min.Y, rect.Dx(), rect.Dy()); err != nil {
			return nil, &decode.DecodeError{Op: "region", Err: err}
		}
	}

	// Step 2: Scale to the sampled size, then trim or extend the rounding
	// remainder so the output is exactly cfg.Width x cfg.Height.
	if img.Width() != cfg.Width {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(float64(cfg.Width)/float64(img.Width()), resizeOpts); err != nil {
			return nil, &decode.DecodeError{Op: "resize", Err: err}
		}
	}
	if img.Width() > cfg.Width || img.Height() > cfg.Height {
		if err := img.ExtractArea(0, 0, min(img.Width(), cfg.Width), min(img.Height(), cfg.Height)); err != nil {
			return nil, &decode.DecodeError{Op: "resize", Err: err}
		}
	}
	if img.Width() < cfg.Width || img.Height() < cfg.Height {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendCopy
		if err := img.Embed(0, 0, cfg.Width, cfg.Height, embedOpts); err != nil {
			return nil, &decode.DecodeError{Op: "resize", Err: err}
		}
	}

	// Step 3: Hand the pixels over losslessly.
	data, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, &decode.DecodeError{Op: "export", Err: err}
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &decode.DecodeError{Op: "export", Err: err}
	}
	return bitmap.FromImage(cfg.Pool, decoded, cfg.Format), nil
}

// open loads src, writing in-memory data to a temp file first. The returned
// cleanup removes that file.
func (p *Primitive) open(src fetch.DataSource, mimeType string, access vips.Access) (*vips.Image, func(), error) {
	noop := func() {}
	if fs, ok := src.(*fetch.FileSource); ok {
		img, err := load(fs.Path(), mimeType, access)
		return img, noop, err
	}

	data, err := src.Bytes()
	if err != nil {
		return nil, noop, err
	}
	f, err := os.CreateTemp(p.tmpDir, "vips-*")
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return nil, noop, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, noop, err
	}

	img, err := load(f.Name(), mimeType, access)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return img, cleanup, nil
}

// load picks the loader by mime type
func load(path, mimeType string, access vips.Access) (*vips.Image, error) {
	var img *vips.Image
	var err error
	switch mimeType {
	case "image/tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		img, err = vips.NewTiffload(path, opts)
	case "image/jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		img, err = vips.NewJpegload(path, opts)
	case "image/png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		img, err = vips.NewPngload(path, opts)
	case "image/webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		img, err = vips.NewWebpload(path, opts)
	default:
		return nil, &decode.DecodeError{Op: "load", Err: fmt.Errorf("unsupported image format: %s", mimeType)}
	}
	if err != nil {
		return nil, &decode.DecodeError{Op: "load", Err: err}
	}
	return img, nil
}

package decode

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/fetch"
)

var stdMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// StdPrimitive decodes with the Go image packages. Regions are cut from the
// fully decoded image, so it saves memory only through subsampling.
type StdPrimitive struct{}

func (StdPrimitive) Key() string {
	return "StdDecoder"
}

func (StdPrimitive) Accept(mimeType string) bool {
	return stdMimeTypes[mimeType]
}

// SupportsRegion excludes gif, whose frames are decoded whole.
func (StdPrimitive) SupportsRegion(mimeType string) bool {
	return stdMimeTypes[mimeType] && mimeType != "image/gif"
}

func (StdPrimitive) ProbeBounds(src fetch.DataSource) (Bounds, error) {
	r, err := src.Open()
	if err != nil {
		return Bounds{}, err
	}
	defer r.Close()

	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return Bounds{}, &DecodeError{Op: "probe", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Bounds{}, &DecodeError{Op: "probe", Err: fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)}
	}
	return Bounds{Width: cfg.Width, Height: cfg.Height, MimeType: "image/" + format}, nil
}

func (p StdPrimitive) DecodeFull(src fetch.DataSource, cfg Config) (*bitmap.Bitmap, error) {
	img, err := p.decode(src)
	if err != nil {
		return nil, err
	}
	return render(img, img.Bounds(), cfg)
}

func (p StdPrimitive) DecodeRegion(src fetch.DataSource, rect image.Rectangle, cfg Config) (*bitmap.Bitmap, error) {
	img, err := p.decode(src)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	region := rect.Add(bounds.Min)
	if region.Empty() || !region.In(bounds) {
		return nil, &DecodeError{Op: "region", Err: fmt.Errorf("region %v outside image bounds %v", rect, bounds.Sub(bounds.Min))}
	}
	return render(img, region, cfg)
}

func (StdPrimitive) decode(src fetch.DataSource) (image.Image, error) {
	r, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	img, err := imaging.Decode(r)
	if err != nil {
		return nil, &DecodeError{Op: "decode", Err: err}
	}
	return img, nil
}

// render copies the r part of img into a cfg.Width x cfg.Height buffer.
func render(img image.Image, r image.Rectangle, cfg Config) (*bitmap.Bitmap, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Op: "render", Err: errors.New("zero sized output")}
	}
	out := bitmap.Obtain(cfg.Pool, cfg.Width, cfg.Height, cfg.Format)
	if r.Dx() == cfg.Width && r.Dy() == cfg.Height {
		draw.Draw(out.Image(), out.Bounds(), img, r.Min, draw.Src)
		return out, nil
	}
	var scaler xdraw.Scaler = xdraw.ApproxBiLinear
	if cfg.Quality {
		scaler = xdraw.CatmullRom
	}
	scaler.Scale(out.Image(), out.Bounds(), img, r, xdraw.Src, nil)
	return out, nil
}

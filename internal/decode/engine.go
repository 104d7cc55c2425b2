package decode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/semaphore"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
)

type Options struct {
	// Primitives are tried in order; the first that accepts the mime type wins.
	Primitives []Primitive
	Pool       *bitmap.Pool
	// Workers bounds concurrent decodes. Zero means one per CPU.
	Workers int
	// MaxBitmapSize caps decoded dimensions through subsampling.
	MaxBitmapSize request.Size
	Logger        *zap.Logger
}

// Engine decides how to decode a fetched image for a request and runs the
// decode on a bounded worker pool.
type Engine struct {
	primitives []Primitive
	pool       *bitmap.Pool
	workers    *semaphore.Weighted
	maxSize    request.Size
	logger     *zap.Logger
}

func NewEngine(opts Options) *Engine {
	primitives := opts.Primitives
	if len(primitives) == 0 {
		primitives = []Primitive{StdPrimitive{}}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		primitives: primitives,
		pool:       opts.Pool,
		workers:    semaphore.NewWeighted(int64(workers)),
		maxSize:    opts.MaxBitmapSize,
		logger:     logger,
	}
}

// Keys lists primitive identities; they are part of the cache key.
func (e *Engine) Keys() []string {
	keys := make([]string, len(e.primitives))
	for i, p := range e.primitives {
		keys[i] = p.Key()
	}
	return keys
}

func (e *Engine) Pool() *bitmap.Pool {
	return e.pool
}

// Primitive returns the primitive handling mimeType, or nil.
func (e *Engine) Primitive(mimeType string) Primitive {
	for _, p := range e.primitives {
		if p.Accept(mimeType) {
			return p
		}
	}
	return nil
}

// Probe identifies the format of src and reads its bounds and orientation.
func (e *Engine) Probe(src fetch.DataSource, declaredMime string, ignoreExif bool) (Primitive, ImageInfo, error) {
	mimeType, err := SniffMimeType(src)
	if err != nil {
		return nil, ImageInfo{}, &DecodeError{Op: "sniff", Err: err}
	}
	if !IsImageMime(mimeType) && IsImageMime(declaredMime) {
		mimeType = declaredMime
	}
	prim := e.Primitive(mimeType)
	if prim == nil {
		return nil, ImageInfo{}, &DecodeError{Op: "select", Err: fmt.Errorf("no decoder for %q", mimeType)}
	}
	bounds, err := prim.ProbeBounds(src)
	if err != nil {
		return nil, ImageInfo{}, err
	}

	orientation := OrientationNormal
	if !ignoreExif {
		if r, err := src.Open(); err == nil {
			orientation = ReadExifOrientation(r)
			r.Close()
		}
	}
	return prim, ImageInfo{
		Width:           bounds.Width,
		Height:          bounds.Height,
		MimeType:        bounds.MimeType,
		ExifOrientation: int(orientation),
	}, nil
}

// Decode produces the bitmap for rc's current request from res.
func (e *Engine) Decode(ctx context.Context, rc *request.Context, res *fetch.Result) (*Result, error) {
	req := rc.Request()
	hints := req.DecodeHints()

	prim, info, err := e.Probe(res.Source, res.MimeType, hints.IgnoreExifOrientation)
	if err != nil {
		return nil, withURI(err, req.URI())
	}

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.workers.Release(1)

	pool := e.pool
	if req.DisallowReuseBitmap() {
		pool = nil
	}
	p := plan{
		prim:        prim,
		src:         res.Source,
		info:        info,
		orientation: ExifOrientation(info.ExifOrientation),
		target:      rc.TargetSize(),
		precision:   req.Precision(),
		scale:       req.Scale(),
		hints:       hints,
	}

	b, ts, err := e.run(ctx, p, pool)
	if errors.Is(err, ErrReuseFailed) && pool != nil {
		e.logger.Debug("Retrying decode without buffer reuse", zap.String("uri", req.URI()))
		b, ts, err = e.run(ctx, p, nil)
	}
	if err != nil {
		return nil, withURI(err, req.URI())
	}

	e.logger.Debug("Decoded",
		zap.String("uri", req.URI()),
		zap.Stringer("info", info),
		zap.Stringer("bitmap", b),
		zap.Int("transformations", len(ts)))
	return &Result{Bitmap: b, Info: info, From: res.Source.From(), Transformeds: ts}, nil
}

type plan struct {
	prim        Primitive
	src         fetch.DataSource
	info        ImageInfo
	orientation ExifOrientation
	target      request.Size
	precision   request.Precision
	scale       request.Scale
	hints       request.DecodeHints
}

func (e *Engine) run(ctx context.Context, p plan, pool *bitmap.Pool) (*bitmap.Bitmap, []Transformed, error) {
	var ts []Transformed
	mimeType := p.info.MimeType
	srcW, srcH := p.info.Width, p.info.Height
	full := image.Rect(0, 0, srcW, srcH)
	hasTarget := !p.target.IsEmpty()

	// the crop is computed in displayed space and mapped back to stored space
	region := full
	if hasTarget && p.precision != request.LessPixels {
		dispW, dispH := p.orientation.ApplyToSize(srcW, srcH)
		m := CalculateResizeMapping(dispW, dispH, p.target.Width, p.target.Height, p.precision, p.scale)
		region = p.orientation.ReverseRect(m.SrcRect, srcW, srcH)
	}
	useRegion := region != full && p.prim.SupportsRegion(mimeType)

	targetW, targetH := p.orientation.ReverseSize(p.target.Width, p.target.Height)
	cfg := Config{
		SampleSize: 1,
		Format:     p.hints.PixelFormat,
		Pool:       pool,
		Quality:    p.hints.PreferQualityOverSpeed,
	}
	if useRegion {
		if hasTarget {
			cfg.SampleSize = CalculateSampleSize(region.Dx(), region.Dy(), targetW, targetH, mimeType, true)
		}
		cfg.SampleSize = max(cfg.SampleSize, e.maxSample(region.Dx(), region.Dy(), mimeType, true))
		cfg.Width, cfg.Height = CalculateSampledSizeForRegion(region.Dx(), region.Dy(), cfg.SampleSize)
	} else {
		if hasTarget {
			cfg.SampleSize = CalculateSampleSize(srcW, srcH, targetW, targetH, mimeType, false)
		}
		cfg.SampleSize = max(cfg.SampleSize, e.maxSample(srcW, srcH, mimeType, false))
		cfg.Width, cfg.Height = CalculateSampledSize(srcW, srcH, cfg.SampleSize, mimeType)
	}
	cfg.Width, cfg.Height = max(cfg.Width, 1), max(cfg.Height, 1)

	var b *bitmap.Bitmap
	var err error
	if useRegion {
		b, err = p.prim.DecodeRegion(p.src, region, cfg)
		ts = append(ts, RegionTransformed(region))
	} else {
		b, err = p.prim.DecodeFull(p.src, cfg)
	}
	if err != nil {
		return nil, nil, err
	}
	if b.Width <= 0 || b.Height <= 0 {
		pool.Free(b)
		return nil, nil, &DecodeError{Op: "decode", Err: errors.New("zero sized result")}
	}
	if cfg.SampleSize > 1 {
		ts = append(ts, SubsamplingTransformed(cfg.SampleSize))
	}
	if err := ctx.Err(); err != nil {
		pool.Free(b)
		return nil, nil, err
	}

	if !p.orientation.IsIdentity() {
		oriented := p.orientation.Apply(b, pool)
		pool.Free(b)
		b = oriented
		ts = append(ts, ExifTransformed(p.orientation))
	}

	if hasTarget {
		var resized bool
		b, resized = resize(b, p, pool)
		if resized {
			ts = append(ts, ResizeTransformed(p.target, p.precision, p.scale))
		}
	}
	return b, ts, nil
}

// resize fits b to the target. LESS_PIXELS only ever shrinks what subsampling
// left too large; the other precisions apply the full mapping.
func resize(b *bitmap.Bitmap, p plan, pool *bitmap.Pool) (*bitmap.Bitmap, bool) {
	tw, th := p.target.Width, p.target.Height
	if p.precision == request.LessPixels &&
		CalculateSampleSize(b.Width, b.Height, tw, th, p.info.MimeType, false) == 1 {
		return b, false
	}
	m := CalculateResizeMapping(b.Width, b.Height, tw, th, p.precision, p.scale)
	if m.NewSize.Width == b.Width && m.NewSize.Height == b.Height && m.SrcRect == b.Bounds() {
		return b, false
	}

	out := bitmap.Obtain(pool, m.NewSize.Width, m.NewSize.Height, b.Format)
	var scaler xdraw.Scaler = xdraw.ApproxBiLinear
	if p.hints.PreferQualityOverSpeed {
		scaler = xdraw.CatmullRom
	}
	scaler.Scale(out.Image(), out.Bounds(), b.Image(), m.SrcRect, xdraw.Src, nil)
	pool.Free(b)
	return out, true
}

func (e *Engine) maxSample(width, height int, mimeType string, region bool) int {
	if e.maxSize.IsEmpty() {
		return 1
	}
	return CalculateSampleSize(width, height, e.maxSize.Width, e.maxSize.Height, mimeType, region)
}

func withURI(err error, uri string) error {
	var de *DecodeError
	if errors.As(err, &de) && de.URI == "" {
		de.URI = uri
	}
	return err
}

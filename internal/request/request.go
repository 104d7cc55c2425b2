// Package request models image requests, the per-execution RequestContext and
// the keys derived from them.
package request

import (
	"strings"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/transform"
)

// DecodeHints are decode options that change the produced pixels.
type DecodeHints struct {
	PixelFormat            bitmap.Format
	ColorSpace             string
	IgnoreExifOrientation  bool
	PreferQualityOverSpeed bool
}

func (h DecodeHints) IsDefault() bool {
	return h == DecodeHints{}
}

func (h DecodeHints) Key() string {
	var parts []string
	if h.PixelFormat != bitmap.FormatNRGBA {
		parts = append(parts, "pixelFormat:"+h.PixelFormat.String())
	}
	if h.ColorSpace != "" {
		parts = append(parts, "colorSpace:"+h.ColorSpace)
	}
	if h.IgnoreExifOrientation {
		parts = append(parts, "ignoreExifOrientation")
	}
	if h.PreferQualityOverSpeed {
		parts = append(parts, "preferQualityOverSpeed")
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ImageRequest is an immutable description of one image load. Use New and
// NewRequest to build values; never mutate one after construction.
type ImageRequest struct {
	uri                   string
	depth                 Depth
	depthFrom             string
	parameters            Parameters
	httpHeaders           map[string]string
	downloadCachePolicy   CachePolicy
	resultCachePolicy     CachePolicy
	memoryCachePolicy     CachePolicy
	sizeResolver          SizeResolver
	sizeMultiplier        float64
	precision             Precision
	scale                 Scale
	transformations       []transform.Transformation
	disallowAnimatedImage bool
	resizeOnDraw          bool
	transition            string
	hints                 DecodeHints
	disallowReuseBitmap   bool
	placeholder           StateImage
	errorImage            StateImage
	listener              Listener
}

// Option sets one field while building a request.
type Option func(*ImageRequest)

// New builds a request for uri.
func New(uri string, opts ...Option) *ImageRequest {
	r := &ImageRequest{
		uri:            uri,
		sizeMultiplier: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRequest returns a copy of r with opts applied.
func (r *ImageRequest) NewRequest(opts ...Option) *ImageRequest {
	c := *r
	if r.httpHeaders != nil {
		c.httpHeaders = make(map[string]string, len(r.httpHeaders))
		for k, v := range r.httpHeaders {
			c.httpHeaders[k] = v
		}
	}
	c.transformations = append([]transform.Transformation(nil), r.transformations...)
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

func (r *ImageRequest) URI() string { return r.uri }
func (r *ImageRequest) Depth() Depth { return r.depth }
func (r *ImageRequest) DepthFrom() string { return r.depthFrom }
func (r *ImageRequest) Parameters() Parameters { return r.parameters }
func (r *ImageRequest) DownloadCachePolicy() CachePolicy { return r.downloadCachePolicy }
func (r *ImageRequest) ResultCachePolicy() CachePolicy { return r.resultCachePolicy }
func (r *ImageRequest) MemoryCachePolicy() CachePolicy { return r.memoryCachePolicy }
func (r *ImageRequest) SizeResolver() SizeResolver { return r.sizeResolver }
func (r *ImageRequest) SizeMultiplier() float64 { return r.sizeMultiplier }
func (r *ImageRequest) Precision() Precision { return r.precision }
func (r *ImageRequest) Scale() Scale { return r.scale }
func (r *ImageRequest) DisallowAnimatedImage() bool { return r.disallowAnimatedImage }
func (r *ImageRequest) ResizeOnDraw() bool { return r.resizeOnDraw }
func (r *ImageRequest) Transition() string { return r.transition }
func (r *ImageRequest) DecodeHints() DecodeHints { return r.hints }
func (r *ImageRequest) DisallowReuseBitmap() bool { return r.disallowReuseBitmap }
func (r *ImageRequest) Placeholder() StateImage { return r.placeholder }
func (r *ImageRequest) ErrorImage() StateImage { return r.errorImage }
func (r *ImageRequest) Listener() Listener { return r.listener }

// HTTPHeaders returns a copy of the request headers.
func (r *ImageRequest) HTTPHeaders() map[string]string {
	out := make(map[string]string, len(r.httpHeaders))
	for k, v := range r.httpHeaders {
		out[k] = v
	}
	return out
}

func (r *ImageRequest) Transformations() []transform.Transformation {
	return append([]transform.Transformation(nil), r.transformations...)
}

// IsBlank reports whether the request has no usable locator.
func (r *ImageRequest) IsBlank() bool {
	return strings.TrimSpace(r.uri) == ""
}

func WithDepth(d Depth, from string) Option {
	return func(r *ImageRequest) {
		r.depth = d
		r.depthFrom = from
	}
}

func WithParameter(name, value string, cacheKey bool) Option {
	return func(r *ImageRequest) {
		r.parameters = r.parameters.With(name, value, cacheKey)
	}
}

func WithHTTPHeader(name, value string) Option {
	return func(r *ImageRequest) {
		if r.httpHeaders == nil {
			r.httpHeaders = make(map[string]string)
		}
		r.httpHeaders[canonicalHeader(name)] = value
	}
}

func WithDownloadCachePolicy(p CachePolicy) Option {
	return func(r *ImageRequest) { r.downloadCachePolicy = p }
}

func WithResultCachePolicy(p CachePolicy) Option {
	return func(r *ImageRequest) { r.resultCachePolicy = p }
}

func WithMemoryCachePolicy(p CachePolicy) Option {
	return func(r *ImageRequest) { r.memoryCachePolicy = p }
}

// WithCachePolicy sets all three tiers at once.
func WithCachePolicy(p CachePolicy) Option {
	return func(r *ImageRequest) {
		r.downloadCachePolicy = p
		r.resultCachePolicy = p
		r.memoryCachePolicy = p
	}
}

func WithSize(width, height int) Option {
	return func(r *ImageRequest) { r.sizeResolver = FixedSize(width, height) }
}

func WithSizeResolver(resolver SizeResolver) Option {
	return func(r *ImageRequest) { r.sizeResolver = resolver }
}

func WithSizeMultiplier(m float64) Option {
	return func(r *ImageRequest) { r.sizeMultiplier = m }
}

func WithPrecision(p Precision) Option {
	return func(r *ImageRequest) { r.precision = p }
}

func WithScale(s Scale) Option {
	return func(r *ImageRequest) { r.scale = s }
}

// WithTransformations replaces the transformation list.
func WithTransformations(ts ...transform.Transformation) Option {
	return func(r *ImageRequest) {
		r.transformations = append([]transform.Transformation(nil), ts...)
	}
}

// AddTransformations appends to the transformation list.
func AddTransformations(ts ...transform.Transformation) Option {
	return func(r *ImageRequest) {
		r.transformations = append(r.transformations, ts...)
	}
}

func WithDisallowAnimatedImage(v bool) Option {
	return func(r *ImageRequest) { r.disallowAnimatedImage = v }
}

func WithResizeOnDraw(v bool) Option {
	return func(r *ImageRequest) { r.resizeOnDraw = v }
}

func WithTransition(key string) Option {
	return func(r *ImageRequest) { r.transition = key }
}

func WithPixelFormat(f bitmap.Format) Option {
	return func(r *ImageRequest) { r.hints.PixelFormat = f }
}

func WithColorSpace(cs string) Option {
	return func(r *ImageRequest) { r.hints.ColorSpace = cs }
}

func WithIgnoreExifOrientation(v bool) Option {
	return func(r *ImageRequest) { r.hints.IgnoreExifOrientation = v }
}

func WithPreferQualityOverSpeed(v bool) Option {
	return func(r *ImageRequest) { r.hints.PreferQualityOverSpeed = v }
}

func WithDisallowReuseBitmap(v bool) Option {
	return func(r *ImageRequest) { r.disallowReuseBitmap = v }
}

func WithPlaceholder(s StateImage) Option {
	return func(r *ImageRequest) { r.placeholder = s }
}

func WithErrorImage(s StateImage) Option {
	return func(r *ImageRequest) { r.errorImage = s }
}

func WithListener(l Listener) Option {
	return func(r *ImageRequest) { r.listener = l }
}

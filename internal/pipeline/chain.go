package pipeline

import (
	"context"
	"sort"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/decode"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
)

// ImageData is what the request chain produces. Image carries one reference
// owned by whoever holds the ImageData; it must be handed on or released.
type ImageData struct {
	Image        *bitmap.RefCounted
	Info         decode.ImageInfo
	From         request.DataFrom
	Transformeds []decode.Transformed
}

// imageExtras travels with images through the memory cache.
type imageExtras struct {
	Info         decode.ImageInfo
	Transformeds []decode.Transformed
}

// RequestInterceptor is a stage of the request chain. It either returns
// without calling Proceed or calls it exactly once, possibly with a
// rewritten request.
type RequestInterceptor interface {
	Key() string
	SortWeight() int
	Intercept(ctx context.Context, chain *RequestChain) (*ImageData, error)
}

// DecodeInterceptor is a stage of the decode chain.
type DecodeInterceptor interface {
	Key() string
	SortWeight() int
	Intercept(ctx context.Context, chain *DecodeChain) (*decode.Result, error)
}

// RequestChain is the position of one stage in the request chain.
type RequestChain struct {
	engine       *Engine
	interceptors []RequestInterceptor
	index        int
	request      *request.ImageRequest
	rc           *request.Context

	// imageKey names the produced image. The memory cache sets it to its
	// slot key, which later stages must not change.
	imageKey string
}

func (c *RequestChain) Request() *request.ImageRequest {
	return c.request
}

func (c *RequestChain) Context() *request.Context {
	return c.rc
}

func (c *RequestChain) Engine() *Engine {
	return c.engine
}

// Proceed runs the next stage with req, which becomes the context's
// current request.
func (c *RequestChain) Proceed(ctx context.Context, req *request.ImageRequest) (*ImageData, error) {
	if err := c.rc.SetRequest(ctx, req); err != nil {
		return nil, err
	}
	next := *c
	next.index = c.index + 1
	next.request = req
	return c.interceptors[c.index].Intercept(ctx, &next)
}

// DecodeChain is the position of one stage in the decode chain. A stage
// that already fetched the source passes it on so later stages can skip
// the fetch.
type DecodeChain struct {
	engine       *Engine
	interceptors []DecodeInterceptor
	index        int
	request      *request.ImageRequest
	rc           *request.Context
	fetchResult  *fetch.Result
}

func (c *DecodeChain) Request() *request.ImageRequest {
	return c.request
}

func (c *DecodeChain) Context() *request.Context {
	return c.rc
}

func (c *DecodeChain) Engine() *Engine {
	return c.engine
}

func (c *DecodeChain) FetchResult() *fetch.Result {
	return c.fetchResult
}

// WithFetchResult returns a copy of the chain carrying res.
func (c *DecodeChain) WithFetchResult(res *fetch.Result) *DecodeChain {
	next := *c
	next.fetchResult = res
	return &next
}

func (c *DecodeChain) Proceed(ctx context.Context) (*decode.Result, error) {
	next := *c
	next.index = c.index + 1
	return c.interceptors[c.index].Intercept(ctx, &next)
}

// sortRequestInterceptors orders by ascending weight, keeping registration
// order for ties.
func sortRequestInterceptors(is []RequestInterceptor) []RequestInterceptor {
	out := append([]RequestInterceptor(nil), is...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortWeight() < out[j].SortWeight() })
	return out
}

func sortDecodeInterceptors(is []DecodeInterceptor) []DecodeInterceptor {
	out := append([]DecodeInterceptor(nil), is...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortWeight() < out[j].SortWeight() })
	return out
}

// fetchStage ends the request chain: it runs the decode chain and wraps the
// bitmap for sharing.
type fetchStage struct{}

func (fetchStage) Key() string { return "EngineRequestInterceptor" }

func (fetchStage) SortWeight() int { return 100 }

func (fetchStage) Intercept(ctx context.Context, chain *RequestChain) (*ImageData, error) {
	e := chain.engine
	dc := &DecodeChain{
		engine:       e,
		interceptors: e.decodeInterceptors,
		request:      chain.request,
		rc:           chain.rc,
	}
	res, err := dc.Proceed(ctx)
	if err != nil {
		return nil, err
	}

	key := chain.imageKey
	if key == "" {
		key = chain.rc.CacheKey()
	}
	img := bitmap.NewRefCounted(key, res.Bitmap, e.pool)
	img.SetExtras(&imageExtras{Info: res.Info, Transformeds: res.Transformeds})
	img.Retain()
	return &ImageData{
		Image:        img,
		Info:         res.Info,
		From:         res.From,
		Transformeds: res.Transformeds,
	}, nil
}

// decodeStage ends the decode chain: fetch unless already fetched, then
// decode.
type decodeStage struct{}

func (decodeStage) Key() string { return "EngineDecodeInterceptor" }

func (decodeStage) SortWeight() int { return 100 }

func (decodeStage) Intercept(ctx context.Context, chain *DecodeChain) (*decode.Result, error) {
	e := chain.engine
	fr := chain.fetchResult
	if fr == nil {
		f, err := e.fetchers.For(chain.request.URI())
		if err != nil {
			return nil, err
		}
		fr, err = f.Fetch(ctx, chain.request)
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.decoder.Decode(ctx, chain.rc, fr)
}

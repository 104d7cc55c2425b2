// Package pipeline runs image requests through the interceptor chains and
// the three cache tiers.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/cache"
	"pixelflow/internal/codec"
	"pixelflow/internal/decode"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
)

// ErrInvalidRequest is returned for requests that cannot be executed at all.
var ErrInvalidRequest = errors.New("invalid image request")

type Options struct {
	MemoryCache *cache.MemoryCache
	// ResultCache stores decoded and transformed bitmaps. Nil disables it.
	ResultCache cache.DiskStore
	// DownloadCache is only kept for stats; fetchers own the downloads.
	DownloadCache cache.DiskStore
	Pool          *bitmap.Pool
	Fetchers      *fetch.Registry
	Decoder       *decode.Engine
	// Codec encodes result cache blobs. Defaults to PNG.
	Codec codec.Codec
	// RequestInterceptors and DecodeInterceptors are added to the built-in
	// stages. Their keys become part of the cache key.
	RequestInterceptors []RequestInterceptor
	DecodeInterceptors  []DecodeInterceptor
	// Defaults are applied by NewRequest before the caller's options.
	Defaults []request.Option
	// Metered reports whether the network is currently metered.
	Metered func() bool
	Logger  *zap.Logger
}

// Engine executes image requests. Its configuration is fixed at New.
type Engine struct {
	memoryCache   *cache.MemoryCache
	resultCache   cache.DiskStore
	downloadCache cache.DiskStore
	pool          *bitmap.Pool
	fetchers      *fetch.Registry
	decoder       *decode.Engine
	codec         codec.Codec

	requestInterceptors []RequestInterceptor
	decodeInterceptors  []DecodeInterceptor
	components          request.Components
	defaults            []request.Option
	logger              *zap.Logger
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	memoryCache := opts.MemoryCache
	if memoryCache == nil {
		memoryCache = cache.NewMemoryCache(0, logger)
	}
	resultCache := opts.ResultCache
	if resultCache == nil {
		resultCache = cache.NewNoopDiskCache()
	}
	downloadCache := opts.DownloadCache
	if downloadCache == nil {
		downloadCache = cache.NewNoopDiskCache()
	}
	fetchers := opts.Fetchers
	if fetchers == nil {
		fetchers = fetch.NewRegistry()
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decode.NewEngine(decode.Options{Pool: opts.Pool, Logger: logger})
	}
	c := opts.Codec
	if c == nil {
		c = codec.PNG{}
	}

	e := &Engine{
		memoryCache:   memoryCache,
		resultCache:   resultCache,
		downloadCache: downloadCache,
		pool:          opts.Pool,
		fetchers:      fetchers,
		decoder:       decoder,
		codec:         c,
		defaults:      append([]request.Option(nil), opts.Defaults...),
		logger:        logger,
	}

	e.components = request.Components{Decoders: decoder.Keys()}
	for _, i := range opts.RequestInterceptors {
		e.components.RequestInterceptors = append(e.components.RequestInterceptors, i.Key())
	}
	for _, i := range opts.DecodeInterceptors {
		e.components.DecodeInterceptors = append(e.components.DecodeInterceptors, i.Key())
	}

	requestInterceptors := append([]RequestInterceptor{
		NewMemoryCacheInterceptor(memoryCache, logger),
		NewSaveTrafficInterceptor(opts.Metered),
	}, opts.RequestInterceptors...)
	e.requestInterceptors = append(sortRequestInterceptors(requestInterceptors), fetchStage{})

	decodeInterceptors := append([]DecodeInterceptor{
		NewResultCacheInterceptor(resultCache, c, opts.Pool, logger),
		NewTransformationInterceptor(opts.Pool),
	}, opts.DecodeInterceptors...)
	e.decodeInterceptors = append(sortDecodeInterceptors(decodeInterceptors), decodeStage{})
	return e
}

// NewRequest builds a request for uri with the engine defaults applied
// first.
func (e *Engine) NewRequest(uri string, opts ...request.Option) *request.ImageRequest {
	all := append(append([]request.Option(nil), e.defaults...), opts...)
	return request.New(uri, all...)
}

func (e *Engine) MemoryCache() *cache.MemoryCache {
	return e.memoryCache
}

func (e *Engine) ResultCache() cache.DiskStore {
	return e.resultCache
}

func (e *Engine) Pool() *bitmap.Pool {
	return e.pool
}

func (e *Engine) Decoder() *decode.Engine {
	return e.decoder
}

func (e *Engine) Fetchers() *fetch.Registry {
	return e.fetchers
}

// Components returns the identities that take part in cache keys.
func (e *Engine) Components() request.Components {
	return e.components
}

// Stats is a snapshot of the engine's caches.
type Stats struct {
	MemoryCache       cache.Stats      `json:"memoryCache"`
	Pool              bitmap.PoolStats `json:"pool"`
	ResultCacheSize   int64            `json:"resultCacheSize"`
	DownloadCacheSize int64            `json:"downloadCacheSize"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		MemoryCache:       e.memoryCache.Stats(),
		Pool:              e.pool.Stats(),
		ResultCacheSize:   e.resultCache.Size(),
		DownloadCacheSize: e.downloadCache.Size(),
	}
}

// Result is the outcome of one execution: *Success, *Failure or
// *Cancelled.
type Result interface {
	result()
}

// Success carries the image with one reference owned by the receiver, who
// must call Release when done with it.
type Success struct {
	Request      *request.ImageRequest
	CacheKey     string
	Image        *bitmap.RefCounted
	Info         decode.ImageInfo
	From         request.DataFrom
	Transformeds []decode.Transformed
}

func (s *Success) Release() {
	s.Image.Release()
}

type Failure struct {
	Request *request.ImageRequest
	Err     error
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type Cancelled struct {
	Request *request.ImageRequest
}

func (*Success) result()   {}
func (*Failure) result()   {}
func (*Cancelled) result() {}

// Execute runs req to completion on the calling goroutine.
func (e *Engine) Execute(ctx context.Context, req *request.ImageRequest) Result {
	if req == nil || req.IsBlank() {
		err := ErrInvalidRequest
		if req != nil {
			if l := req.Listener(); l != nil {
				l.OnError(req, err)
			}
		}
		return &Failure{Request: req, Err: err}
	}

	listener := req.Listener()
	if listener != nil {
		listener.OnStart(req)
	}
	start := time.Now()

	data, rc, err := e.run(ctx, req)
	if err == nil && ctx.Err() != nil {
		data.Image.Release()
		err = ctx.Err()
	}
	if err != nil {
		// a done parent context, deadline included, cancels the request
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			e.logger.Debug("Image request cancelled", zap.String("uri", req.URI()))
			if listener != nil {
				listener.OnCancel(req)
			}
			return &Cancelled{Request: req}
		}
		e.logger.Warn("Image request failed", zap.String("uri", req.URI()), zap.Error(err))
		if listener != nil {
			listener.OnError(req, err)
		}
		return &Failure{Request: req, Err: err}
	}

	e.logger.Debug("Image request completed",
		zap.String("request_id", rc.ID()),
		zap.String("key", rc.CacheKey()),
		zap.Stringer("from", data.From),
		zap.Duration("duration", time.Since(start)))
	if listener != nil {
		listener.OnSuccess(req, data.From)
	}
	return &Success{
		Request:      req,
		CacheKey:     rc.CacheKey(),
		Image:        data.Image,
		Info:         data.Info,
		From:         data.From,
		Transformeds: data.Transformeds,
	}
}

func (e *Engine) run(ctx context.Context, req *request.ImageRequest) (*ImageData, *request.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	rc, err := request.NewContext(ctx, req, e.components)
	if err != nil {
		return nil, nil, err
	}
	chain := &RequestChain{
		engine:       e,
		interceptors: e.requestInterceptors,
		request:      req,
		rc:           rc,
	}
	data, err := chain.Proceed(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return data, rc, nil
}

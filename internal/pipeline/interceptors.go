package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/cache"
	"pixelflow/internal/codec"
	"pixelflow/internal/decode"
	"pixelflow/internal/request"
)

// SaveTrafficParameter turns on SaveTrafficInterceptor for a request.
const SaveTrafficParameter = "saveTraffic"

// MemoryCacheInterceptor serves and fills the memory cache. It holds the
// memory key lock for the whole check-compute-store sequence.
type MemoryCacheInterceptor struct {
	cache  *cache.MemoryCache
	logger *zap.Logger
}

func NewMemoryCacheInterceptor(c *cache.MemoryCache, logger *zap.Logger) *MemoryCacheInterceptor {
	return &MemoryCacheInterceptor{cache: c, logger: logger}
}

func (i *MemoryCacheInterceptor) Key() string { return "MemoryCacheRequestInterceptor" }

func (i *MemoryCacheInterceptor) SortWeight() int { return 90 }

func (i *MemoryCacheInterceptor) Intercept(ctx context.Context, chain *RequestChain) (*ImageData, error) {
	req := chain.Request()
	policy := req.MemoryCachePolicy()
	if policy.IsDisabled() {
		if req.Depth() == request.DepthMemory {
			return nil, &request.DepthError{Depth: req.Depth(), Reason: "memory cache is disabled"}
		}
		return chain.Proceed(ctx, req)
	}

	key := chain.Context().CacheKey()
	unlock, err := i.cache.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if policy.ReadEnabled() {
		if img := i.cache.Get(key); img != nil {
			data := &ImageData{Image: img, From: request.FromMemoryCache}
			if extras, ok := img.Extras().(*imageExtras); ok {
				data.Info = extras.Info
				data.Transformeds = extras.Transformeds
			}
			i.logger.Debug("Memory cache hit", zap.String("key", key))
			return data, nil
		}
	}
	if req.Depth() == request.DepthMemory {
		return nil, &request.DepthError{Depth: req.Depth(), Reason: "memory cache miss"}
	}

	chain.imageKey = key
	data, err := chain.Proceed(ctx, req)
	if err != nil {
		return nil, err
	}
	if policy.WriteEnabled() {
		if !i.cache.Put(key, data.Image) {
			i.logger.Debug("Image not cached in memory", zap.String("key", key), zap.Int64("bytes", data.Image.ByteCount()))
		}
	}
	return data, nil
}

// SaveTrafficInterceptor keeps requests off the network while the
// connection is metered, for requests that opt in with the saveTraffic
// parameter.
type SaveTrafficInterceptor struct {
	metered func() bool
}

func NewSaveTrafficInterceptor(metered func() bool) *SaveTrafficInterceptor {
	return &SaveTrafficInterceptor{metered: metered}
}

func (i *SaveTrafficInterceptor) Key() string { return "SaveTrafficRequestInterceptor" }

func (i *SaveTrafficInterceptor) SortWeight() int { return 80 }

func (i *SaveTrafficInterceptor) Intercept(ctx context.Context, chain *RequestChain) (*ImageData, error) {
	req := chain.Request()
	v, ok := req.Parameters().Get(SaveTrafficParameter)
	if ok && v == "true" && req.Depth() == request.DepthNetwork && i.metered != nil && i.metered() {
		req = req.NewRequest(request.WithDepth(request.DepthLocal, "saveTraffic"))
	}
	return chain.Proceed(ctx, req)
}

// resultMeta is the metadata blob of a result cache entry.
type resultMeta struct {
	decode.ImageInfo
	Transformeds []decode.Transformed `json:"appliedTransformations"`
	Codec        string               `json:"codec"`
	BitmapWidth  int                  `json:"bitmapWidth"`
	BitmapHeight int                  `json:"bitmapHeight"`
	BitmapFormat string               `json:"bitmapFormat"`
}

// ResultCacheInterceptor serves and fills the result disk cache. Only
// results produced by an expensive step are written.
type ResultCacheInterceptor struct {
	store  cache.DiskStore
	codec  codec.Codec
	pool   *bitmap.Pool
	logger *zap.Logger
}

func NewResultCacheInterceptor(store cache.DiskStore, c codec.Codec, pool *bitmap.Pool, logger *zap.Logger) *ResultCacheInterceptor {
	return &ResultCacheInterceptor{store: store, codec: c, pool: pool, logger: logger}
}

func (i *ResultCacheInterceptor) Key() string { return "ResultCacheDecodeInterceptor" }

func (i *ResultCacheInterceptor) SortWeight() int { return 80 }

func (i *ResultCacheInterceptor) Intercept(ctx context.Context, chain *DecodeChain) (*decode.Result, error) {
	req := chain.Request()
	policy := req.ResultCachePolicy()
	if policy.IsDisabled() {
		return chain.Proceed(ctx)
	}

	key := chain.Context().CacheKey()
	unlock, err := i.store.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if policy.ReadEnabled() {
		if res := i.read(key); res != nil {
			return res, nil
		}
	}

	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	if policy.WriteEnabled() && decode.WorthCaching(res.Transformeds) {
		if err := i.write(key, res); err != nil {
			i.logger.Warn("Failed to write result cache", zap.String("key", key), zap.Error(err))
		}
	}
	return res, nil
}

// read returns nil on a miss. Unreadable entries are deleted and count as a
// miss.
func (i *ResultCacheInterceptor) read(key string) *decode.Result {
	entry := i.store.Get(key)
	if entry == nil {
		return nil
	}
	res, err := i.decodeEntry(entry)
	if err != nil {
		i.logger.Warn("Corrupt result cache entry", zap.String("key", key), zap.Error(err))
		entry.Remove()
		return nil
	}
	i.logger.Debug("Result cache hit", zap.String("key", key))
	return res
}

func (i *ResultCacheInterceptor) decodeEntry(entry *cache.Entry) (*decode.Result, error) {
	raw, err := entry.Metadata()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing metadata")
	}
	var meta resultMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	c, err := codec.ByName(meta.Codec)
	if err != nil {
		return nil, err
	}
	format, err := bitmap.ParseFormat(meta.BitmapFormat)
	if err != nil {
		return nil, err
	}

	r, err := entry.Data()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := c.Decode(r, format, i.pool)
	if err != nil {
		return nil, err
	}
	if b.Width != meta.BitmapWidth || b.Height != meta.BitmapHeight {
		i.pool.Free(b)
		return nil, fmt.Errorf("%w: bitmap is %dx%d, metadata says %dx%d", codec.ErrCorrupt, b.Width, b.Height, meta.BitmapWidth, meta.BitmapHeight)
	}
	return &decode.Result{
		Bitmap:       b,
		Info:         meta.ImageInfo,
		From:         request.FromResultCache,
		Transformeds: meta.Transformeds,
	}, nil
}

func (i *ResultCacheInterceptor) write(key string, res *decode.Result) error {
	editor, err := i.store.Edit(key)
	if err != nil {
		return err
	}

	w, err := editor.Data()
	if err != nil {
		editor.Abort()
		return err
	}
	if err := i.codec.Encode(w, res.Bitmap); err != nil {
		editor.Abort()
		return err
	}

	mw, err := editor.Metadata()
	if err != nil {
		editor.Abort()
		return err
	}
	meta := resultMeta{
		ImageInfo:    res.Info,
		Transformeds: res.Transformeds,
		Codec:        i.codec.Name(),
		BitmapWidth:  res.Bitmap.Width,
		BitmapHeight: res.Bitmap.Height,
		BitmapFormat: res.Bitmap.Format.String(),
	}
	if err := json.NewEncoder(mw).Encode(meta); err != nil {
		editor.Abort()
		return err
	}
	return editor.Commit()
}

// TransformationInterceptor applies the request's transformations to the
// decoded bitmap.
type TransformationInterceptor struct {
	pool *bitmap.Pool
}

func NewTransformationInterceptor(pool *bitmap.Pool) *TransformationInterceptor {
	return &TransformationInterceptor{pool: pool}
}

func (i *TransformationInterceptor) Key() string { return "TransformationDecodeInterceptor" }

func (i *TransformationInterceptor) SortWeight() int { return 90 }

func (i *TransformationInterceptor) Intercept(ctx context.Context, chain *DecodeChain) (*decode.Result, error) {
	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	ts := chain.Request().Transformations()
	if len(ts) == 0 {
		return res, nil
	}

	pool := i.pool
	if chain.Request().DisallowReuseBitmap() {
		pool = nil
	}
	b := res.Bitmap
	applied := append([]decode.Transformed(nil), res.Transformeds...)
	for _, t := range ts {
		out, err := t.Transform(ctx, b, pool)
		if err != nil {
			pool.Free(b)
			return nil, fmt.Errorf("transformation %s: %w", t.Key(), err)
		}
		if out != b {
			pool.Free(b)
			b = out
			applied = append(applied, decode.Transformed{Key: t.Key(), WorthCache: true})
		}
	}
	return &decode.Result{Bitmap: b, Info: res.Info, From: res.From, Transformeds: applied}, nil
}

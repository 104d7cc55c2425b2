package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pixelflow/internal/bitmap"
	"pixelflow/internal/cache"
	"pixelflow/internal/codec"
	"pixelflow/internal/decode"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
	"pixelflow/internal/transform"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// stubFetcher serves one image for every test:// uri and counts network
// hits.
type stubFetcher struct {
	data    []byte
	calls   atomic.Int32
	started chan struct{}
	block   bool
}

func (f *stubFetcher) Key() string { return "StubFetcher" }

func (f *stubFetcher) Supports(uri string) bool { return strings.HasPrefix(uri, "test://") }

func (f *stubFetcher) Fetch(ctx context.Context, req *request.ImageRequest) (*fetch.Result, error) {
	if !req.Depth().Allows(request.DepthNetwork) {
		return nil, &request.DepthError{Depth: req.Depth(), Reason: "network is not allowed"}
	}
	f.calls.Add(1)
	if f.block {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &fetch.Result{Source: fetch.NewByteSource(f.data, request.FromNetwork), MimeType: "image/png"}, nil
}

type testEngine struct {
	*Engine
	fetcher *stubFetcher
	results *cache.DiskCache
}

func newTestEngine(t *testing.T, mutate func(*Options)) *testEngine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	results, err := cache.NewDiskCache(t.TempDir(), 4<<20, logger)
	require.NoError(t, err)
	pool := bitmap.NewPool(8<<20, logger)
	f := &stubFetcher{data: pngBytes(t, 64, 64)}

	opts := Options{
		MemoryCache: cache.NewMemoryCache(16<<20, logger),
		ResultCache: results,
		Pool:        pool,
		Fetchers:    fetch.NewRegistry(f),
		Decoder:     decode.NewEngine(decode.Options{Pool: pool, Logger: logger}),
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &testEngine{Engine: New(opts), fetcher: f, results: results}
}

func requireSuccess(t *testing.T, res Result) *Success {
	t.Helper()
	s, ok := res.(*Success)
	require.Truef(t, ok, "expected success, got %#v", res)
	t.Cleanup(s.Release)
	return s
}

func transformedKeys(ts []decode.Transformed) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Key
	}
	return out
}

func TestExecuteServesEachTier(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	req := request.New("test://a.png", request.WithSize(16, 16))

	first := requireSuccess(t, e.Execute(ctx, req))
	assert.Equal(t, request.FromNetwork, first.From)
	assert.Equal(t, decode.ImageInfo{Width: 64, Height: 64, MimeType: "image/png", ExifOrientation: 1}, first.Info)
	assert.Equal(t, []string{"Subsampling(4)"}, transformedKeys(first.Transformeds))
	b := first.Image.Bitmap()
	assert.Equal(t, image.Pt(16, 16), image.Pt(b.Width, b.Height))
	assert.True(t, e.results.Exist(first.CacheKey))

	second := requireSuccess(t, e.Execute(ctx, req))
	assert.Equal(t, request.FromMemoryCache, second.From)
	assert.Same(t, first.Image, second.Image)
	assert.Equal(t, first.Info, second.Info)
	assert.Equal(t, first.Transformeds, second.Transformeds)
	assert.Equal(t, first.CacheKey, second.CacheKey)

	e.MemoryCache().Clear()
	third := requireSuccess(t, e.Execute(ctx, req))
	assert.Equal(t, request.FromResultCache, third.From)
	assert.Equal(t, first.Info, third.Info)
	assert.Equal(t, first.Transformeds, third.Transformeds)
	assert.Equal(t, image.Pt(16, 16), image.Pt(third.Image.Bitmap().Width, third.Image.Bitmap().Height))

	assert.Equal(t, int32(1), e.fetcher.calls.Load())
}

func TestMemoryCachePolicyTruthTable(t *testing.T) {
	tests := []struct {
		policy    request.CachePolicy
		wantWrite bool
		wantRead  bool
	}{
		{request.Enabled, true, true},
		{request.ReadOnly, false, true},
		{request.WriteOnly, true, false},
		{request.Disabled, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			e := newTestEngine(t, nil)
			ctx := context.Background()
			uri := "test://policy.png"

			s := requireSuccess(t, e.Execute(ctx, request.New(uri, request.WithMemoryCachePolicy(tt.policy))))
			assert.Equal(t, tt.wantWrite, e.MemoryCache().Exist(s.CacheKey))

			requireSuccess(t, e.Execute(ctx, request.New(uri)))
			s = requireSuccess(t, e.Execute(ctx, request.New(uri, request.WithMemoryCachePolicy(tt.policy))))
			if tt.wantRead {
				assert.Equal(t, request.FromMemoryCache, s.From)
			} else {
				assert.Equal(t, request.FromNetwork, s.From)
			}
		})
	}
}

func TestResultCachePolicyTruthTable(t *testing.T) {
	tests := []struct {
		policy    request.CachePolicy
		wantWrite bool
		wantRead  bool
	}{
		{request.Enabled, true, true},
		{request.ReadOnly, false, true},
		{request.WriteOnly, true, false},
		{request.Disabled, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			e := newTestEngine(t, nil)
			ctx := context.Background()
			uri := "test://policy.png"
			opts := []request.Option{request.WithSize(16, 16), request.WithMemoryCachePolicy(request.Disabled)}

			s := requireSuccess(t, e.Execute(ctx, request.New(uri, append(opts, request.WithResultCachePolicy(tt.policy))...)))
			assert.Equal(t, tt.wantWrite, e.results.Exist(s.CacheKey))

			requireSuccess(t, e.Execute(ctx, request.New(uri, opts...)))
			s = requireSuccess(t, e.Execute(ctx, request.New(uri, append(opts, request.WithResultCachePolicy(tt.policy))...)))
			if tt.wantRead {
				assert.Equal(t, request.FromResultCache, s.From)
			} else {
				assert.Equal(t, request.FromNetwork, s.From)
			}
		})
	}
}

func TestResultCacheSkipsUntransformedImages(t *testing.T) {
	e := newTestEngine(t, nil)
	s := requireSuccess(t, e.Execute(context.Background(), request.New("test://full.png")))
	assert.Empty(t, s.Transformeds)
	assert.False(t, e.results.Exist(s.CacheKey))
}

func TestCorruptResultCacheEntryIsAMiss(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	req := request.New("test://corrupt.png", request.WithSize(16, 16), request.WithMemoryCachePolicy(request.Disabled))

	s := requireSuccess(t, e.Execute(ctx, req))
	require.True(t, e.results.Remove(s.CacheKey))
	ed, err := e.results.Edit(s.CacheKey)
	require.NoError(t, err)
	w, err := ed.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("not a bitmap"))
	require.NoError(t, err)
	mw, err := ed.Metadata()
	require.NoError(t, err)
	_, err = mw.Write([]byte(`{"codec":"png","bitmapWidth":16,"bitmapHeight":16}`))
	require.NoError(t, err)
	require.NoError(t, ed.Commit())

	s = requireSuccess(t, e.Execute(ctx, req))
	assert.Equal(t, request.FromNetwork, s.From)
	assert.Equal(t, int32(2), e.fetcher.calls.Load())

	s = requireSuccess(t, e.Execute(ctx, req))
	assert.Equal(t, request.FromResultCache, s.From)
}

func TestResultCacheKeepsPixelFormat(t *testing.T) {
	for _, c := range []codec.Codec{codec.PNG{}, codec.Zstd{}, codec.LZ4{}} {
		for _, format := range []bitmap.Format{bitmap.FormatRGBA, bitmap.FormatGray} {
			t.Run(c.Name()+"/"+format.String(), func(t *testing.T) {
				e := newTestEngine(t, func(o *Options) { o.Codec = c })
				ctx := context.Background()
				req := request.New("test://format.png", request.WithSize(16, 16), request.WithPixelFormat(format))

				first := requireSuccess(t, e.Execute(ctx, req))
				require.Equal(t, request.FromNetwork, first.From)
				assert.Equal(t, format, first.Image.Bitmap().Format)
				want := append([]uint8(nil), first.Image.Bitmap().Pix[:first.Image.Bitmap().ByteCount()]...)

				e.MemoryCache().Clear()
				second := requireSuccess(t, e.Execute(ctx, req))
				require.Equal(t, request.FromResultCache, second.From)
				b := second.Image.Bitmap()
				assert.Equal(t, format, b.Format)
				assert.Equal(t, want, b.Pix[:b.ByteCount()])
			})
		}
	}
}

func TestExecuteSingleFlight(t *testing.T) {
	e := newTestEngine(t, nil)
	req := request.New("test://shared.png", request.WithSize(32, 32))

	const n = 8
	froms := make([]request.DataFrom, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s, ok := e.Execute(context.Background(), req).(*Success); assert.True(t, ok) {
				froms[i] = s.From
				s.Release()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), e.fetcher.calls.Load())
	network := 0
	for _, from := range froms {
		if from == request.FromNetwork {
			network++
		} else {
			assert.Equal(t, request.FromMemoryCache, from)
		}
	}
	assert.Equal(t, 1, network)
}

func TestImageReferenceCounting(t *testing.T) {
	e := newTestEngine(t, nil)
	s, ok := e.Execute(context.Background(), request.New("test://ref.png")).(*Success)
	require.True(t, ok)

	img := s.Image
	assert.Equal(t, 1, img.RefCount())
	assert.True(t, img.IsCached())

	s.Release()
	assert.Equal(t, 0, img.RefCount())
	assert.False(t, img.IsReclaimed())

	e.MemoryCache().Clear()
	assert.True(t, img.IsReclaimed())
	assert.Nil(t, img.Bitmap())
}

func TestExecuteDepth(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res := e.Execute(ctx, request.New("test://deep.png", request.WithDepth(request.DepthMemory, "test")))
	f, ok := res.(*Failure)
	require.True(t, ok)
	var depthErr *request.DepthError
	require.ErrorAs(t, f, &depthErr)
	assert.Equal(t, request.DepthMemory, depthErr.Depth)

	res = e.Execute(ctx, request.New("test://deep.png", request.WithDepth(request.DepthLocal, "test")))
	require.IsType(t, &Failure{}, res)
	assert.ErrorAs(t, res.(*Failure).Err, &depthErr)
	assert.Equal(t, int32(0), e.fetcher.calls.Load())

	requireSuccess(t, e.Execute(ctx, request.New("test://deep.png")))
	s := requireSuccess(t, e.Execute(ctx, request.New("test://deep.png", request.WithDepth(request.DepthMemory, "test"))))
	assert.Equal(t, request.FromMemoryCache, s.From)
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) OnStart(*request.ImageRequest) { l.record("start") }

func (l *recordingListener) OnSuccess(_ *request.ImageRequest, from request.DataFrom) {
	l.record("success:" + from.String())
}

func (l *recordingListener) OnError(*request.ImageRequest, error) { l.record("error") }

func (l *recordingListener) OnCancel(*request.ImageRequest) { l.record("cancel") }

func TestExecuteListenerAndErrors(t *testing.T) {
	e := newTestEngine(t, nil)

	t.Run("success", func(t *testing.T) {
		l := &recordingListener{}
		requireSuccess(t, e.Execute(context.Background(), request.New("test://l.png", request.WithListener(l))))
		assert.Equal(t, []string{"start", "success:NETWORK"}, l.events)
	})

	t.Run("blank uri", func(t *testing.T) {
		l := &recordingListener{}
		res := e.Execute(context.Background(), request.New("  ", request.WithListener(l)))
		require.IsType(t, &Failure{}, res)
		assert.ErrorIs(t, res.(*Failure).Err, ErrInvalidRequest)
		assert.Equal(t, []string{"error"}, l.events)

		res = e.Execute(context.Background(), nil)
		assert.ErrorIs(t, res.(*Failure), ErrInvalidRequest)
	})

	t.Run("unsupported uri", func(t *testing.T) {
		res := e.Execute(context.Background(), request.New("ftp://example.com/a.png"))
		require.IsType(t, &Failure{}, res)
		assert.ErrorIs(t, res.(*Failure), fetch.ErrUnsupportedURI)
	})

	t.Run("cancelled", func(t *testing.T) {
		l := &recordingListener{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := e.Execute(ctx, request.New("test://c.png", request.WithListener(l)))
		assert.IsType(t, &Cancelled{}, res)
		assert.Equal(t, []string{"start", "cancel"}, l.events)
	})

	t.Run("deadline", func(t *testing.T) {
		l := &recordingListener{}
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		res := e.Execute(ctx, request.New("test://d.png", request.WithListener(l)))
		assert.IsType(t, &Cancelled{}, res)
		assert.Equal(t, []string{"start", "cancel"}, l.events)
	})
}

// orderInterceptor records the order stages run in.
type orderInterceptor struct {
	key    string
	weight int
	log    *[]string
}

func (i orderInterceptor) Key() string { return i.key }

func (i orderInterceptor) SortWeight() int { return i.weight }

func (i orderInterceptor) Intercept(ctx context.Context, chain *RequestChain) (*ImageData, error) {
	*i.log = append(*i.log, i.key)
	return chain.Proceed(ctx, chain.Request())
}

func TestRequestInterceptorOrder(t *testing.T) {
	var log []string
	e := newTestEngine(t, func(o *Options) {
		o.RequestInterceptors = []RequestInterceptor{
			orderInterceptor{key: "late-a", weight: 95, log: &log},
			orderInterceptor{key: "early", weight: 10, log: &log},
			orderInterceptor{key: "late-b", weight: 95, log: &log},
		}
	})
	requireSuccess(t, e.Execute(context.Background(), request.New("test://o.png")))
	assert.Equal(t, []string{"early", "late-a", "late-b"}, log)
	assert.Equal(t, []string{"late-a", "early", "late-b"}, e.Components().RequestInterceptors)
}

// sizeRewriter rewrites every request to a fixed size.
type sizeRewriter struct{}

func (sizeRewriter) Key() string { return "SizeRewriter" }

func (sizeRewriter) SortWeight() int { return 0 }

func (sizeRewriter) Intercept(ctx context.Context, chain *RequestChain) (*ImageData, error) {
	return chain.Proceed(ctx, chain.Request().NewRequest(request.WithSize(8, 8)))
}

func TestInterceptorRewritesRequest(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.RequestInterceptors = []RequestInterceptor{sizeRewriter{}}
	})
	s := requireSuccess(t, e.Execute(context.Background(), request.New("test://r.png")))
	assert.Equal(t, image.Pt(8, 8), image.Pt(s.Image.Bitmap().Width, s.Image.Bitmap().Height))
	assert.Contains(t, s.CacheKey, "&_size=8x8")
	assert.True(t, e.MemoryCache().Exist(s.CacheKey))
}

// lateSizeRewriter runs after the memory cache and rewrites the size.
type lateSizeRewriter struct{}

func (lateSizeRewriter) Key() string { return "LateSizeRewriter" }

func (lateSizeRewriter) SortWeight() int { return 95 }

func (lateSizeRewriter) Intercept(ctx context.Context, chain *RequestChain) (*ImageData, error) {
	return chain.Proceed(ctx, chain.Request().NewRequest(request.WithSize(8, 8)))
}

func TestLateRewriteKeepsMemorySlotAndImageKeyTogether(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.RequestInterceptors = []RequestInterceptor{lateSizeRewriter{}}
	})
	ctx := context.Background()
	req := request.New("test://late.png")

	first := requireSuccess(t, e.Execute(ctx, req))
	assert.Contains(t, first.CacheKey, "&_size=8x8")
	assert.NotContains(t, first.Image.Key(), "&_size=")
	assert.True(t, e.MemoryCache().Exist(first.Image.Key()))
	assert.False(t, e.MemoryCache().Exist(first.CacheKey))

	second := requireSuccess(t, e.Execute(ctx, req))
	assert.Equal(t, request.FromMemoryCache, second.From)
	assert.Same(t, first.Image, second.Image)
}

// tagInterceptor is a user decode stage; its key must reach the cache key.
type tagInterceptor struct{}

func (tagInterceptor) Key() string { return "TagInterceptor" }

func (tagInterceptor) SortWeight() int { return 50 }

func (tagInterceptor) Intercept(ctx context.Context, chain *DecodeChain) (*decode.Result, error) {
	return chain.Proceed(ctx)
}

func TestDecodeInterceptorKeysInCacheKey(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.DecodeInterceptors = []DecodeInterceptor{tagInterceptor{}}
	})
	s := requireSuccess(t, e.Execute(context.Background(), request.New("test://k.png")))
	assert.True(t, strings.HasSuffix(s.CacheKey, "&_decoders=[StdDecoder]&_decodeInterceptors=[TagInterceptor]"), s.CacheKey)
}

func TestTransformationsAreApplied(t *testing.T) {
	e := newTestEngine(t, nil)
	s := requireSuccess(t, e.Execute(context.Background(), request.New("test://g.png",
		request.WithTransformations(transform.Grayscale{}))))
	assert.Equal(t, []string{"Grayscale"}, transformedKeys(s.Transformeds))
	assert.True(t, e.results.Exist(s.CacheKey))

	px := s.Image.Bitmap().Image().At(10, 10)
	r, g, b, _ := px.RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
}

func TestSaveTraffic(t *testing.T) {
	metered := true
	e := newTestEngine(t, func(o *Options) {
		o.Metered = func() bool { return metered }
	})
	ctx := context.Background()
	saving := request.WithParameter(SaveTrafficParameter, "true", false)

	res := e.Execute(ctx, request.New("test://s.png", saving))
	require.IsType(t, &Failure{}, res)
	var depthErr *request.DepthError
	assert.ErrorAs(t, res.(*Failure).Err, &depthErr)

	metered = false
	s := requireSuccess(t, e.Execute(ctx, request.New("test://s.png", saving)))
	assert.Equal(t, request.FromNetwork, s.From)
}

func TestNewRequestAppliesDefaults(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.Defaults = []request.Option{request.WithPrecision(request.Exactly), request.WithSize(10, 10)}
	})
	req := e.NewRequest("test://d.png", request.WithSize(20, 20))
	assert.Equal(t, request.Exactly, req.Precision())

	s := requireSuccess(t, e.Execute(context.Background(), req))
	assert.Equal(t, image.Pt(20, 20), image.Pt(s.Image.Bitmap().Width, s.Image.Bitmap().Height))
}

func TestTaskLifecycle(t *testing.T) {
	e := newTestEngine(t, nil)

	task := e.Enqueue(context.Background(), request.New("test://t.png"))
	res := task.Wait()
	requireSuccess(t, res)
	assert.Equal(t, TaskSuccess, task.State())

	failing := e.Enqueue(context.Background(), request.New(""))
	assert.IsType(t, &Failure{}, failing.Wait())
	assert.Equal(t, TaskError, failing.State())
}

func TestTaskCancelWhileRunning(t *testing.T) {
	e := newTestEngine(t, nil)
	e.fetcher.block = true
	e.fetcher.started = make(chan struct{})

	l := &recordingListener{}
	task := e.Enqueue(context.Background(), request.New("test://slow.png", request.WithListener(l)))
	<-e.fetcher.started
	task.Cancel()

	assert.IsType(t, &Cancelled{}, task.Wait())
	assert.Equal(t, TaskCancelled, task.State())
	assert.Equal(t, []string{"start", "cancel"}, l.events)
}

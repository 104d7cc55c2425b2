package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pixelflow/internal/assets"
	"pixelflow/internal/bitmap"
	"pixelflow/internal/cache"
	"pixelflow/internal/codec"
	"pixelflow/internal/config"
	"pixelflow/internal/decode"
	"pixelflow/internal/decode/libvips"
	"pixelflow/internal/fetch"
	httphandlers "pixelflow/internal/http"
	"pixelflow/internal/logger"
	"pixelflow/internal/pipeline"
	"pixelflow/internal/request"
	"pixelflow/internal/tile"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	var primitives []decode.Primitive
	if cfg.Decoder == "vips" {
		startVips(cfg, log)
		defer vips.Shutdown()
		tmpDir := filepath.Join(cfg.CacheDir, "tmp")
		if err := os.MkdirAll(tmpDir, 0755); err != nil {
			log.Fatal("Failed to create temp dir", zap.Error(err))
		}
		primitives = append(primitives, libvips.New(tmpDir, log))
	}
	primitives = append(primitives, decode.StdPrimitive{})

	log.Info("Starting pixelflow server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("decoder", cfg.Decoder),
	)

	resultCache, err := cache.NewDiskStore(cfg.ResultCache, filepath.Join(cfg.CacheDir, "result"), cfg.ResultCacheSize, log)
	if err != nil {
		log.Fatal("Failed to initialize result cache", zap.Error(err))
	}
	downloadCache, err := cache.NewDiskStore(cfg.DownloadCache, filepath.Join(cfg.CacheDir, "download"), cfg.DownloadCacheSize, log)
	if err != nil {
		log.Fatal("Failed to initialize download cache", zap.Error(err))
	}
	memoryCache := cache.NewMemoryCache(cfg.MemoryCacheSize, log)
	pool := bitmap.NewPool(cfg.BitmapPoolSize, log)

	decoder := decode.NewEngine(decode.Options{
		Primitives:    primitives,
		Pool:          pool,
		Workers:       cfg.DecodeWorkers,
		MaxBitmapSize: request.Size{Width: cfg.MaxBitmapWidth, Height: cfg.MaxBitmapHeight},
		Logger:        log,
	})

	catalog := assets.New(cfg.DataDir, decoder, log)
	if err := catalog.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	fetchers, err := newFetchers(cfg, downloadCache, catalog, log)
	if err != nil {
		log.Fatal("Failed to initialize fetchers", zap.Error(err))
	}

	resultCodec, _ := codec.ByName(cfg.ResultCacheCodec)
	depth, _ := request.ParseDepth(cfg.DefaultDepth)
	engine := pipeline.New(pipeline.Options{
		MemoryCache:   memoryCache,
		ResultCache:   resultCache,
		DownloadCache: downloadCache,
		Pool:          pool,
		Fetchers:      fetchers,
		Decoder:       decoder,
		Codec:         resultCodec,
		Defaults:      []request.Option{request.WithDepth(depth, "config")},
		Metered:       func() bool { return cfg.MeteredNetwork },
		Logger:        log,
	})

	renderer := tile.New(catalog, decoder, memoryCache, pool, log)
	handlers := httphandlers.New(cfg, log, catalog, renderer, engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WarmupLevels > 0 {
		go warmupTiles(ctx, cfg.WarmupLevels, cfg.WarmupWorkers, catalog, renderer, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	<-ctx.Done()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	memoryCache.Clear()
	pool.Clear()

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}

func newFetchers(cfg *config.Config, downloadCache cache.DiskStore, catalog *assets.Catalog, log *zap.Logger) (*fetch.Registry, error) {
	var limiter *rate.Limiter
	if cfg.FetchRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.FetchRateLimit), max(1, int(cfg.FetchRateLimit)))
	}
	downloader := fetch.NewDownloader(downloadCache, log)
	client := &http.Client{Timeout: cfg.FetchTimeout}

	fetchers := []fetch.Fetcher{
		fetch.NewHTTPFetcher(client, limiter, downloader, log),
		fetch.NewAssetFetcher(catalog),
		fetch.FileFetcher{},
		fetch.DataURIFetcher{},
	}
	if cfg.S3Enabled() {
		s3, err := fetch.NewS3Client(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		fetchers = append(fetchers, fetch.NewS3Fetcher(s3, limiter, downloader, log))
		log.Info("S3 fetching enabled", zap.String("endpoint", cfg.S3Endpoint))
	}
	return fetch.NewRegistry(fetchers...), nil
}

func warmupTiles(ctx context.Context, levels, workers int, catalog *assets.Catalog, renderer *tile.Renderer, log *zap.Logger) {
	images := catalog.List()
	if len(images) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(images)))
	for _, img := range images {
		if err := renderer.Warmup(ctx, img.ID, levels, workers); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug("Warmup failed", zap.String("image", img.ID), zap.Error(err))
		}
	}
	log.Info("Tile warmup completed")
}

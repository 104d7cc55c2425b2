package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pixelflow/internal/codec"
	"pixelflow/internal/request"
)

type Config struct {
	Port     int
	DataDir  string
	LogLevel string

	CacheDir          string
	MemoryCacheSize   int64
	ResultCache       string
	ResultCacheSize   int64
	ResultCacheCodec  string
	DownloadCache     string
	DownloadCacheSize int64
	BitmapPoolSize    int64

	Decoder         string
	DecodeWorkers   int
	MaxBitmapWidth  int
	MaxBitmapHeight int
	DefaultDepth    string

	FetchRateLimit float64
	FetchTimeout   time.Duration
	MeteredNetwork bool

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	VipsConcurrency int
	VipsMaxCacheMB  int

	WarmupLevels  int
	WarmupWorkers int

	UploadToken   string
	MaxUploadSize int64
	AllowedOrigin string
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		DataDir:  dataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CacheDir:          getEnv("CACHE_DIR", filepath.Join(dataDir, "cache")),
		MemoryCacheSize:   getEnvBytes("MEMORY_CACHE_SIZE", 256<<20),
		ResultCache:       getEnv("RESULT_CACHE", "file"),
		ResultCacheSize:   getEnvBytes("RESULT_CACHE_SIZE", 1<<30),
		ResultCacheCodec:  getEnv("RESULT_CACHE_CODEC", "zstd"),
		DownloadCache:     getEnv("DOWNLOAD_CACHE", "file"),
		DownloadCacheSize: getEnvBytes("DOWNLOAD_CACHE_SIZE", 2<<30),
		BitmapPoolSize:    getEnvBytes("BITMAP_POOL_SIZE", 64<<20),

		Decoder:         getEnv("DECODER", "vips"),
		DecodeWorkers:   getEnvInt("DECODE_WORKERS", 0),
		MaxBitmapWidth:  getEnvInt("MAX_BITMAP_WIDTH", 8192),
		MaxBitmapHeight: getEnvInt("MAX_BITMAP_HEIGHT", 8192),
		DefaultDepth:    getEnv("DEFAULT_DEPTH", "NETWORK"),

		FetchRateLimit: getEnvFloat("FETCH_RATE_LIMIT", 0),
		FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		MeteredNetwork: getEnvBool("METERED_NETWORK", false),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),

		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),

		WarmupLevels:  getEnvInt("WARMUP_LEVELS", 1),
		WarmupWorkers: getEnvInt("WARMUP_WORKERS", 1),

		UploadToken:   getEnv("UPLOAD_TOKEN", ""),
		MaxUploadSize: getEnvBytes("MAX_UPLOAD_SIZE", 4<<30),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// Validate rejects settings that would only fail later, deep inside a
// request.
func (c *Config) Validate() error {
	for name, v := range map[string]string{"RESULT_CACHE": c.ResultCache, "DOWNLOAD_CACHE": c.DownloadCache} {
		if v != "file" && v != "disabled" {
			return fmt.Errorf("%s: unknown cache type %q (supported: file, disabled)", name, v)
		}
	}
	if _, err := codec.ByName(c.ResultCacheCodec); err != nil {
		return fmt.Errorf("RESULT_CACHE_CODEC: %w", err)
	}
	if c.Decoder != "vips" && c.Decoder != "std" {
		return fmt.Errorf("DECODER: unknown decoder %q (supported: vips, std)", c.Decoder)
	}
	if _, err := request.ParseDepth(c.DefaultDepth); err != nil {
		return fmt.Errorf("DEFAULT_DEPTH: %w", err)
	}
	if c.MaxBitmapWidth < 0 || c.MaxBitmapHeight < 0 {
		return fmt.Errorf("MAX_BITMAP_WIDTH/MAX_BITMAP_HEIGHT must not be negative")
	}
	return nil
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}

// S3Enabled reports whether s3:// URIs can be fetched.
func (c *Config) S3Enabled() bool {
	return c.S3Endpoint != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBytes accepts plain byte counts as well as sizes like "512MiB" or
// "2GB".
func getEnvBytes(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := humanize.ParseBytes(value); err == nil {
			return int64(n)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

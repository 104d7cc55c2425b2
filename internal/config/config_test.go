package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/srv/images")
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/srv/images/cache", cfg.CacheDir)
	assert.Equal(t, int64(256<<20), cfg.MemoryCacheSize)
	assert.Equal(t, "file", cfg.ResultCache)
	assert.Equal(t, "zstd", cfg.ResultCacheCodec)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.True(t, cfg.IsUploadPublic())
	assert.False(t, cfg.S3Enabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MEMORY_CACHE_SIZE", "64MiB")
	t.Setenv("RESULT_CACHE_SIZE", "2GB")
	t.Setenv("BITMAP_POOL_SIZE", "1048576")
	t.Setenv("FETCH_RATE_LIMIT", "2.5")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("METERED_NETWORK", "true")
	t.Setenv("S3_ENDPOINT", "localhost:9000")
	t.Setenv("S3_USE_SSL", "false")
	t.Setenv("UPLOAD_TOKEN", "secret")

	cfg := Load()
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, int64(64<<20), cfg.MemoryCacheSize)
	assert.Equal(t, int64(2_000_000_000), cfg.ResultCacheSize)
	assert.Equal(t, int64(1<<20), cfg.BitmapPoolSize)
	assert.Equal(t, 2.5, cfg.FetchRateLimit)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.True(t, cfg.MeteredNetwork)
	assert.True(t, cfg.S3Enabled())
	assert.False(t, cfg.S3UseSSL)
	assert.False(t, cfg.IsUploadPublic())
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "eighty")
	t.Setenv("MEMORY_CACHE_SIZE", "lots")
	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(256<<20), cfg.MemoryCacheSize)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"cache type": func(c *Config) { c.ResultCache = "memory" },
		"codec":      func(c *Config) { c.ResultCacheCodec = "gzip" },
		"decoder":    func(c *Config) { c.Decoder = "magick" },
		"depth":      func(c *Config) { c.DefaultDepth = "deep" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

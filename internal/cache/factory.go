package cache

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// NewDiskStore creates a disk store instance based on the cache type
func NewDiskStore(cacheType, dir string, maxSize int64, log *zap.Logger) (DiskStore, error) {
	switch cacheType {
	case "file":
		log.Info("Using file cache",
			zap.String("cache_dir", dir),
			zap.String("max_size", humanize.IBytes(uint64(maxSize))))
		return NewDiskCache(dir, maxSize, log)
	case "disabled":
		log.Info("Cache disabled", zap.String("cache_dir", dir))
		return NewNoopDiskCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: file, disabled)", cacheType)
	}
}

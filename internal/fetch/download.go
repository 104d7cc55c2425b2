package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"pixelflow/internal/cache"
	"pixelflow/internal/request"
)

// downloadMeta is the metadata blob stored next to downloaded data.
type downloadMeta struct {
	MimeType string `json:"mimeType"`
	Length   int64  `json:"length"`
}

// openFunc starts a transfer and returns the body and its declared type.
type openFunc func(ctx context.Context) (io.ReadCloser, string, error)

// Downloader routes network transfers through the download cache.
type Downloader struct {
	store  cache.DiskStore
	logger *zap.Logger
}

func NewDownloader(store cache.DiskStore, logger *zap.Logger) *Downloader {
	if store == nil {
		store = cache.NewNoopDiskCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{store: store, logger: logger}
}

func (d *Downloader) Store() cache.DiskStore {
	return d.store
}

// Fetch serves req from the download cache when the policy allows reading,
// otherwise downloads under the key lock and stores the body when the
// policy allows writing.
func (d *Downloader) Fetch(ctx context.Context, req *request.ImageRequest, open openFunc) (*Result, error) {
	key := req.URI()
	policy := req.DownloadCachePolicy()

	if policy.ReadEnabled() {
		if res := d.read(key); res != nil {
			return res, nil
		}
	}
	if !req.Depth().Allows(request.DepthNetwork) {
		return nil, &request.DepthError{Depth: req.Depth(), Reason: "network fetch of " + key + " is not allowed"}
	}

	unlock, err := d.store.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// another caller may have finished the download while we waited
	if policy.ReadEnabled() {
		if res := d.read(key); res != nil {
			return res, nil
		}
	}

	body, mimeType, err := open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if policy.WriteEnabled() {
		res, err := d.write(key, body, mimeType)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, cache.ErrDisabled) && !errors.Is(err, cache.ErrEditInProgress) {
			return nil, err
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return &Result{Source: NewByteSource(data, request.FromNetwork), MimeType: mimeType}, nil
}

// read loads a cached download into memory so the returned source stays
// valid after the entry is trimmed. Entries whose metadata is missing or
// whose blob does not match the recorded length are removed and reported as
// a miss.
func (d *Downloader) read(key string) *Result {
	entry := d.store.Get(key)
	if entry == nil {
		return nil
	}
	var meta downloadMeta
	raw, err := entry.Metadata()
	if err != nil || len(raw) == 0 {
		d.logger.Warn("Missing download cache metadata", zap.String("key", key), zap.Error(err))
		entry.Remove()
		return nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		d.logger.Warn("Corrupt download cache metadata", zap.String("key", key), zap.Error(err))
		entry.Remove()
		return nil
	}

	r, err := entry.Data()
	if err != nil {
		// trimmed between Get and open
		return nil
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		d.logger.Warn("Failed to read download cache entry", zap.String("key", key), zap.Error(err))
		return nil
	}
	if int64(len(data)) != meta.Length {
		d.logger.Warn("Truncated download cache entry",
			zap.String("key", key),
			zap.Int64("expected", meta.Length),
			zap.Int("actual", len(data)),
		)
		entry.Remove()
		return nil
	}

	return &Result{
		Source:   NewByteSource(data, request.FromDownloadCache),
		MimeType: meta.MimeType,
	}
}

// write streams body into a new entry. Edit errors are returned untouched so
// the caller can fall back to memory.
func (d *Downloader) write(key string, body io.Reader, mimeType string) (*Result, error) {
	editor, err := d.store.Edit(key)
	if err != nil {
		return nil, err
	}

	w, err := editor.Data()
	if err != nil {
		editor.Abort()
		return nil, err
	}
	var buf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(w, &buf), body)
	if err != nil {
		editor.Abort()
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}

	mw, err := editor.Metadata()
	if err != nil {
		editor.Abort()
		return nil, err
	}
	if err := json.NewEncoder(mw).Encode(downloadMeta{MimeType: mimeType, Length: n}); err != nil {
		editor.Abort()
		return nil, err
	}
	if err := editor.Commit(); err != nil {
		return nil, err
	}

	d.logger.Debug("Stored download", zap.String("key", key), zap.Int64("bytes", n))
	return &Result{Source: NewByteSource(buf.Bytes(), request.FromNetwork), MimeType: mimeType}, nil
}

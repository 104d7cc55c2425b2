// Package assets keeps the catalog of images stored in the data directory.
// Every image is renamed to <uuid>.<ext> and described by a <uuid>.json
// sidecar.
package assets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pixelflow/internal/decode"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
)

var ErrNotFound = errors.New("asset not found")

// ErrUnsupported is returned for uploads that are not a decodable image.
var ErrUnsupported = errors.New("unsupported image format")

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
	".bmp":  true,
}

// Asset is the sidecar metadata of one image.
type Asset struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
	MimeType         string `json:"mime_type"`
	ExifOrientation  int    `json:"exif_orientation,omitempty"`
	CopyrightText    string `json:"copyright_text,omitempty"`
	CopyrightLink    string `json:"copyright_link,omitempty"`
}

// URI is the asset:// locator the pipeline fetches the asset by.
func (a Asset) URI() string {
	return "asset://" + a.ID
}

// Prober reads image dimensions without decoding pixels.
type Prober interface {
	Probe(src fetch.DataSource, declaredMime string, ignoreExif bool) (decode.Primitive, decode.ImageInfo, error)
}

type Catalog struct {
	dataDir string
	prober  Prober
	logger  *zap.Logger

	mu     sync.RWMutex
	assets map[string]Asset
}

func New(dataDir string, prober Prober, logger *zap.Logger) *Catalog {
	return &Catalog{
		dataDir: dataDir,
		prober:  prober,
		logger:  logger,
		assets:  make(map[string]Asset),
	}
}

// Scan rebuilds the catalog from disk. Images without a sidecar are
// renamed to a fresh id and probed; sidecars without an image are deleted.
func (c *Catalog) Scan() error {
	if err := c.cleanupOrphanedSidecars(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	assets := make(map[string]Asset)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := c.filePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !extensions[ext] {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		sidecar := c.filePath(basename + ".json")
		if _, err := os.Stat(sidecar); err == nil {
			asset, err := c.loadSidecar(sidecar)
			if err != nil {
				c.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", sidecar), zap.Error(err))
				continue
			}
			assets[asset.ID] = *asset
			continue
		}

		asset, err := c.adopt(path, filepath.Base(path), false)
		if err != nil {
			c.logger.Warn("Failed to import image", zap.String("path", path), zap.Error(err))
			continue
		}
		assets[asset.ID] = *asset
	}

	c.mu.Lock()
	c.assets = assets
	c.mu.Unlock()

	c.logger.Info("Asset catalog scanned", zap.Int("count", len(assets)))
	return nil
}

// adopt renames path to a fresh id, probes it and writes its sidecar. With
// discard set the renamed file is deleted when it cannot be adopted.
func (c *Catalog) adopt(path, originalFilename string, discard bool) (*Asset, error) {
	id := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(originalFilename))
	finalPath := c.filePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	c.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	asset, err := c.probe(finalPath)
	if err == nil {
		asset.ID = id
		asset.OriginalFilename = originalFilename
		asset.CurrentFilename = filepath.Base(finalPath)
		err = c.saveSidecar(asset)
	}
	if err != nil {
		if discard {
			os.Remove(finalPath)
		}
		return nil, err
	}
	return asset, nil
}

func (c *Catalog) probe(path string) (*Asset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	_, img, err := c.prober.Probe(fetch.NewFileSource(path, request.FromLocal), "", false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return &Asset{
		Width:           img.Width,
		Height:          img.Height,
		Bytes:           info.Size(),
		MimeType:        img.MimeType,
		ExifOrientation: img.ExifOrientation,
	}, nil
}

func (c *Catalog) cleanupOrphanedSidecars() error {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}
		path := c.filePath(entry.Name())
		basename := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		asset, err := c.loadSidecar(path)
		switch {
		case err != nil:
			c.removeSidecar(path, "invalid")
		case asset.ID != basename:
			c.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", asset.ID))
			c.removeSidecar(path, "mismatched")
		default:
			if _, err := os.Stat(c.filePath(asset.CurrentFilename)); err != nil {
				c.removeSidecar(path, "orphaned")
			}
		}
	}
	return nil
}

func (c *Catalog) removeSidecar(path, reason string) {
	if err := os.Remove(path); err != nil {
		c.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
		return
	}
	c.logger.Info("Deleted JSON file", zap.String("path", path), zap.String("reason", reason))
}

// List returns the assets sorted by original filename.
func (c *Catalog) List() []Asset {
	c.mu.RLock()
	out := make([]Asset, 0, len(c.assets))
	for _, a := range c.assets {
		out = append(out, a)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginalFilename != out[j].OriginalFilename {
			return out[i].OriginalFilename < out[j].OriginalFilename
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Catalog) Get(id string) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assets[id]
	return a, ok
}

// Path resolves id to the image file; it backs the asset:// fetcher.
func (c *Catalog) Path(id string) (string, bool) {
	a, ok := c.Get(id)
	if !ok {
		return "", false
	}
	return c.filePath(a.CurrentFilename), true
}

// Save stores an uploaded image read from r and adds it to the catalog.
func (c *Catalog) Save(r io.Reader, originalFilename string) (*Asset, error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !extensions[ext] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}

	tmp, err := os.CreateTemp(c.dataDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}

	asset, err := c.adopt(tmp.Name(), filepath.Base(originalFilename), true)
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	c.mu.Lock()
	c.assets[asset.ID] = *asset
	c.mu.Unlock()

	c.logger.Info("Processed uploaded file",
		zap.String("uuid", asset.ID),
		zap.String("original_filename", originalFilename),
		zap.Int64("bytes", asset.Bytes))
	return asset, nil
}

// Delete removes an asset and its sidecar.
func (c *Catalog) Delete(id string) error {
	c.mu.Lock()
	a, ok := c.assets[id]
	delete(c.assets, id)
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(c.filePath(id + ".json")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(c.filePath(a.CurrentFilename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Catalog) filePath(name string) string {
	return filepath.Join(c.dataDir, name)
}

func (c *Catalog) loadSidecar(path string) (*Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Asset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &a, nil
}

func (c *Catalog) saveSidecar(a *Asset) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(c.filePath(a.ID+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

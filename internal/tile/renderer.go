// Package tile renders fixed size JPEG tiles of catalog images for zoomable
// viewers. Tiles are kept as reference counted bitmaps in the memory cache.
package tile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pixelflow/internal/assets"
	"pixelflow/internal/bitmap"
	"pixelflow/internal/cache"
	"pixelflow/internal/decode"
	"pixelflow/internal/fetch"
	"pixelflow/internal/request"
)

const (
	Size    = 256
	Format  = "jpeg"
	quality = 82
)

var (
	ErrNotFound   = errors.New("image not found")
	ErrOutOfRange = errors.New("tile out of range")
)

// padColor fills the part of edge tiles outside the image; JPEG has no alpha.
var padColor = color.NRGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff}

type Catalog interface {
	Get(id string) (assets.Asset, bool)
	Path(id string) (string, bool)
}

type Renderer struct {
	catalog Catalog
	decoder *decode.Engine
	cache   *cache.MemoryCache
	pool    *bitmap.Pool
	logger  *zap.Logger
}

// Tile is a rendered tile. Image carries one reference owned by the
// receiver.
type Tile struct {
	Key   string
	Image *bitmap.RefCounted
	Data  []byte
	ETag  string
}

func (t *Tile) Release() {
	t.Image.Release()
}

// Meta describes the tile pyramid of an image.
type Meta struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	TileSize      int    `json:"tileSize"`
	MaxZoom       int    `json:"maxZoom"`
	Bytes         int64  `json:"bytes"`
	Format        string `json:"format"`
	CopyrightText string `json:"copyright_text"`
	CopyrightLink string `json:"copyright_link"`
}

func New(catalog Catalog, decoder *decode.Engine, memoryCache *cache.MemoryCache, pool *bitmap.Pool, logger *zap.Logger) *Renderer {
	return &Renderer{
		catalog: catalog,
		decoder: decoder,
		cache:   memoryCache,
		pool:    pool,
		logger:  logger,
	}
}

// MaxZoom is the level at which one tile pixel is one image pixel. At zoom
// 0 the whole image fits in one tile.
func MaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	maxZoom := int(math.Ceil(math.Log2(maxDim / Size)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

func (r *Renderer) Meta(id string) (Meta, error) {
	a, ok := r.catalog.Get(id)
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Meta{
		Width:         a.Width,
		Height:        a.Height,
		TileSize:      Size,
		MaxZoom:       MaxZoom(a.Width, a.Height),
		Bytes:         a.Bytes,
		Format:        Format,
		CopyrightText: a.CopyrightText,
		CopyrightLink: a.CopyrightLink,
	}, nil
}

func tileKey(a assets.Asset, z, x, y int) string {
	return fmt.Sprintf("%s&_tile=%d/%d/%d", a.URI(), z, x, y)
}

func etag(key string, maxZoom int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s_%d_%d.%s", key, Size, maxZoom, Format)))
	return hex.EncodeToString(hash[:])[:16]
}

// RenderTile returns tile x,y of zoom level z.
func (r *Renderer) RenderTile(ctx context.Context, id string, z, x, y int) (*Tile, error) {
	a, ok := r.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	maxZoom := MaxZoom(a.Width, a.Height)
	if z < 0 || z > maxZoom {
		return nil, fmt.Errorf("%w: zoom level %d exceeds max zoom %d", ErrOutOfRange, z, maxZoom)
	}

	// source pixels covered by one tile; each level halves it
	pixelsPerTile := Size << (maxZoom - z)
	startX, startY := x*pixelsPerTile, y*pixelsPerTile
	if x < 0 || y < 0 || startX >= a.Width || startY >= a.Height {
		return nil, fmt.Errorf("%w: tile %d/%d/%d", ErrOutOfRange, z, x, y)
	}
	region := image.Rect(startX, startY, min(startX+pixelsPerTile, a.Width), min(startY+pixelsPerTile, a.Height))

	key := tileKey(a, z, x, y)
	unlock, err := r.cache.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if img := r.cache.Get(key); img != nil {
		data, _ := img.Extras().([]byte)
		return &Tile{Key: key, Image: img, Data: data, ETag: etag(key, maxZoom)}, nil
	}

	path, ok := r.catalog.Path(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out, err := r.render(a, path, region, pixelsPerTile)
	if err != nil {
		return nil, fmt.Errorf("failed to render tile %d/%d/%d of %s: %w", z, x, y, id, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out.Image(), imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		r.pool.Free(out)
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	img := bitmap.NewRefCounted(key, out, r.pool)
	img.SetExtras(buf.Bytes())
	img.Retain()
	r.cache.Put(key, img)

	r.logger.Debug("Rendered tile", zap.String("key", key), zap.Int("bytes", buf.Len()))
	return &Tile{Key: key, Image: img, Data: buf.Bytes(), ETag: etag(key, maxZoom)}, nil
}

// render decodes region scaled by Size/pixelsPerTile and pads it to a full
// tile anchored at the top left.
func (r *Renderer) render(a assets.Asset, path string, region image.Rectangle, pixelsPerTile int) (*bitmap.Bitmap, error) {
	prim := r.decoder.Primitive(a.MimeType)
	if prim == nil || !prim.SupportsRegion(a.MimeType) {
		return nil, fmt.Errorf("no region decoder for %q", a.MimeType)
	}
	cfg := decode.Config{
		SampleSize: pixelsPerTile / Size,
		Width:      max(1, ceilDiv(region.Dx()*Size, pixelsPerTile)),
		Height:     max(1, ceilDiv(region.Dy()*Size, pixelsPerTile)),
		Format:     bitmap.FormatNRGBA,
		Pool:       r.pool,
		Quality:    true,
	}
	src := fetch.NewFileSource(path, request.FromLocal)
	b, err := prim.DecodeRegion(src, region, cfg)
	if err != nil {
		return nil, err
	}
	defer r.pool.Free(b)

	out := bitmap.Obtain(r.pool, Size, Size, bitmap.FormatNRGBA)
	dst := out.Image()
	draw.Draw(dst, out.Bounds(), &image.Uniform{C: padColor}, image.Point{}, draw.Src)
	draw.Draw(dst, b.Bounds(), b.Image(), image.Point{}, draw.Src)
	return out, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Warmup renders zoom levels 0 through levels of id so the initial views
// are served from memory.
func (r *Renderer) Warmup(ctx context.Context, id string, levels, workers int) error {
	a, ok := r.catalog.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	maxZoom := MaxZoom(a.Width, a.Height)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	for z := 0; z <= min(levels, maxZoom); z++ {
		pixelsPerTile := Size << (maxZoom - z)
		for y := 0; y*pixelsPerTile < a.Height; y++ {
			for x := 0; x*pixelsPerTile < a.Width; x++ {
				z, x, y := z, x, y
				g.Go(func() error {
					t, err := r.RenderTile(ctx, id, z, x, y)
					if err != nil {
						return err
					}
					t.Release()
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Info("Warmed up tiles", zap.String("id", id), zap.Int("levels", min(levels, maxZoom)+1))
	return nil
}

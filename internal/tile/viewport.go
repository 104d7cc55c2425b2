package tile

import (
	"context"
	"sync"
)

type Coord struct {
	Z, X, Y int
}

// Viewport holds the tiles currently on screen for one image. Tiles that
// leave the visible set are released so the memory cache may reclaim them.
type Viewport struct {
	renderer *Renderer
	id       string

	mu    sync.Mutex
	tiles map[Coord]*Tile
}

func (r *Renderer) NewViewport(id string) *Viewport {
	return &Viewport{renderer: r, id: id, tiles: make(map[Coord]*Tile)}
}

// Update makes visible the held set, rendering what is missing.
func (v *Viewport) Update(ctx context.Context, visible []Coord) error {
	want := make(map[Coord]bool, len(visible))
	for _, c := range visible {
		want[c] = true
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for c, t := range v.tiles {
		if !want[c] {
			t.Release()
			delete(v.tiles, c)
		}
	}
	for _, c := range visible {
		if _, ok := v.tiles[c]; ok {
			continue
		}
		t, err := v.renderer.RenderTile(ctx, v.id, c.Z, c.X, c.Y)
		if err != nil {
			return err
		}
		v.tiles[c] = t
	}
	return nil
}

// Tile returns a held tile without taking a reference.
func (v *Viewport) Tile(c Coord) (*Tile, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.tiles[c]
	return t, ok
}

func (v *Viewport) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.tiles)
}

// Close releases every held tile.
func (v *Viewport) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for c, t := range v.tiles {
		t.Release()
		delete(v.tiles, c)
	}
}

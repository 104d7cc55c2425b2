package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	dataSuffix = ".0"
	metaSuffix = ".1"
	tmpSuffix  = ".tmp"
)

type diskItem struct {
	name string
	size int64
}

// DiskCache implements a file-based LRU cache.
// Structure: {dir}/{sha256(key)}.0 holds the data blob and
// {dir}/{sha256(key)}.1 the optional metadata blob.
type DiskCache struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
	size    int64
	items   map[string]*list.Element
	lruList *list.List
	editing map[string]bool
	locks   *KeyedLock
	logger  *zap.Logger
}

// NewDiskCache opens dir, removing temp files left by interrupted edits and
// rebuilding the LRU index from what is on disk.
func NewDiskCache(dir string, maxSize int64, logger *zap.Logger) (*DiskCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		dir:     dir,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lruList: list.New(),
		editing: make(map[string]bool),
		locks:   NewKeyedLock(),
		logger:  logger,
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.trimLocked(c.maxSize)
	c.mu.Unlock()
	return c, nil
}

func (c *DiskCache) scan() error {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	sizes := make(map[string]int64)
	hasData := make(map[string]bool)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		fileName := f.Name()
		if strings.HasSuffix(fileName, tmpSuffix) {
			os.Remove(filepath.Join(c.dir, fileName))
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(fileName, dataSuffix):
			name := strings.TrimSuffix(fileName, dataSuffix)
			sizes[name] += info.Size()
			hasData[name] = true
		case strings.HasSuffix(fileName, metaSuffix):
			name := strings.TrimSuffix(fileName, metaSuffix)
			sizes[name] += info.Size()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, size := range sizes {
		if !hasData[name] {
			// metadata without data is useless
			os.Remove(filepath.Join(c.dir, name+metaSuffix))
			continue
		}
		c.items[name] = c.lruList.PushBack(&diskItem{name: name, size: size})
		c.size += size
	}

	c.logger.Debug("disk cache scanned",
		zap.String("cache_dir", c.dir),
		zap.Int("entries", len(c.items)),
		zap.Int64("bytes", c.size))
	return nil
}

// fileName maps a cache key to its on-disk base name.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *DiskCache) dataPath(name string) string {
	return filepath.Join(c.dir, name+dataSuffix)
}

func (c *DiskCache) metaPath(name string) string {
	return filepath.Join(c.dir, name+metaSuffix)
}

// Get returns a snapshot handle for key, or nil on a miss.
func (c *DiskCache) Get(key string) *Entry {
	name := fileName(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[name]
	if !ok {
		return nil
	}
	if _, err := os.Stat(c.dataPath(name)); err != nil {
		c.removeElement(elem)
		return nil
	}
	c.lruList.MoveToFront(elem)
	return &Entry{
		Key:      key,
		dataPath: c.dataPath(name),
		metaPath: c.metaPath(name),
		cache:    c,
	}
}

func (c *DiskCache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[fileName(key)]
	return ok
}

// Edit opens an editor for key. Only one editor per key may be open.
func (c *DiskCache) Edit(key string) (*Editor, error) {
	name := fileName(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.editing[name] {
		return nil, ErrEditInProgress
	}
	c.editing[name] = true
	return &Editor{key: key, name: name, cache: c}, nil
}

func (c *DiskCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fileName(key)]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Lock serializes check-compute-store for key.
func (c *DiskCache) Lock(ctx context.Context, key string) (func(), error) {
	return c.locks.Lock(ctx, key)
}

func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trimLocked(0)

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, f := range files {
		n := f.Name()
		if strings.HasSuffix(n, dataSuffix) || strings.HasSuffix(n, metaSuffix) {
			os.Remove(filepath.Join(c.dir, n))
		}
	}
	return nil
}

func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *DiskCache) MaxSize() int64 {
	return c.maxSize
}

func (c *DiskCache) Dir() string {
	return c.dir
}

func (c *DiskCache) commit(name string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.editing, name)
	if elem, ok := c.items[name]; ok {
		old := elem.Value.(*diskItem)
		c.size += size - old.size
		old.size = size
		c.lruList.MoveToFront(elem)
	} else {
		c.items[name] = c.lruList.PushFront(&diskItem{name: name, size: size})
		c.size += size
	}
	c.trimLocked(c.maxSize)
}

func (c *DiskCache) endEdit(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.editing, name)
}

func (c *DiskCache) trimLocked(target int64) {
	for c.size > target {
		oldest := c.lruList.Back()
		if oldest == nil {
			return
		}
		c.logger.Debug("disk cache evict",
			zap.String("cache_dir", c.dir),
			zap.String("name", oldest.Value.(*diskItem).name))
		c.removeElement(oldest)
	}
}

func (c *DiskCache) removeElement(elem *list.Element) {
	item := elem.Value.(*diskItem)
	c.lruList.Remove(elem)
	delete(c.items, item.name)
	c.size -= item.size
	os.Remove(c.dataPath(item.name))
	os.Remove(c.metaPath(item.name))
}

// Entry is a read handle on a committed cache entry.
type Entry struct {
	Key      string
	dataPath string
	metaPath string
	cache    *DiskCache
}

// Data opens the data blob.
func (e *Entry) Data() (io.ReadCloser, error) {
	return os.Open(e.dataPath)
}

// DataPath is the on-disk location of the data blob, for loaders that work
// on paths.
func (e *Entry) DataPath() string {
	return e.dataPath
}

// Metadata returns the metadata blob, or nil when none was written.
func (e *Entry) Metadata() ([]byte, error) {
	data, err := os.ReadFile(e.metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Remove deletes the entry from its cache.
func (e *Entry) Remove() bool {
	return e.cache.Remove(e.Key)
}

// Editor writes a new entry into temp files that become visible only on
// Commit. Every editor must end with Commit or Abort.
type Editor struct {
	key   string
	name  string
	cache *DiskCache
	data  *os.File
	meta  *os.File
	done  bool
}

func (ed *Editor) Key() string {
	return ed.key
}

// Data returns the writer for the data blob.
func (ed *Editor) Data() (io.Writer, error) {
	if ed.data == nil {
		f, err := ed.createTemp(dataSuffix)
		if err != nil {
			return nil, err
		}
		ed.data = f
	}
	return ed.data, nil
}

// Metadata returns the writer for the metadata blob.
func (ed *Editor) Metadata() (io.Writer, error) {
	if ed.meta == nil {
		f, err := ed.createTemp(metaSuffix)
		if err != nil {
			return nil, err
		}
		ed.meta = f
	}
	return ed.meta, nil
}

func (ed *Editor) createTemp(suffix string) (*os.File, error) {
	if ed.done {
		return nil, errors.New("cache: editor already closed")
	}
	tmp := filepath.Join(ed.cache.dir, ed.name+suffix+"."+uuid.NewString()+tmpSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}

// Commit moves the written blobs into place. An editor that never wrote
// data is aborted instead.
func (ed *Editor) Commit() error {
	if ed.done {
		return errors.New("cache: editor already closed")
	}
	if ed.data == nil {
		ed.Abort()
		return errors.New("cache: commit without data")
	}
	ed.done = true

	var size int64
	dataPath := ed.cache.dataPath(ed.name)
	metaPath := ed.cache.metaPath(ed.name)

	n, err := closeAndMove(ed.data, dataPath)
	if err != nil {
		removeTemp(ed.meta)
		ed.cache.Remove(ed.key)
		ed.cache.endEdit(ed.name)
		return err
	}
	size += n

	if ed.meta != nil {
		n, err := closeAndMove(ed.meta, metaPath)
		if err != nil {
			ed.cache.Remove(ed.key)
			os.Remove(dataPath)
			ed.cache.endEdit(ed.name)
			return err
		}
		size += n
	} else {
		os.Remove(metaPath)
	}

	ed.cache.commit(ed.name, size)
	return nil
}

// Abort discards anything written. Safe to call after Commit.
func (ed *Editor) Abort() {
	if ed.done {
		return
	}
	ed.done = true
	removeTemp(ed.data)
	removeTemp(ed.meta)
	ed.cache.endEdit(ed.name)
}

func closeAndMove(f *os.File, dst string) (int64, error) {
	info, statErr := f.Stat()
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if statErr != nil {
		os.Remove(f.Name())
		return 0, fmt.Errorf("failed to stat temp file: %w", statErr)
	}
	if err := os.Rename(f.Name(), dst); err != nil {
		os.Remove(f.Name())
		return 0, fmt.Errorf("failed to commit cache file: %w", err)
	}
	return info.Size(), nil
}

func removeTemp(f *os.File) {
	if f == nil {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

package request

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Context coordinates one logical execution. It owns the current request,
// the history it was derived from and the lazily computed keys.
type Context struct {
	id         string
	components Components

	mu         sync.Mutex
	requests   []*ImageRequest
	size       Size
	cacheKey   string
	displayKey string
}

// NewContext resolves the size of req and starts a context around it.
func NewContext(ctx context.Context, req *ImageRequest, comps Components) (*Context, error) {
	size, err := resolveSize(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Context{
		id:         uuid.New().String(),
		components: comps,
		requests:   []*ImageRequest{req},
		size:       size,
	}, nil
}

func resolveSize(ctx context.Context, req *ImageRequest) (Size, error) {
	if req.sizeResolver == nil {
		return Size{}, nil
	}
	size, err := req.sizeResolver.Size(ctx)
	if err != nil {
		return Size{}, fmt.Errorf("failed to resolve size: %w", err)
	}
	if size.Width < 0 || size.Height < 0 {
		return Size{}, fmt.Errorf("invalid resolved size: %s", size)
	}
	return size, nil
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) Components() Components {
	return c.components
}

// Request is the current request.
func (c *Context) Request() *ImageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

// Requests returns the history, oldest first.
func (c *Context) Requests() []*ImageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ImageRequest(nil), c.requests...)
}

// Size is the resolved size before the multiplier.
func (c *Context) Size() Size {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// TargetSize is the size the decoded image is fitted to.
func (c *Context) TargetSize() Size {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size.Multiply(c.requests[len(c.requests)-1].sizeMultiplier)
}

// SetRequest replaces the current request. The size is resolved again and
// the keys are invalidated.
func (c *Context) SetRequest(ctx context.Context, req *ImageRequest) error {
	if req == c.Request() {
		return nil
	}
	size, err := resolveSize(ctx, req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	c.size = size
	c.cacheKey = ""
	c.displayKey = ""
	return nil
}

func (c *Context) CacheKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cacheKey == "" {
		c.cacheKey = CacheKey(c.requests[len(c.requests)-1], c.size, c.components)
	}
	return c.cacheKey
}

func (c *Context) DisplayKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.displayKey == "" {
		c.displayKey = DisplayKey(c.requests[len(c.requests)-1], c.size, c.components)
	}
	return c.displayKey
}

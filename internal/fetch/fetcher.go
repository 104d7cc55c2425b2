// Package fetch turns a request URI into encoded image data. Network
// fetchers go through the download cache; local ones read in place.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"pixelflow/internal/request"
)

var (
	// ErrUnsupportedURI means no registered fetcher handles the scheme.
	ErrUnsupportedURI = errors.New("fetch: unsupported uri")
	// ErrNotFound means the source does not exist.
	ErrNotFound = errors.New("fetch: not found")
)

// Result is the outcome of a fetch. MimeType may be empty when the source
// did not declare one.
type Result struct {
	Source   DataSource
	MimeType string
}

type Fetcher interface {
	Key() string
	Supports(uri string) bool
	Fetch(ctx context.Context, req *request.ImageRequest) (*Result, error)
}

// Registry picks the first fetcher that supports a URI.
type Registry struct {
	fetchers []Fetcher
}

func NewRegistry(fetchers ...Fetcher) *Registry {
	return &Registry{fetchers: fetchers}
}

func (r *Registry) For(uri string) (Fetcher, error) {
	for _, f := range r.fetchers {
		if f.Supports(uri) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
}

// Keys lists fetcher identities in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.fetchers))
	for i, f := range r.fetchers {
		keys[i] = f.Key()
	}
	return keys
}

// StatusError is a non-success response from a remote source.
type StatusError struct {
	URI        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URI, e.StatusCode)
}

func localDepthCheck(req *request.ImageRequest) error {
	if !req.Depth().Allows(request.DepthLocal) {
		return &request.DepthError{Depth: req.Depth(), Reason: "local read of " + req.URI() + " is not allowed"}
	}
	return nil
}

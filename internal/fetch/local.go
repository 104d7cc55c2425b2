package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pixelflow/internal/request"
)

// FileFetcher reads file:// URIs and absolute paths.
type FileFetcher struct{}

func (FileFetcher) Key() string {
	return "FileFetcher"
}

func (FileFetcher) Supports(uri string) bool {
	return strings.HasPrefix(uri, "file://") || filepath.IsAbs(uri)
}

func (FileFetcher) Fetch(ctx context.Context, req *request.ImageRequest) (*Result, error) {
	if err := localDepthCheck(req); err != nil {
		return nil, err
	}
	path := req.URI()
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("invalid file uri: %w", err)
		}
		path = u.Path
	}
	return statLocal(path)
}

func statLocal(path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &Result{
		Source:   NewFileSource(path, request.FromLocal),
		MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
	}, nil
}

// AssetResolver maps an asset id to a file on disk.
type AssetResolver interface {
	Path(id string) (string, bool)
}

// AssetFetcher reads asset://<id> URIs from the asset catalog.
type AssetFetcher struct {
	resolver AssetResolver
}

func NewAssetFetcher(resolver AssetResolver) *AssetFetcher {
	return &AssetFetcher{resolver: resolver}
}

func (f *AssetFetcher) Key() string {
	return "AssetFetcher"
}

func (f *AssetFetcher) Supports(uri string) bool {
	return strings.HasPrefix(uri, "asset://")
}

func (f *AssetFetcher) Fetch(ctx context.Context, req *request.ImageRequest) (*Result, error) {
	if err := localDepthCheck(req); err != nil {
		return nil, err
	}
	id := strings.TrimPrefix(req.URI(), "asset://")
	path, ok := f.resolver.Path(id)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, id)
	}
	return statLocal(path)
}

// DataURIFetcher decodes data:<mime>;base64,<payload> URIs.
type DataURIFetcher struct{}

func (DataURIFetcher) Key() string {
	return "DataURIFetcher"
}

func (DataURIFetcher) Supports(uri string) bool {
	return strings.HasPrefix(uri, "data:")
}

func (DataURIFetcher) Fetch(ctx context.Context, req *request.ImageRequest) (*Result, error) {
	if err := localDepthCheck(req); err != nil {
		return nil, err
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(req.URI(), "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("invalid data uri")
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return nil, fmt.Errorf("data uri must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid data uri payload: %w", err)
	}
	return &Result{Source: NewByteSource(data, request.FromLocal), MimeType: mimeType}, nil
}

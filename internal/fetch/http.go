package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pixelflow/internal/request"
)

// HTTPFetcher downloads http and https URIs.
type HTTPFetcher struct {
	client     *http.Client
	limiter    *rate.Limiter
	downloader *Downloader
	logger     *zap.Logger
}

// NewHTTPFetcher creates a fetcher; a nil limiter means unlimited.
func NewHTTPFetcher(client *http.Client, limiter *rate.Limiter, downloader *Downloader, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{client: client, limiter: limiter, downloader: downloader, logger: logger}
}

func (f *HTTPFetcher) Key() string {
	return "HttpFetcher"
}

func (f *HTTPFetcher) Supports(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *request.ImageRequest) (*Result, error) {
	return f.downloader.Fetch(ctx, req, func(ctx context.Context) (io.ReadCloser, string, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI(), nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to build request: %w", err)
		}
		for name, value := range req.HTTPHeaders() {
			httpReq.Header.Set(name, value)
		}

		f.logger.Debug("Downloading", zap.String("uri", req.URI()))
		resp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download %s: %w", req.URI(), err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, req.URI())
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			return nil, "", &StatusError{URI: req.URI(), StatusCode: resp.StatusCode}
		}
		return resp.Body, resp.Header.Get("Content-Type"), nil
	})
}

package fetch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pixelflow/internal/request"
)

// NewS3Client connects to an S3 compatible endpoint.
func NewS3Client(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return client, nil
}

// S3Fetcher downloads s3://bucket/key URIs.
type S3Fetcher struct {
	client     *minio.Client
	limiter    *rate.Limiter
	downloader *Downloader
	logger     *zap.Logger
}

func NewS3Fetcher(client *minio.Client, limiter *rate.Limiter, downloader *Downloader, logger *zap.Logger) *S3Fetcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Fetcher{client: client, limiter: limiter, downloader: downloader, logger: logger}
}

func (f *S3Fetcher) Key() string {
	return "S3Fetcher"
}

func (f *S3Fetcher) Supports(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

// parseS3URI splits s3://bucket/some/key.
func parseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 uri: %s", uri)
	}
	return bucket, key, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, req *request.ImageRequest) (*Result, error) {
	bucket, key, err := parseS3URI(req.URI())
	if err != nil {
		return nil, err
	}
	return f.downloader.Fetch(ctx, req, func(ctx context.Context) (io.ReadCloser, string, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}

		f.logger.Debug("Downloading", zap.String("bucket", bucket), zap.String("key", key))
		obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, "", s3Error(req.URI(), err)
		}
		info, err := obj.Stat()
		if err != nil {
			obj.Close()
			return nil, "", s3Error(req.URI(), err)
		}
		return obj, info.ContentType, nil
	})
}

func s3Error(uri string, err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" || errResp.Code == "NoSuchBucket" {
		return fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return fmt.Errorf("failed to download %s: %w", uri, err)
}

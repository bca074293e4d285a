package blob

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/geoforge/rasterflow/internal/platform/logger"
)

// GCSBucket uploads result payloads to a Cloud Storage bucket.
type GCSBucket struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewGCSBucket(ctx context.Context, baseLog *logger.Logger, bucket string, opts ...option.ClientOption) (*GCSBucket, error) {
	if bucket == "" {
		return nil, fmt.Errorf("missing results bucket name")
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSBucket{
		log:    baseLog.With("service", "GCSBucket"),
		client: client,
		bucket: bucket,
	}, nil
}

func (b *GCSBucket) Upload(ctx context.Context, path string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(path).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object %s: %w", path, err)
	}
	return nil
}

func (b *GCSBucket) Close() error { return b.client.Close() }

package objectstore

import (
	"context"
	"io"
)

// FileStorer holds uploaded documents by bucket and key.
type FileStorer interface {
	// Upload stores file and returns its location.
	Upload(ctx context.Context, file io.Reader, bucket, key, contentType string) (string, error)
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}

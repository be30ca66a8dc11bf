package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrObjectNotFound = errors.New("blob object not found")

// Store is a flat key/value object store. Put overwrites; Delete of a
// missing key succeeds.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	// Open returns a reader over the object. Callers must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Backend           string
	FSRoot            string
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
}

// NewFromConfig opens the filesystem or S3 store named by cfg.Backend.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "filesystem"
	}

	switch backend {
	case "filesystem", "fs", "local":
		return NewFilesystemStore(cfg.FSRoot)
	case "s3", "r2", "minio":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", backend)
	}
}

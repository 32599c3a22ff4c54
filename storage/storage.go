// Package storage uploads track audio to object storage and hands out the
// public URLs spectators play from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eschnou/sunorooms/config"
)

// ObjectStore is a bucket with publicly readable objects.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// ErrObjectNotFound is returned when an object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// BucketStats summarises a listing.
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

func (s *BucketStats) add(o ObjectInfo) {
	s.TotalObjects++
	s.TotalSize += o.Size
	if o.LastModified.After(s.LastModified) {
		s.LastModified = o.LastModified
	}
}

// New builds the object store selected by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.StorageBackend {
	case "", "minio":
		return NewMinioStore(ctx, MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
			PublicURL: cfg.MinioPublicURL,
		})
	case "s3":
		return NewS3Store(ctx, S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			PublicURL: cfg.S3PublicURL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// objectURL joins base, bucket and path for path-style public access.
func objectURL(base, bucket, path string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + strings.TrimLeft(path, "/")
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eschnou/sunorooms/logger"
)

// MinioOptions configures a MinIO backed store.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// PublicURL is the base spectators fetch from. Defaults to the endpoint.
	PublicURL string
}

// MinioStore stores audio in a MinIO bucket readable by anyone.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	region    string
	publicURL string
}

// NewMinioStore connects to MinIO and makes sure the bucket exists and is
// publicly readable.
func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	s, err := newMinioStore(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	logger.Info("MinIO storage ready",
		logger.String("endpoint", opts.Endpoint),
		logger.String("bucket", s.bucket),
		logger.String("publicUrl", s.publicURL))
	return s, nil
}

func newMinioStore(opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	public := opts.PublicURL
	if public == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		public = scheme + "://" + opts.Endpoint
	}

	return &MinioStore{
		client:    client,
		bucket:    opts.Bucket,
		region:    opts.Region,
		publicURL: strings.TrimRight(public, "/"),
	}, nil
}

// EnsureBucket creates the bucket if missing and grants anonymous read.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
		logger.Info("Created bucket", logger.String("bucket", s.bucket))
	}

	if err := s.client.SetBucketPolicy(ctx, s.bucket, publicReadPolicy(s.bucket)); err != nil {
		return fmt.Errorf("failed to set policy on bucket %s: %w", s.bucket, err)
	}
	return nil
}

func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}

// Upload writes data to path, replacing any existing object.
func (s *MinioStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=3600",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	logger.Debug("Uploaded object",
		logger.String("bucket", s.bucket),
		logger.String("path", path),
		logger.Int("size", len(data)))
	return nil
}

// PublicURL returns the anonymous URL of path.
func (s *MinioStore) PublicURL(path string) string {
	return objectURL(s.publicURL, s.bucket, path)
}

// List returns the objects under prefix, newest first, with totals.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	stats := &BucketStats{}
	var objects []ObjectInfo

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, nil, fmt.Errorf("failed to list bucket %s: %w", s.bucket, obj.Err)
		}
		info := ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
			ETag:         obj.ETag,
		}
		objects = append(objects, info)
		stats.add(info)
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, stats, nil
}

// Open returns a seekable reader over the object at path.
func (s *MinioStore) Open(ctx context.Context, path string) (io.ReadSeekCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return obj, ObjectInfo{
		Key:          st.Key,
		Size:         st.Size,
		LastModified: st.LastModified,
		ContentType:  st.ContentType,
		ETag:         st.ETag,
	}, nil
}

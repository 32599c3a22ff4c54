package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eschnou/sunorooms/logger"
)

// S3Options configures an S3 compatible store.
type S3Options struct {
	// Endpoint overrides the AWS endpoint, e.g. for R2 or a local MinIO.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	// PublicURL is a base that serves objects by key, e.g. a CDN in front
	// of the bucket.
	PublicURL string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store stores audio in an S3 bucket.
type S3Store struct {
	client    putObjectAPI
	bucket    string
	publicURL string
	pathStyle bool
}

// NewS3Store builds an S3 client from static credentials when given, the
// default AWS credential chain otherwise.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	s := newS3Store(client, opts)
	logger.Info("S3 storage ready",
		logger.String("bucket", s.bucket),
		logger.String("region", opts.Region),
		logger.String("publicUrl", s.publicURL))
	return s, nil
}

func newS3Store(client putObjectAPI, opts S3Options) *S3Store {
	s := &S3Store{client: client, bucket: opts.Bucket}
	switch {
	case opts.PublicURL != "":
		s.publicURL = strings.TrimRight(opts.PublicURL, "/")
	case opts.Endpoint != "":
		s.publicURL = strings.TrimRight(opts.Endpoint, "/")
		s.pathStyle = true
	default:
		s.publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
	}
	return s
}

// Upload writes data to path, replacing any existing object.
func (s *S3Store) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("public, max-age=3600"),
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
func (s *S3Store) PublicURL(path string) string {
	if s.pathStyle {
		return objectURL(s.publicURL, s.bucket, path)
	}
	return s.publicURL + "/" + strings.TrimLeft(path, "/")
}

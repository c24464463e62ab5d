// Package blob fetches stored attachment content from S3-compatible object
// storage. Queued entries reference attachments by key so large payloads
// never live inside the queue rows.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrInvalidConfig = errors.New("blob: invalid configuration")
	ErrNotFound      = errors.New("blob: object not found")
	ErrAccessDenied  = errors.New("blob: access denied")
	ErrFetchFailed   = errors.New("blob: fetch failed")
	ErrTooLarge      = errors.New("blob: object exceeds size limit")
)

// Config holds S3-compatible storage configuration.
type Config struct {
	Bucket    string `env:"BLOB_BUCKET"`
	AccessKey string `env:"BLOB_ACCESS_KEY"`
	SecretKey string `env:"BLOB_SECRET_KEY"`
	// Endpoint overrides the AWS endpoint, for MinIO and friends.
	Endpoint  string `env:"BLOB_ENDPOINT"`
	Region    string `env:"BLOB_REGION" envDefault:"us-east-1"`
	PathStyle bool   `env:"BLOB_PATH_STYLE" envDefault:"false"`
	// MaxObjectSize caps a single attachment fetch, in bytes.
	MaxObjectSize int64 `env:"BLOB_MAX_OBJECT_SIZE" envDefault:"26214400"`
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("%w: credentials are required", ErrInvalidConfig)
	}
	return nil
}

// Store reads attachment objects from an S3 bucket.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New creates a Store with the given configuration.
func New(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)
		},
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.PathStyle
		})
	}

	return &Store{client: s3.New(s3.Options{}, opts...), cfg: cfg}, nil
}

// Fetch downloads the full object at key.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapS3Error(err, ErrFetchFailed)
	}
	defer output.Body.Close()

	if output.ContentLength != nil && *output.ContentLength > s.cfg.MaxObjectSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, *output.ContentLength)
	}

	content, err := io.ReadAll(io.LimitReader(output.Body, s.cfg.MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetchFailed, key, err)
	}
	if int64(len(content)) > s.cfg.MaxObjectSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, key)
	}
	return content, nil
}

// wrapS3Error maps provider errors onto package sentinels. The original
// error is flattened with %v so callers match sentinels, not AWS types.
func wrapS3Error(err error, fallback error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}

	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	return fmt.Errorf("%w: %v", fallback, err)
}

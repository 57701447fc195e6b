package archival

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/smallbiznis/auditrail/internal/config"
)

// BlobStore receives archived batches.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

var ErrBucketRequired = errors.New("archival bucket is required")

type S3BlobStore struct {
	client *s3.Client
	bucket string
}

// NewS3BlobStore builds a client for S3 or an S3-compatible endpoint.
// Static credentials are used when given; otherwise the default chain
// applies through environment variables.
func NewS3BlobStore(cfg config.ArchivalConfig) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
	}

	opts := s3.Options{
		Region: cfg.Region,
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return &S3BlobStore{client: s3.New(opts), bucket: cfg.Bucket}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

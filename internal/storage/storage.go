// Package storage implements the object-store abstraction spec.md §4.6
// describes: buckets addressed as "/{bucket}/{key}", blob read/write/copy,
// listing by prefix, and last-modified lookups. The concrete implementation
// talks to S3 (or any S3-compatible endpoint such as MinIO) as a
// multi-bucket, general-purpose client shared by blob storage, corpus sync,
// build fetch, and report upload.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectMetadata is the subset of object metadata callers need: its size,
// last-modified time, and (for blobs) the original filename it was written
// with.
type ObjectMetadata struct {
	Key              string
	Size             int64
	LastModified     time.Time
	OriginalFilename string
}

// Store is the object-store contract every caller programs against,
// matching spec.md §4.6's operation list.
type Store interface {
	CreateBucket(ctx context.Context, bucket string) error
	ListBlobs(ctx context.Context, bucket, prefix string) ([]ObjectMetadata, error)
	Get(ctx context.Context, bucket, key string) (*ObjectMetadata, error)
	CopyFileFrom(ctx context.Context, bucket, key, localPath string) error
	CopyFileTo(ctx context.Context, localPath, bucket, key string) error
	ReadData(ctx context.Context, bucket, key string) ([]byte, error)
	WriteData(ctx context.Context, data []byte, bucket, key string) error
	Delete(ctx context.Context, bucket, key string) error
	LastUpdated(ctx context.Context, bucket, key string) (time.Time, bool, error)
}

// S3Store is the Store implementation backed by aws-sdk-go-v2, usable
// against AWS S3 or any S3-compatible endpoint (MinIO) by overriding the
// endpoint resolver in the aws.Config passed to NewS3Store.
type S3Store struct {
	client *s3.Client
	logger *slog.Logger
}

// NewS3Store constructs an S3Store from the ambient AWS configuration
// (environment variables, shared config files, or an endpoint override the
// caller has already applied to awsCfg).
func NewS3Store(awsCfg aws.Config, logger *slog.Logger) *S3Store {
	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		logger: logger,
	}
}

// LoadDefaultAWSConfig loads the default AWS SDK v2 configuration chain.
func LoadDefaultAWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

func (s *S3Store) CreateBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		var alreadyExists *types.BucketAlreadyExists
		if errors.As(err, &alreadyOwned) || errors.As(err, &alreadyExists) {
			return nil
		}
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return nil
}

func (s *S3Store) ListBlobs(ctx context.Context, bucket, prefix string) ([]ObjectMetadata, error) {
	var out []ObjectMetadata
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %q/%q: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			meta := ObjectMetadata{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				meta.Size = *obj.Size
			}
			if obj.LastModified != nil {
				meta.LastModified = *obj.LastModified
			}
			out = append(out, meta)
		}
	}
	return out, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (*ObjectMetadata, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("head object %q/%q: %w", bucket, key, err)
	}
	meta := &ObjectMetadata{Key: key}
	if head.ContentLength != nil {
		meta.Size = *head.ContentLength
	}
	if head.LastModified != nil {
		meta.LastModified = *head.LastModified
	}
	if head.Metadata != nil {
		meta.OriginalFilename = head.Metadata["original-filename"]
	}
	return meta, nil
}

func (s *S3Store) CopyFileFrom(ctx context.Context, bucket, key, localPath string) error {
	data, err := s.ReadData(ctx, bucket, key)
	if err != nil {
		return err
	}
	return writeFile(localPath, data)
}

func (s *S3Store) CopyFileTo(ctx context.Context, localPath, bucket, key string) error {
	data, err := readFile(localPath)
	if err != nil {
		return err
	}
	return s.WriteData(ctx, data, bucket, key)
}

func (s *S3Store) ReadData(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object %q/%q: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body %q/%q: %w", bucket, key, err)
	}
	return data, nil
}

func (s *S3Store) WriteData(ctx context.Context, data []byte, bucket, key string) error {
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   strings.NewReader(string(data)),
	})
	if err != nil {
		return fmt.Errorf("put object %q/%q: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("delete object %q/%q: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) LastUpdated(ctx context.Context, bucket, key string) (time.Time, bool, error) {
	meta, err := s.Get(ctx, bucket, key)
	if err != nil {
		return time.Time{}, false, err
	}
	if meta == nil {
		return time.Time{}, false, nil
	}
	return meta.LastModified, true, nil
}

// Package s3 provides a store.BlobStorage implementation backed by an S3
// compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/haukened/goneshare/internal/domain"
	"github.com/haukened/goneshare/internal/store"
)

var _ store.BlobStorage = (*BlobStore)(nil)

// API is the subset of the S3 client the BlobStore calls.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Options configures the S3 client.
type Options struct {
	Bucket    string
	Region    string
	Endpoint  string // custom endpoint (MinIO etc.); enables path-style addressing
	AccessKey string
	SecretKey string
	Prefix    string
}

// BlobStore stores each blob as one object under Prefix.
type BlobStore struct {
	api    API
	bucket string
	prefix string
}

// New returns a BlobStore over an existing client.
func New(api API, bucket, prefix string) *BlobStore {
	return &BlobStore{api: api, bucket: bucket, prefix: prefix}
}

// NewFromOptions builds an S3 client from opts. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
func NewFromOptions(ctx context.Context, opts Options) (*BlobStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, opts.Bucket, opts.Prefix), nil
}

func (b *BlobStore) objectKey(key string) string { return b.prefix + key }

// Ping reports whether the bucket is reachable with the configured credentials.
func (b *BlobStore) Ping(ctx context.Context) error {
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return domain.Unavailable("s3 head bucket", err)
}

// Put uploads data as a new object.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := domain.ParseID(key); err != nil {
		return fmt.Errorf("invalid blob key: %w", err)
	}
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		IfNoneMatch:   aws.String("*"),
	})
	return domain.Unavailable("blob put", err)
}

// Get downloads the whole object.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if _, err := domain.ParseID(key); err != nil {
		return nil, fmt.Errorf("invalid blob key: %w", err)
	}
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("blob get: %w", domain.ErrBlobMissing)
		}
		return nil, domain.Unavailable("blob get", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, domain.Unavailable("blob read", err)
	}
	return data, nil
}

// Delete removes the object. S3 treats a missing key as success.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	return domain.Unavailable("blob delete", err)
}

// List returns the keys of objects under the prefix last modified before t.
func (b *BlobStore) List(ctx context.Context, t time.Time) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, domain.Unavailable("blob list", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(t) {
				continue
			}
			k := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if _, err := domain.ParseID(k); err != nil {
				continue
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

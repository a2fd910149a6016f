package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/droughtwatch/droughtwatch/internal/config"
)

// S3Store implements BlobStore against any S3-compatible endpoint
// (AWS, minio, localstack).
type S3Store struct {
	client *minio.Client
	region string
}

// make sure *S3Store implements BlobStore
var _ BlobStore = &S3Store{}

// NewS3Store creates a blob store for the configured S3 endpoint.
//
// Credentials are resolved as a chain: static keys from the config when
// present, then AWS env vars, then minio env vars, then IAM instance
// credentials.
func NewS3Store(cfg config.StorageConfig) (*S3Store, error) {
	providers := []credentials.Provider{
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey,
			},
		},
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.IAM{
			Client: &http.Client{Transport: http.DefaultTransport},
		},
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewChainCredentials(providers),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &S3Store{client: client, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist. The region is only
// passed for non us-east-1 buckets, matching S3's legacy create-bucket
// behavior.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}

	opts := minio.MakeBucketOptions{}
	if s.region != "" && s.region != "us-east-1" {
		opts.Region = s.region
	}
	if err := s.client.MakeBucket(ctx, bucket, opts); err != nil {
		// Lost the race against a concurrent creator.
		if exists, exErr := s.client.BucketExists(ctx, bucket); exErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Put stores data under the given key.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get retrieves the object stored under key.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound{Bucket: bucket, Key: key}
		}
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Stat returns object metadata without fetching the payload.
func (s *S3Store) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, ErrNotFound{Bucket: bucket, Key: key}
		}
		return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		LastModified: info.LastModified,
	}, nil
}

// List returns all objects under prefix in lexical key order.
func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		infos = append(infos, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         strings.Trim(obj.ETag, `"`),
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Remove deletes the object stored under key.
func (s *S3Store) Remove(ctx context.Context, bucket, key string) error {
	// S3 deletes are idempotent; surface missing objects explicitly to match
	// the BlobStore contract.
	if _, err := s.Stat(ctx, bucket, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (s *S3Store) Close() error { return nil }

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

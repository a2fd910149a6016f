// Package storage provides object storage for raw data, processed records,
// predictions, and exported models.
package storage

import (
	"context"
	"time"
)

// BlobStore abstracts the object storage backend (S3-compatible or local
// filesystem). Keys are bucket-relative, slash-separated paths.
type BlobStore interface {
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// Put stores data under the given key, overwriting any existing object.
	Put(ctx context.Context, bucket, key string, data []byte) error

	// Get retrieves the object stored under key.
	// Returns ErrNotFound if the object doesn't exist.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Stat returns object metadata without fetching the payload.
	// Returns ErrNotFound if the object doesn't exist.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// List returns metadata for all objects whose key starts with prefix,
	// in lexical key order. An empty prefix lists the whole bucket.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// Remove deletes the object stored under key.
	// Returns ErrNotFound if the object doesn't exist.
	Remove(ctx context.Context, bucket, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string // content checksum (md5 hex for S3-compatible stores)
	LastModified time.Time
}

// ErrNotFound is returned when an object doesn't exist.
type ErrNotFound struct {
	Bucket string
	Key    string
}

func (e ErrNotFound) Error() string {
	return "object not found: " + e.Bucket + "/" + e.Key
}

// IsNotFound returns true if the error is ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(ErrNotFound)
	return ok
}

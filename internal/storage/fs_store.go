package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStore is a filesystem-based implementation of BlobStore. Buckets map to
// directories under the base path; keys map to files inside them. It exists
// for development and tests; production deployments use the S3 store.
type FSStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFSStore creates a new filesystem-based blob store rooted at basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", basePath, err)
	}
	return &FSStore{basePath: basePath}, nil
}

// EnsureBucket creates the bucket directory if missing.
func (s *FSStore) EnsureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.basePath, bucket), 0750); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Put stores data under the given key, creating parent directories as needed.
func (s *FSStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	// Write via temp file + rename so readers never observe partial objects.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename object into place: %w", err)
	}
	return nil
}

// Get retrieves the object stored under key.
func (s *FSStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound{Bucket: bucket, Key: key}
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Stat returns object metadata. The ETag is the md5 of the content, matching
// what S3-compatible stores report for single-part uploads.
func (s *FSStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, ErrNotFound{Bucket: bucket, Key: key}
		}
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object for checksum: %w", err)
	}
	sum := md5.Sum(data)

	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: fi.ModTime(),
	}, nil
}

// List returns all objects under prefix in lexical key order.
func (s *FSStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucketDir := filepath.Join(s.basePath, bucket)
	if _, err := os.Stat(bucketDir); os.IsNotExist(err) {
		return nil, nil
	}

	var infos []ObjectInfo
	err := filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Remove deletes the object stored under key.
func (s *FSStore) Remove(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound{Bucket: bucket, Key: key}
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error { return nil }

// objectPath maps bucket/key to a filesystem path, rejecting traversal.
func (s *FSStore) objectPath(bucket, key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid object key: %s", key)
	}
	return filepath.Join(s.basePath, bucket, cleaned), nil
}

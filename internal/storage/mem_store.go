package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory BlobStore used by tests.
type MemStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
}

type memObject struct {
	data     []byte
	modified time.Time
}

// NewMemStore creates an empty in-memory blob store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]map[string]memObject)}
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MemStore) EnsureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]memObject)
	}
	return nil
}

// Put stores data under the given key.
func (s *MemStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]memObject)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.buckets[bucket][key] = memObject{data: cp, modified: time.Now()}
	return nil
}

// Get retrieves the object stored under key.
func (s *MemStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound{Bucket: bucket, Key: key}
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

// Stat returns object metadata.
func (s *MemStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return ObjectInfo{}, ErrNotFound{Bucket: bucket, Key: key}
	}
	sum := md5.Sum(obj.data)
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: obj.modified,
	}, nil
}

// List returns all objects under prefix in lexical key order.
func (s *MemStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []ObjectInfo
	for key, obj := range s.buckets[bucket] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sum := md5.Sum(obj.data)
		infos = append(infos, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ETag:         hex.EncodeToString(sum[:]),
			LastModified: obj.modified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Remove deletes the object stored under key.
func (s *MemStore) Remove(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket][key]; !ok {
		return ErrNotFound{Bucket: bucket, Key: key}
	}
	delete(s.buckets[bucket], key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

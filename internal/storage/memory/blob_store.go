// Package memory stores objects in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

// BlobStore implements pipeline.ObjectStore in memory.
type BlobStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	policies map[string]*pipeline.AccessPolicy
	failPut  map[string]error
	failOnce map[string]error
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:     make(map[string][]byte),
		policies: make(map[string]*pipeline.AccessPolicy),
		failPut:  make(map[string]error),
		failOnce: make(map[string]error),
	}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// FailOn makes every later write to bucket/key fail with err.
func (s *BlobStore) FailOn(bucket, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut[objectID(bucket, key)] = err
}

// FailNext makes only the next write to bucket/key fail with err.
func (s *BlobStore) FailNext(bucket, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOnce[objectID(bucket, key)] = err
}

// List returns base names of the objects directly under prefix.
func (s *BlobStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for id := range s.data {
		key, ok := strings.CutPrefix(id, bucket+"/")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return storage.BaseNames(prefix, keys), nil
}

// GetText returns the object content as a string.
func (s *BlobStore) GetText(_ context.Context, bucket, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[objectID(bucket, key)]
	if !ok {
		return "", fmt.Errorf("get %s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return string(data), nil
}

// PutText stores text under key.
func (s *BlobStore) PutText(_ context.Context, bucket, key, text string, policy *pipeline.AccessPolicy) error {
	return s.put(bucket, key, []byte(text), policy)
}

// PutFile copies a local file into the store.
func (s *BlobStore) PutFile(_ context.Context, bucket, key, localPath string, policy *pipeline.AccessPolicy) error {
	data, err := os.ReadFile(localPath) //nolint:gosec // caller supplies scratch paths
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	return s.put(bucket, key, data, policy)
}

// Copy duplicates an object.
func (s *BlobStore) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string, policy *pipeline.AccessPolicy) error {
	s.mu.RLock()
	data, ok := s.data[objectID(srcBucket, srcKey)]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("copy %s/%s: %w", srcBucket, srcKey, storage.ErrNotFound)
	}
	return s.put(dstBucket, dstKey, data, policy)
}

// Delete removes an object.
func (s *BlobStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := objectID(bucket, key)
	if _, ok := s.data[id]; !ok {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	delete(s.data, id)
	delete(s.policies, id)
	return nil
}

// Object returns a copy of a stored object.
func (s *BlobStore) Object(bucket, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[objectID(bucket, key)]
	return append([]byte(nil), data...), ok
}

// Policy returns the access policy an object was written with.
func (s *BlobStore) Policy(bucket, key string) *pipeline.AccessPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[objectID(bucket, key)]
}

func (s *BlobStore) put(bucket, key string, data []byte, policy *pipeline.AccessPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := objectID(bucket, key)
	if err := s.failPut[id]; err != nil {
		return fmt.Errorf("put %s: %w", id, err)
	}
	if err := s.failOnce[id]; err != nil {
		delete(s.failOnce, id)
		return fmt.Errorf("put %s: %w", id, err)
	}
	s.data[id] = append([]byte(nil), data...)
	if policy != nil {
		p := *policy
		s.policies[id] = &p
	}
	return nil
}

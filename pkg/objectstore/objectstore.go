// Package objectstore abstracts the durable shard and manifest storage
// behind a small Store interface. The S3 implementation is the production
// backend; local and memory implementations back development and tests.
package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/errors"
)

// Store is the minimal object-store surface the engine needs. Keys are
// slash-separated paths relative to the store root. Put overwrites by name,
// which makes chunk write retries idempotent.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// URL maps a key to the location the embedded SQL engine can read it
	// from (s3://bucket/key for S3, an absolute path for local stores)
	URL(key string) string
}

// Open constructs a store for a pipeline destination
func Open(ctx context.Context, dest config.DestinationSpec) (Store, error) {
	switch dest.Store {
	case "s3":
		return NewS3Store(ctx, dest.Bucket, dest.Region)
	case "local":
		return NewLocalStore(dest.Bucket)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown object store backend: %s", dest.Store)
	}
}

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of data under key
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = buf
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the object at key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeInternal, "object not found: %s", key)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Delete removes the object at key; deleting a missing key is not an error
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// List returns all keys under prefix in lexical order
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// URL returns a memory scheme locator; memory objects are not readable by
// the embedded SQL engine
func (s *MemoryStore) URL(key string) string {
	return "memory://" + key
}

// Len reports the number of stored objects
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relaydata/relay/pkg/errors"
)

// LocalStore implements Store on a filesystem directory. It backs local
// development and the query-layer tests, where the embedded SQL engine
// reads shard files straight off disk.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir, creating it if needed
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "local store requires a root directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to resolve local store root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create local store root")
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data atomically: a temp file rename so readers never observe a
// partially written shard
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create shard directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".relay-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write shard")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close shard")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to publish shard")
	}
	return nil
}

// Get reads the object at key
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrorTypeInternal, "object not found: %s", key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read object")
	}
	return data, nil
}

// Delete removes the object at key; missing keys are ignored
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete object")
	}
	return nil
}

// List walks the tree under prefix and returns keys in lexical order
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list objects")
	}
	sort.Strings(keys)
	return keys, nil
}

// URL returns the absolute filesystem path for key
func (s *LocalStore) URL(key string) string {
	return s.path(key)
}

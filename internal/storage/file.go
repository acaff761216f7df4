package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FileBackend stores each value as <dir>/<bucket>/<key>.json. Writes go
// through a temp file and rename; a lock file serializes access between
// processes sharing the data directory.
type FileBackend struct {
	mu   sync.Mutex
	dir  string
	lock *flock.Flock
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FileBackend{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

func (f *FileBackend) path(bucket, key string) (string, error) {
	if err := validateName("bucket", bucket); err != nil {
		return "", err
	}
	if err := validateName("key", key); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, bucket, key+".json"), nil
}

// Get reads a value.
func (f *FileBackend) Get(_ context.Context, bucket, key string) ([]byte, error) {
	path, err := f.path(bucket, key)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.RLock(); err != nil {
		return nil, fmt.Errorf("locking storage: %w", err)
	}
	defer f.lock.Unlock()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Put writes a value atomically.
func (f *FileBackend) Put(_ context.Context, bucket, key string, value []byte) error {
	path, err := f.path(bucket, key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("locking storage: %w", err)
	}
	defer f.lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating bucket directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("writing %s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes a value. Deleting a missing key is not an error.
func (f *FileBackend) Delete(_ context.Context, bucket, key string) error {
	path, err := f.path(bucket, key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("locking storage: %w", err)
	}
	defer f.lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close releases the lock file handle.
func (f *FileBackend) Close() error {
	return f.lock.Close()
}

// Package storage persists small per-account records (encryption keypairs,
// read-state) behind a bucket/key interface with file, SQLite and Redis
// backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chebizarro/nostrdm/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: not found")

// Bucket names used by nostrdm.
const (
	BucketEncryptionKeys = "encryption-keys"
	BucketReadState      = "read-state"
)

// Backend is a bucketed key/value store. Values are opaque bytes.
type Backend interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}

// Open returns the backend selected by cfg.Storage.
func Open(ctx context.Context, cfg *config.NostrConfig) (Backend, error) {
	switch cfg.Storage {
	case "", config.StorageFile:
		return NewFileBackend(filepath.Join(cfg.DataDir, "store"))
	case config.StorageSQLite:
		return NewSQLiteBackend(ctx, filepath.Join(cfg.DataDir, "nostrdm.db"))
	case config.StorageRedis:
		return NewRedisBackend(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// GetJSON reads key and unmarshals it into v.
func GetJSON(ctx context.Context, b Backend, bucket, key string, v any) error {
	data, err := b.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, b Backend, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	return b.Put(ctx, bucket, key, data)
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("storage: empty %s", kind)
	}
	if strings.ContainsAny(name, `/\:`) || name == "." || name == ".." {
		return fmt.Errorf("storage: invalid %s %q", kind, name)
	}
	return nil
}

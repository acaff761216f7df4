package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chebizarro/nostrdm/internal/config"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()

	file, err := NewFileBackend(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	sqlite, err := NewSQLiteBackend(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() {
		file.Close()
		sqlite.Close()
	})
	return map[string]Backend{"file": file, "sqlite": sqlite}
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := b.Get(ctx, BucketReadState, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := b.Put(ctx, BucketReadState, "alice", []byte("v1")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := b.Put(ctx, BucketReadState, "alice", []byte("v2")); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			got, err := b.Get(ctx, BucketReadState, "alice")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "v2" {
				t.Errorf("Get = %q, want v2", got)
			}

			if _, err := b.Get(ctx, BucketEncryptionKeys, "alice"); !errors.Is(err, ErrNotFound) {
				t.Errorf("buckets must be independent, got %v", err)
			}

			if err := b.Delete(ctx, BucketReadState, "alice"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := b.Delete(ctx, BucketReadState, "alice"); err != nil {
				t.Fatalf("Delete missing key: %v", err)
			}
			if _, err := b.Get(ctx, BucketReadState, "alice"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	in := map[string]int64{"bob": 42}
	if err := PutJSON(ctx, b, BucketReadState, "alice", in); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	var out map[string]int64
	if err := GetJSON(ctx, b, BucketReadState, "alice", &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out["bob"] != 42 {
		t.Errorf("got %v", out)
	}
}

func TestFileBackendRejectsPathTraversal(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		if err := b.Put(context.Background(), BucketReadState, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultNostrConfig(t.TempDir())

	cfg.Storage = config.StorageFile
	b, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	if _, ok := b.(*FileBackend); !ok {
		t.Errorf("expected *FileBackend, got %T", b)
	}
	b.Close()

	cfg.Storage = config.StorageSQLite
	b, err = Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	if _, ok := b.(*SQLiteBackend); !ok {
		t.Errorf("expected *SQLiteBackend, got %T", b)
	}
	b.Close()

	cfg.Storage = "etcd"
	if _, err := Open(ctx, cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

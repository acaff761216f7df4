package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"NOSTRDM_RELAYS", "NOSTRDM_DM_RELAYS", "NOSTRDM_DATA_DIR", "NOSTRDM_STORAGE",
		"NOSTRDM_REDIS_URL", "NOSTRDM_CLIENT_NAME", "NOSTRDM_BUNKER", "NOSTRDM_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadNostrConfigFromFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	data := `
read_relays = ["wss://read.example.com"]
write_relays = ["wss://write.example.com"]
dm_relays = ["wss://dm.example.com"]
storage = "sqlite"
client_name = "laptop"
query_timeout = "3s"
batch_window = "50ms"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadNostrConfig(path)
	if err != nil {
		t.Fatalf("LoadNostrConfig failed: %v", err)
	}

	if len(cfg.ReadRelays) != 1 || cfg.ReadRelays[0] != "wss://read.example.com" {
		t.Errorf("unexpected read relays: %v", cfg.ReadRelays)
	}
	if cfg.Storage != StorageSQLite {
		t.Errorf("expected storage sqlite, got %q", cfg.Storage)
	}
	if cfg.ClientName != "laptop" {
		t.Errorf("expected client name laptop, got %q", cfg.ClientName)
	}
	if cfg.QueryTimeout.Duration != 3*time.Second {
		t.Errorf("expected 3s query timeout, got %v", cfg.QueryTimeout.Duration)
	}
	if cfg.BatchWindow.Duration != 50*time.Millisecond {
		t.Errorf("expected 50ms batch window, got %v", cfg.BatchWindow.Duration)
	}
	if cfg.CacheSize != DefaultCacheSize {
		t.Errorf("expected default cache size, got %d", cfg.CacheSize)
	}
	if cfg.SyncWindow.Duration != DefaultSyncWindow {
		t.Errorf("expected default sync window, got %v", cfg.SyncWindow.Duration)
	}
	if cfg.DataDir != dir {
		t.Errorf("expected data dir %s, got %s", dir, cfg.DataDir)
	}
}

func TestLoadNostrConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("NOSTRDM_RELAYS", "wss://a.example.com, wss://b.example.com")
	t.Setenv("NOSTRDM_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("NOSTRDM_SECRET_KEY", "deadbeef")

	cfg, err := LoadNostrConfig(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("LoadNostrConfig failed: %v", err)
	}

	if len(cfg.ReadRelays) != 2 || len(cfg.WriteRelays) != 2 {
		t.Fatalf("expected 2 read and write relays, got %v / %v", cfg.ReadRelays, cfg.WriteRelays)
	}
	if cfg.ReadRelays[1] != "wss://b.example.com" {
		t.Errorf("relay list not trimmed: %q", cfg.ReadRelays[1])
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Errorf("data dir override ignored: %s", cfg.DataDir)
	}
	if cfg.Signer.SecretKey != "deadbeef" {
		t.Errorf("secret key override ignored")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *NostrConfig)
		wantErr bool
	}{
		{"ok", func(c *NostrConfig) {}, false},
		{"no relays", func(c *NostrConfig) { c.ReadRelays, c.WriteRelays = nil, nil }, true},
		{"bad scheme", func(c *NostrConfig) { c.WriteRelays = []string{"https://x"} }, true},
		{"unknown storage", func(c *NostrConfig) { c.Storage = "etcd" }, true},
		{"redis without url", func(c *NostrConfig) { c.Storage = StorageRedis }, true},
		{"redis with url", func(c *NostrConfig) { c.Storage, c.RedisURL = StorageRedis, "redis://localhost:6379/0" }, false},
		{"zero cache", func(c *NostrConfig) { c.CacheSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNostrConfig(t.TempDir())
			cfg.ReadRelays = []string{"wss://relay.example.com"}
			cfg.WriteRelays = []string{"wss://relay.example.com"}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestSaveNostrConfigRoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := DefaultNostrConfig(dir)
	cfg.WriteRelays = []string{"wss://relay.example.com"}
	cfg.Signer.SecretKey = "must-not-be-written"

	if err := SaveNostrConfig(path, cfg); err != nil {
		t.Fatalf("SaveNostrConfig failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "must-not-be-written") {
		t.Fatal("secret key persisted to config file")
	}

	loaded, err := LoadNostrConfig(path)
	if err != nil {
		t.Fatalf("LoadNostrConfig failed: %v", err)
	}
	if len(loaded.ReadRelays) != 1 {
		t.Errorf("read relays should default to write relays, got %v", loaded.ReadRelays)
	}
}

func TestAllRelaysDeduplicates(t *testing.T) {
	cfg := &NostrConfig{
		ReadRelays:  []string{"wss://a", "wss://b"},
		WriteRelays: []string{"wss://b", "wss://c"},
		DMRelays:    []string{"wss://a"},
	}
	all := cfg.AllRelays()
	if len(all) != 3 {
		t.Errorf("expected 3 relays, got %v", all)
	}
}

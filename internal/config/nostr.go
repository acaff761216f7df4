package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Storage backend names accepted in NostrConfig.Storage.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Defaults applied by DefaultNostrConfig and after loading.
const (
	DefaultCacheSize    = 10000
	DefaultQueryTimeout = 8 * time.Second
	DefaultSyncWindow   = 24 * time.Hour
	DefaultBatchWindow  = 150 * time.Millisecond
	DefaultResubscribe  = time.Second
	MaxResubscribe      = 30 * time.Second
	DefaultClientName   = "nostrdm"
	ConfigFileName      = "config.toml"
)

// NostrConfig is the on-disk configuration for a nostrdm client instance.
type NostrConfig struct {
	ReadRelays  []string `toml:"read_relays"`
	WriteRelays []string `toml:"write_relays"`
	DMRelays    []string `toml:"dm_relays"`

	DataDir  string `toml:"data_dir"`
	Storage  string `toml:"storage"`
	RedisURL string `toml:"redis_url"`

	ClientName   string   `toml:"client_name"`
	CacheSize    int      `toml:"cache_size"`
	QueryTimeout Duration `toml:"query_timeout"`
	SyncWindow   Duration `toml:"sync_window"`
	BatchWindow  Duration `toml:"batch_window"`

	Signer SignerConfig `toml:"signer"`
}

// SignerConfig selects the signing capability. A bunker URI wins over a
// secret key; with neither, the CLI prompts for a key on the terminal.
type SignerConfig struct {
	Bunker    string `toml:"bunker"`
	SecretKey string `toml:"-"` // env only, never read from or written to disk
}

// Duration lets TOML carry values such as "8s" or "150ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultNostrConfig returns a configuration rooted at dataDir with no relays.
func DefaultNostrConfig(dataDir string) *NostrConfig {
	return &NostrConfig{
		DataDir:      dataDir,
		Storage:      StorageFile,
		ClientName:   DefaultClientName,
		CacheSize:    DefaultCacheSize,
		QueryTimeout: Duration{DefaultQueryTimeout},
		SyncWindow:   Duration{DefaultSyncWindow},
		BatchWindow:  Duration{DefaultBatchWindow},
	}
}

// DefaultDataDir returns ~/.nostrdm, falling back to ./.nostrdm.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".nostrdm"
	}
	return filepath.Join(home, ".nostrdm")
}

// NostrConfigPath returns the config path: $NOSTRDM_CONFIG or <dataDir>/config.toml.
func NostrConfigPath(dataDir string) string {
	if p := os.Getenv("NOSTRDM_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(dataDir, ConfigFileName)
}

// LoadNostrConfig reads the TOML file at path (a missing file is not an
// error), applies .env and environment overrides, fills defaults and
// validates the result.
func LoadNostrConfig(path string) (*NostrConfig, error) {
	// .env is optional and only fills variables not already set.
	_ = godotenv.Load()

	cfg := DefaultNostrConfig(filepath.Dir(path))

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing nostr config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading nostr config: %w", err)
	}

	applyEnv(cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveNostrConfig writes cfg as TOML with 0600 permissions.
func SaveNostrConfig(path string, cfg *NostrConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// Validate reports configuration errors that would make the client unusable.
func (c *NostrConfig) Validate() error {
	if len(c.ReadRelays) == 0 && len(c.WriteRelays) == 0 {
		return fmt.Errorf("no relays configured (set read_relays/write_relays or NOSTRDM_RELAYS)")
	}
	for _, url := range c.AllRelays() {
		if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
			return fmt.Errorf("invalid relay URL %q: must start with ws:// or wss://", url)
		}
	}
	switch c.Storage {
	case StorageFile, StorageSQLite:
	case StorageRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("storage %q requires redis_url", StorageRedis)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive, got %d", c.CacheSize)
	}
	return nil
}

// AllRelays returns the de-duplicated union of read, write and DM relays.
func (c *NostrConfig) AllRelays() []string {
	seen := make(map[string]bool)
	var all []string
	for _, list := range [][]string{c.ReadRelays, c.WriteRelays, c.DMRelays} {
		for _, url := range list {
			if !seen[url] {
				seen[url] = true
				all = append(all, url)
			}
		}
	}
	return all
}

func (c *NostrConfig) fillDefaults() {
	if len(c.ReadRelays) == 0 {
		c.ReadRelays = c.WriteRelays
	}
	if len(c.WriteRelays) == 0 {
		c.WriteRelays = c.ReadRelays
	}
	if c.Storage == "" {
		c.Storage = StorageFile
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.QueryTimeout.Duration <= 0 {
		c.QueryTimeout.Duration = DefaultQueryTimeout
	}
	if c.SyncWindow.Duration <= 0 {
		c.SyncWindow.Duration = DefaultSyncWindow
	}
	if c.BatchWindow.Duration <= 0 {
		c.BatchWindow.Duration = DefaultBatchWindow
	}
}

func applyEnv(c *NostrConfig) {
	if v := os.Getenv("NOSTRDM_RELAYS"); v != "" {
		relays := splitList(v)
		c.ReadRelays = relays
		c.WriteRelays = relays
	}
	if v := os.Getenv("NOSTRDM_DM_RELAYS"); v != "" {
		c.DMRelays = splitList(v)
	}
	if v := os.Getenv("NOSTRDM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("NOSTRDM_STORAGE"); v != "" {
		c.Storage = strings.ToLower(v)
	}
	if v := os.Getenv("NOSTRDM_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("NOSTRDM_CLIENT_NAME"); v != "" {
		c.ClientName = v
	}
	if v := os.Getenv("NOSTRDM_BUNKER"); v != "" {
		c.Signer.Bunker = v
	}
	if v := os.Getenv("NOSTRDM_SECRET_KEY"); v != "" {
		c.Signer.SecretKey = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

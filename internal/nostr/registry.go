package nostr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DeviceRegistry records which client devices this account's encryption key
// was exported to. It is an audit trail only; key sync does not consult it
// before granting.
//
// Storage: <data_dir>/devices-<account>.json
type DeviceRegistry struct {
	mu      sync.RWMutex
	path    string
	devices map[string]*GrantedDevice // key: request event id
}

// GrantedDevice is one key export to a secondary device.
type GrantedDevice struct {
	RequestID    string    `json:"request_id"`
	ClientName   string    `json:"client_name"`
	ClientPubkey string    `json:"client_pubkey"`
	GrantedAt    time.Time `json:"granted_at"`
}

// DeviceRegistryPath returns the standard registry path for an account.
func DeviceRegistryPath(dataDir, account string) string {
	return filepath.Join(dataDir, "devices-"+ShortKey(account)+".json")
}

// NewDeviceRegistry creates a registry persisted at path. Call Load to read
// existing entries.
func NewDeviceRegistry(path string) *DeviceRegistry {
	return &DeviceRegistry{
		path:    path,
		devices: make(map[string]*GrantedDevice),
	}
}

// Record adds a grant and persists the registry.
func (r *DeviceRegistry) Record(device *GrantedDevice) error {
	if device.RequestID == "" {
		return fmt.Errorf("device request id cannot be empty")
	}
	if device.ClientPubkey == "" {
		return fmt.Errorf("device client pubkey cannot be empty")
	}

	r.mu.Lock()
	r.devices[device.RequestID] = device
	r.mu.Unlock()

	return r.Save()
}

// All returns every recorded grant, oldest first.
func (r *DeviceRegistry) All() []*GrantedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*GrantedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].GrantedAt.Before(all[j].GrantedAt) })
	return all
}

// Save persists the registry to its JSON file.
func (r *DeviceRegistry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	data, err := json.MarshalIndent(r.devices, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling device registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		return fmt.Errorf("writing device registry: %w", err)
	}
	return nil
}

// Load reads the registry from disk. A missing file is not an error.
func (r *DeviceRegistry) Load() error {
	data, err := os.ReadFile(r.path) //nolint:gosec // G304: path is constructed internally
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading device registry: %w", err)
	}

	devices := make(map[string]*GrantedDevice)
	if err := json.Unmarshal(data, &devices); err != nil {
		return fmt.Errorf("parsing device registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = devices
	return nil
}

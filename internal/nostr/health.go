package nostr

import (
	"fmt"
	"strings"

	"github.com/chebizarro/nostrdm/internal/config"
)

// HealthStatus contains the full client health check results.
type HealthStatus struct {
	Account          string        `json:"account,omitempty"`
	WriteRelays      []RelayStatus `json:"write_relays"`
	ReadRelays       []RelayStatus `json:"read_relays"`
	DMRelays         []string      `json:"dm_relays,omitempty"`
	SignerStatus     string        `json:"signer_status"`
	SpoolCount       int           `json:"spool_count"`
	HasEncryptionKey bool          `json:"has_encryption_key"`
	Storage          string        `json:"storage"`
}

// RelayStatus represents a relay's connection status.
type RelayStatus struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// RelayStatuses reports connection state for each URL.
func (p *RelayPool) RelayStatuses(urls []string) []RelayStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]RelayStatus, 0, len(urls))
	for _, url := range urls {
		rs := RelayStatus{URL: url}
		if r, ok := p.relays[url]; ok && r.IsConnected() {
			rs.Connected = true
		} else if err, ok := p.lastErr[url]; ok {
			rs.Error = err.Error()
		}
		out = append(out, rs)
	}
	return out
}

// CheckHealth collects relay, signer, spool and key state.
func CheckHealth(pool *RelayPool, publisher *Publisher, cfg *config.NostrConfig, hasEncryptionKey bool) *HealthStatus {
	status := &HealthStatus{
		HasEncryptionKey: hasEncryptionKey,
		SignerStatus:     "not configured",
	}
	if cfg != nil {
		status.DMRelays = cfg.DMRelays
		status.Storage = cfg.Storage
	}
	if pool != nil {
		status.WriteRelays = pool.RelayStatuses(pool.WriteRelayURLs())
		status.ReadRelays = pool.RelayStatuses(pool.ReadRelayURLs())
	}
	if publisher != nil {
		status.SpoolCount = publisher.SpoolCount()
		if s := publisher.Signer(); s != nil {
			status.Account = s.GetPublicKey()
			switch s.(type) {
			case *NIP46Signer:
				status.SignerStatus = "bunker"
			case *LocalSigner:
				status.SignerStatus = "local key"
			default:
				status.SignerStatus = "configured"
			}
		}
	}
	return status
}

// FormatHealthStatus formats health status as human-readable text.
func FormatHealthStatus(h *HealthStatus) string {
	var sb strings.Builder

	sb.WriteString("Nostr Status:\n")
	if h.Account != "" {
		sb.WriteString(fmt.Sprintf("  Account: %s\n", h.Account))
	}

	for _, r := range h.WriteRelays {
		sb.WriteString(fmt.Sprintf("  Write Relay: %s (%s)\n", r.URL, connectionLabel(r)))
	}
	for _, r := range h.ReadRelays {
		sb.WriteString(fmt.Sprintf("  Read Relay: %s (%s)\n", r.URL, connectionLabel(r)))
	}
	for _, url := range h.DMRelays {
		sb.WriteString(fmt.Sprintf("  DM Relay: %s\n", url))
	}

	sb.WriteString(fmt.Sprintf("  Signer: %s\n", h.SignerStatus))
	sb.WriteString(fmt.Sprintf("  Storage: %s\n", h.Storage))
	sb.WriteString(fmt.Sprintf("  Encryption key: %s\n", yesNo(h.HasEncryptionKey)))
	sb.WriteString(fmt.Sprintf("  Spool: %d events pending\n", h.SpoolCount))

	return sb.String()
}

func connectionLabel(r RelayStatus) string {
	if r.Connected {
		return "connected"
	}
	if r.Error != "" {
		return "disconnected: " + r.Error
	}
	return "disconnected"
}

func yesNo(b bool) string {
	if b {
		return "present"
	}
	return "missing"
}

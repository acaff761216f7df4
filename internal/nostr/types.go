// Package nostr provides the relay transport layer for nostrdm.
// All Nostr event construction, signing, relay management, and spooling
// flows through this package.
//
// Key abstractions:
//   - RelayPool: fan-out query/subscribe/publish over read and write relays
//   - Signer: signing capability (NIP-46 bunker or local key) with NIP-44
//   - Publisher: sign → broadcast, or spool background events on failure
//   - Spool: local event store for offline resilience
//   - DeviceRegistry: local record of devices granted the encryption key
package nostr

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"fiatjaf.com/nostr"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// --- Event Kind Constants ---

// Standard Nostr kinds (reused as-is).
const (
	KindProfile     = 0     // NIP-01: profile metadata
	KindRelayList   = 10002 // NIP-65: relay list
	KindDMRelayList = 10050 // NIP-17: DM relay preferences
)

// nostrdm kinds.
const (
	KindEncryptionKey    = 10044 // Replaceable announcement of the DM encryption pubkey
	KindEncryptedMessage = 4044  // NIP-44 encrypted direct message
	KindKeySyncRequest   = 4454  // Secondary device asks for the encryption key
	KindKeyTransfer      = 4455  // Primary device answers with the encrypted key
)

// --- Tag Names ---

const (
	TagPubkey       = "p"
	TagEvent        = "e"
	TagEncryption   = "enc"    // ["enc", senderEncPub, recipientEncPub]
	TagEncPubkey    = "n"      // ["n", encPub] on kind 10044
	TagClient       = "client" // ["client", "Laptop"]
	TagClientPubkey = "pubkey" // ["pubkey", ephemeralClientPub]
	TagRelay        = "relay"
	TagRelayList    = "r"
)

// --- Tag Helpers ---

// TagValue returns the first value of the first tag named key, or "".
func TagValue(tags nostr.Tags, key string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value (position 1..n) of the first tag named key.
func TagValues(tags nostr.Tags, key string) []string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1:]
		}
	}
	return nil
}

// AllTagValues returns position 1 of every tag named key.
func AllTagValues(tags nostr.Tags, key string) []string {
	var out []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			out = append(out, tag[1])
		}
	}
	return out
}

// --- Type Conversion Helpers ---
// The fiatjaf.com/nostr library uses fixed-size byte array types for ID and PubKey.
// These helpers provide safe conversions to and from hex.

// IDToString converts a nostr.ID (byte array) to its hex string representation.
func IDToString(id nostr.ID) string {
	return hex.EncodeToString(id[:])
}

// IDFromHex converts a hex string to a nostr.ID. Returns a zero ID if invalid.
func IDFromHex(hexStr string) nostr.ID {
	var id nostr.ID
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != len(id) {
		return id
	}
	copy(id[:], b)
	return id
}

// PubKeyFromHex converts a hex string to a nostr.PubKey byte array.
// Returns a zero PubKey if the hex string is invalid or wrong length.
func PubKeyFromHex(hexStr string) nostr.PubKey {
	var pk nostr.PubKey
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != len(pk) {
		return pk
	}
	copy(pk[:], b)
	return pk
}

// PubKeyToString converts a nostr.PubKey (byte array) to its hex string representation.
func PubKeyToString(pk nostr.PubKey) string {
	return hex.EncodeToString(pk[:])
}

// SigToString converts an event signature to hex.
func SigToString(sig [64]byte) string {
	return hex.EncodeToString(sig[:])
}

// SigFromHex converts a hex string to a nostr Sig byte array ([64]byte).
// Returns a zero Sig if the hex string is invalid or wrong length.
func SigFromHex(hexStr string) [64]byte {
	var sig [64]byte
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 64 {
		return sig
	}
	copy(sig[:], b)
	return sig
}

// KindSlice converts plain int values to a []nostr.Kind slice.
func KindSlice(kinds ...int) []nostr.Kind {
	result := make([]nostr.Kind, len(kinds))
	for i, k := range kinds {
		result[i] = nostr.Kind(k)
	}
	return result
}

// PubKeySlice converts hex pubkeys to a []nostr.PubKey slice, dropping invalid ones.
func PubKeySlice(hexKeys ...string) []nostr.PubKey {
	result := make([]nostr.PubKey, 0, len(hexKeys))
	for _, h := range hexKeys {
		if !IsValidPubKey(h) {
			continue
		}
		result = append(result, PubKeyFromHex(h))
	}
	return result
}

// ShortKey returns the first 8 characters of a hex key for log lines.
func ShortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// --- Keys ---

// IsValidPubKey reports whether s is a 64-char hex x-only public key on the curve.
func IsValidPubKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return false
	}
	_, err = schnorr.ParsePubKey(b)
	return err == nil
}

// GenerateSecretKey returns a fresh secp256k1 secret key as hex together with
// its x-only public key.
func GenerateSecretKey() (skHex, pkHex string, err error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generating secp256k1 key: %w", err)
	}
	skHex = hex.EncodeToString(priv.Serialize())
	pkHex = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	return skHex, pkHex, nil
}

// PublicKeyFromSecret derives the x-only public key (hex) for a hex secret key.
func PublicKeyFromSecret(skHex string) (string, error) {
	b, err := hex.DecodeString(skHex)
	if err != nil {
		return "", fmt.Errorf("decoding secret key: %w", err)
	}
	if len(b) != 32 {
		return "", fmt.Errorf("secret key must be 32 bytes, got %d", len(b))
	}
	_, pub := btcec.PrivKeyFromBytes(b)
	return hex.EncodeToString(schnorr.SerializePubKey(pub)), nil
}

// SecretKeyFromHex decodes a hex secret key into the library's key type.
func SecretKeyFromHex(skHex string) (nostr.SecretKey, error) {
	var sk nostr.SecretKey
	b, err := hex.DecodeString(strings.TrimSpace(skHex))
	if err != nil {
		return sk, fmt.Errorf("decoding secret key: %w", err)
	}
	if len(b) != len(sk) {
		return sk, fmt.Errorf("secret key must be %d bytes, got %d", len(sk), len(b))
	}
	copy(sk[:], b)
	return sk, nil
}

// --- Ordering ---

// SortNewestFirst orders events by created_at descending, ties by id ascending.
func SortNewestFirst(events []nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return IDToString(events[i].ID) < IDToString(events[j].ID)
	})
}

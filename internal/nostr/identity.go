package nostr

import (
	"context"
	"fmt"
	"time"

	"fiatjaf.com/nostr"

	"github.com/chebizarro/nostrdm/internal/config"
)

// PublishRelayLists publishes kind 10002 (relay list) and kind 10050 (DM relay
// list) for the account so other clients can discover where to reach it.
// Both are background events and are spooled if no relay accepts them.
func PublishRelayLists(ctx context.Context, publisher *Publisher, cfg *config.NostrConfig) error {
	var relayTags nostr.Tags
	for _, url := range cfg.ReadRelays {
		relayTags = append(relayTags, nostr.Tag{TagRelayList, url, "read"})
	}
	for _, url := range cfg.WriteRelays {
		relayTags = append(relayTags, nostr.Tag{TagRelayList, url, "write"})
	}

	relayListEvent := &nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      KindRelayList,
		Tags:      relayTags,
		Content:   "",
	}
	if err := publisher.PublishOrSpool(ctx, relayListEvent); err != nil {
		return fmt.Errorf("publishing relay list: %w", err)
	}

	if len(cfg.DMRelays) == 0 {
		return nil
	}

	var dmTags nostr.Tags
	for _, url := range cfg.DMRelays {
		dmTags = append(dmTags, nostr.Tag{TagRelay, url})
	}
	dmRelayEvent := &nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      KindDMRelayList,
		Tags:      dmTags,
		Content:   "",
	}
	if err := publisher.PublishOrSpool(ctx, dmRelayEvent); err != nil {
		return fmt.Errorf("publishing DM relay list: %w", err)
	}
	return nil
}

// ParseDMRelayList returns the relay URLs of a kind 10050 event.
func ParseDMRelayList(event *nostr.Event) []string {
	if event == nil || int(event.Kind) != KindDMRelayList {
		return nil
	}
	return AllTagValues(event.Tags, TagRelay)
}

// NewEncryptionKeyAnnouncement builds the unsigned kind 10044 event that
// publishes the account's DM encryption pubkey.
func NewEncryptionKeyAnnouncement(encPubkey string) *nostr.Event {
	return &nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      KindEncryptionKey,
		Tags:      nostr.Tags{{TagEncPubkey, encPubkey}},
		Content:   encPubkey,
	}
}

// ParseEncryptionKeyAnnouncement extracts the encryption pubkey from a kind
// 10044 event. The "n" tag wins over content.
func ParseEncryptionKeyAnnouncement(event *nostr.Event) (string, error) {
	if event == nil {
		return "", fmt.Errorf("no encryption key announcement")
	}
	if int(event.Kind) != KindEncryptionKey {
		return "", fmt.Errorf("event kind %d is not an encryption key announcement", event.Kind)
	}

	key := TagValue(event.Tags, TagEncPubkey)
	if key == "" {
		key = event.Content
	}
	if !IsValidPubKey(key) {
		return "", fmt.Errorf("announced encryption key %q is not a valid public key", ShortKey(key))
	}
	if key == PubKeyToString(event.PubKey) {
		return "", fmt.Errorf("announced encryption key equals the identity key")
	}
	return key, nil
}

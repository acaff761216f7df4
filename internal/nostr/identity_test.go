package nostr_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fiatjaf.com/nostr"

	"github.com/chebizarro/nostrdm/internal/config"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
	"github.com/chebizarro/nostrdm/internal/nostr/nostrtest"
)

func TestEncryptionKeyAnnouncementRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	_, encPub, err := gtnostr.GenerateSecretKey()
	if err != nil {
		t.Fatal(err)
	}

	evt := gtnostr.NewEncryptionKeyAnnouncement(encPub)
	if err := signer.Sign(context.Background(), evt); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := gtnostr.ParseEncryptionKeyAnnouncement(evt)
	if err != nil {
		t.Fatalf("ParseEncryptionKeyAnnouncement: %v", err)
	}
	if got != encPub {
		t.Errorf("got %s, want %s", got, encPub)
	}
}

func TestEncryptionKeyAnnouncementRejectsIdentityKey(t *testing.T) {
	signer := newTestSigner(t)
	evt := gtnostr.NewEncryptionKeyAnnouncement(signer.GetPublicKey())
	if err := signer.Sign(context.Background(), evt); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := gtnostr.ParseEncryptionKeyAnnouncement(evt); err == nil {
		t.Fatal("announcement of the identity key must be rejected")
	}
}

func TestEncryptionKeyAnnouncementRejectsGarbage(t *testing.T) {
	evt := &nostr.Event{Kind: gtnostr.KindEncryptionKey, Content: "not-a-key"}
	if _, err := gtnostr.ParseEncryptionKeyAnnouncement(evt); err == nil {
		t.Fatal("expected error for invalid key")
	}
	if _, err := gtnostr.ParseEncryptionKeyAnnouncement(&nostr.Event{Kind: 1}); err == nil {
		t.Fatal("expected error for wrong kind")
	}
	if _, err := gtnostr.ParseEncryptionKeyAnnouncement(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestPublishRelayLists(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newTestPool(t, hub, relayA)
	pub := gtnostr.NewPublisher(newTestSigner(t), pool, nil)

	cfg := config.DefaultNostrConfig(t.TempDir())
	cfg.ReadRelays = []string{relayA}
	cfg.WriteRelays = []string{relayA}
	cfg.DMRelays = []string{"wss://dm.example"}

	if err := gtnostr.PublishRelayLists(context.Background(), pub, cfg); err != nil {
		t.Fatalf("PublishRelayLists: %v", err)
	}

	var dmList *nostr.Event
	for _, evt := range hub.Relay(relayA).Events() {
		if int(evt.Kind) == gtnostr.KindDMRelayList {
			evt := evt
			dmList = &evt
		}
	}
	if dmList == nil {
		t.Fatal("DM relay list not published")
	}
	relays := gtnostr.ParseDMRelayList(dmList)
	if len(relays) != 1 || relays[0] != "wss://dm.example" {
		t.Errorf("ParseDMRelayList = %v", relays)
	}
}

func TestLocalSignerNIP44RoundTrip(t *testing.T) {
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	ctx := context.Background()

	ct, err := alice.Encrypt(ctx, "hello bob", bob.GetPublicKey())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := bob.Decrypt(ctx, ct, alice.GetPublicKey())
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "hello bob" {
		t.Errorf("got %q", pt)
	}
}

func TestParsePubKey(t *testing.T) {
	_, pk, err := gtnostr.GenerateSecretKey()
	if err != nil {
		t.Fatal(err)
	}
	got, err := gtnostr.ParsePubKey(strings.ToUpper(pk))
	if err != nil {
		t.Fatalf("ParsePubKey: %v", err)
	}
	if got != pk {
		t.Errorf("got %s, want %s", got, pk)
	}
	if _, err := gtnostr.ParsePubKey("abc"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestDeviceRegistryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	reg := gtnostr.NewDeviceRegistry(path)

	now := time.Now().UTC().Truncate(time.Second)
	if err := reg.Record(&gtnostr.GrantedDevice{RequestID: "r2", ClientName: "Phone", ClientPubkey: "pk2", GrantedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := reg.Record(&gtnostr.GrantedDevice{RequestID: "r1", ClientName: "Laptop", ClientPubkey: "pk1", GrantedAt: now}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := reg.Record(&gtnostr.GrantedDevice{RequestID: "", ClientPubkey: "x"}); err == nil {
		t.Error("expected error for empty request id")
	}

	reloaded := gtnostr.NewDeviceRegistry(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	all := reloaded.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(all))
	}
	if all[0].ClientName != "Laptop" || all[1].ClientName != "Phone" {
		t.Errorf("expected oldest first, got %s, %s", all[0].ClientName, all[1].ClientName)
	}
}

func TestCheckHealthAndFormat(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newTestPool(t, hub, relayA)
	signer := newTestSigner(t)
	pub := gtnostr.NewPublisher(signer, pool, gtnostr.NewSpool(t.TempDir()))

	cfg := config.DefaultNostrConfig(t.TempDir())
	status := gtnostr.CheckHealth(pool, pub, cfg, true)
	if status.Account != signer.GetPublicKey() {
		t.Errorf("Account = %s", status.Account)
	}
	if status.SignerStatus != "local key" {
		t.Errorf("SignerStatus = %s", status.SignerStatus)
	}

	out := gtnostr.FormatHealthStatus(status)
	if !strings.Contains(out, relayA) || !strings.Contains(out, "Encryption key: present") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

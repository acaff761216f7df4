package nostr_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fiatjaf.com/nostr"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
	"github.com/chebizarro/nostrdm/internal/nostr/nostrtest"
)

func TestPublishOrSpoolThenDrain(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newTestPool(t, hub, relayA)
	spool := gtnostr.NewSpool(t.TempDir())
	pub := gtnostr.NewPublisher(newTestSigner(t), pool, spool)

	hub.Relay(relayA).RejectPublish(true)
	evt := &nostr.Event{CreatedAt: nostr.Timestamp(time.Now().Unix()), Kind: 1, Content: "later"}
	if err := pub.PublishOrSpool(context.Background(), evt); err != nil {
		t.Fatalf("PublishOrSpool: %v", err)
	}
	if pub.SpoolCount() != 1 {
		t.Fatalf("expected 1 spooled event, got %d", pub.SpoolCount())
	}

	hub.Relay(relayA).RejectPublish(false)
	sent, failed, err := pub.DrainSpool(context.Background())
	if err != nil {
		t.Fatalf("DrainSpool: %v", err)
	}
	if sent != 1 || failed != 0 {
		t.Fatalf("sent=%d failed=%d, want 1/0", sent, failed)
	}
	if pub.SpoolCount() != 0 {
		t.Errorf("spool should be empty after drain")
	}

	stored := hub.Relay(relayA).Events()
	if len(stored) != 1 || stored[0].ID != evt.ID || stored[0].Sig != evt.Sig {
		t.Fatalf("drained event does not match the signed original")
	}
}

func TestPublishFailsLoudly(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newTestPool(t, hub, relayA)
	spool := gtnostr.NewSpool(t.TempDir())
	pub := gtnostr.NewPublisher(newTestSigner(t), pool, spool)

	hub.Relay(relayA).RejectPublish(true)
	evt := &nostr.Event{CreatedAt: nostr.Timestamp(time.Now().Unix()), Kind: 1, Content: "now"}
	err := pub.Publish(context.Background(), evt)
	var pubErr *gtnostr.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if pub.SpoolCount() != 0 {
		t.Errorf("Publish must not spool")
	}
}

type refusingSigner struct{ gtnostr.Signer }

func (refusingSigner) Sign(context.Context, *nostr.Event) error {
	return errors.New("user rejected")
}

func TestPublishSigningFailure(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newTestPool(t, hub, relayA)
	pub := gtnostr.NewPublisher(refusingSigner{newTestSigner(t)}, pool, nil)

	err := pub.Publish(context.Background(), &nostr.Event{Kind: 1})
	var signErr *gtnostr.SigningFailedError
	if !errors.As(err, &signErr) {
		t.Fatalf("expected SigningFailedError, got %v", err)
	}
	if hub.Relay(relayA).Publishes() != 0 {
		t.Error("nothing should reach the relay when signing fails")
	}
}

func TestSpoolArchiveOld(t *testing.T) {
	dir := t.TempDir()
	spool := gtnostr.NewSpool(dir)
	signer := newTestSigner(t)

	evt := signedEvent(t, signer, 1, 100, "stale")
	if err := spool.Enqueue(&evt, []string{relayA}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	archived, err := spool.ArchiveOld(time.Hour)
	if err != nil {
		t.Fatalf("ArchiveOld: %v", err)
	}
	if archived != 0 {
		t.Fatalf("fresh entry archived")
	}

	time.Sleep(10 * time.Millisecond)
	archived, err = spool.ArchiveOld(time.Millisecond)
	if err != nil {
		t.Fatalf("ArchiveOld: %v", err)
	}
	if archived != 1 || spool.Count() != 0 {
		t.Fatalf("archived=%d count=%d, want 1/0", archived, spool.Count())
	}
	if _, err := os.Stat(filepath.Join(dir, gtnostr.SpoolArchiveFileName)); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
}

func TestDrainBacksOffAfterFailure(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newTestPool(t, hub, relayA)
	spool := gtnostr.NewSpool(t.TempDir())
	signer := newTestSigner(t)

	evt := signedEvent(t, signer, 1, 100, "retry")
	if err := spool.Enqueue(&evt, pool.WriteRelayURLs()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	hub.Relay(relayA).RejectPublish(true)
	if _, failed, _ := spool.Drain(context.Background(), pool); failed != 1 {
		t.Fatalf("expected 1 failure, got %d", failed)
	}

	hub.Relay(relayA).RejectPublish(false)
	sent, failed, err := spool.Drain(context.Background(), pool)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sent != 0 || failed != 0 {
		t.Fatalf("entry inside its backoff window should be skipped, sent=%d failed=%d", sent, failed)
	}
	if spool.Count() != 1 {
		t.Fatalf("entry should remain spooled")
	}
}

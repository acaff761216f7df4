package nostr_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fiatjaf.com/nostr"

	"github.com/chebizarro/nostrdm/internal/config"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
	"github.com/chebizarro/nostrdm/internal/nostr/nostrtest"
)

const (
	relayA = "wss://a.example"
	relayB = "wss://b.example"
)

func newTestPool(t *testing.T, hub *nostrtest.Hub, urls ...string) *gtnostr.RelayPool {
	t.Helper()
	cfg := config.DefaultNostrConfig(t.TempDir())
	cfg.ReadRelays = urls
	cfg.WriteRelays = urls
	pool, err := gtnostr.NewRelayPool(context.Background(), cfg,
		gtnostr.WithDialer(hub.Dialer()),
		gtnostr.WithQueryTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewRelayPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newTestSigner(t *testing.T) *gtnostr.LocalSigner {
	t.Helper()
	sk, _, err := gtnostr.GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	s, err := gtnostr.NewLocalSigner(sk)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	return s
}

func signedEvent(t *testing.T, s gtnostr.Signer, kind int, createdAt int64, content string) nostr.Event {
	t.Helper()
	evt := nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      nostr.Kind(kind),
		Content:   content,
	}
	if err := s.Sign(context.Background(), &evt); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}

func TestQueryMergesAndDeduplicates(t *testing.T) {
	hub := nostrtest.NewHub()
	signer := newTestSigner(t)

	e1 := signedEvent(t, signer, 1, 100, "one")
	e2 := signedEvent(t, signer, 1, 200, "two")
	e3 := signedEvent(t, signer, 1, 300, "three")
	hub.Relay(relayA).Store(e1, e2)
	hub.Relay(relayB).Store(e2, e3)

	pool := newTestPool(t, hub, relayA, relayB)
	events, err := pool.Query(context.Background(), nostr.Filter{Kinds: gtnostr.KindSlice(1)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Content != "three" || events[2].Content != "one" {
		t.Errorf("expected newest first, got %q..%q", events[0].Content, events[2].Content)
	}
}

func TestQueryAppliesLimitAfterMerge(t *testing.T) {
	hub := nostrtest.NewHub()
	signer := newTestSigner(t)
	hub.Relay(relayA).Store(signedEvent(t, signer, 1, 100, "old"))
	hub.Relay(relayB).Store(signedEvent(t, signer, 1, 200, "new"))

	pool := newTestPool(t, hub, relayA, relayB)
	events, err := pool.Query(context.Background(), nostr.Filter{Kinds: gtnostr.KindSlice(1), Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Content != "new" {
		t.Fatalf("expected only the newest event, got %+v", events)
	}
}

func TestQueryToleratesPartialFailure(t *testing.T) {
	hub := nostrtest.NewHub()
	signer := newTestSigner(t)
	hub.Relay(relayA).Store(signedEvent(t, signer, 1, 100, "hello"))
	hub.Relay(relayB).SetDown(true)

	pool := newTestPool(t, hub, relayA, relayB)
	events, err := pool.Query(context.Background(), nostr.Filter{Kinds: gtnostr.KindSlice(1)})
	if err != nil {
		t.Fatalf("Query with one healthy relay should succeed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestQuerySlowRelayIsNotUnreachable(t *testing.T) {
	hub := nostrtest.NewHub()
	hub.Relay(relayA).SetQueryDelay(time.Second)

	cfg := config.DefaultNostrConfig(t.TempDir())
	cfg.ReadRelays = []string{relayA}
	cfg.WriteRelays = []string{relayA}
	pool, err := gtnostr.NewRelayPool(context.Background(), cfg,
		gtnostr.WithDialer(hub.Dialer()),
		gtnostr.WithQueryTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewRelayPool: %v", err)
	}
	t.Cleanup(pool.Close)

	events, err := pool.Query(context.Background(), nostr.Filter{Kinds: gtnostr.KindSlice(1)})
	if err != nil {
		t.Fatalf("timed out query on a reachable relay should be an empty result, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestQueryAllRelaysDown(t *testing.T) {
	hub := nostrtest.NewHub()
	hub.Relay(relayA).SetDown(true)
	hub.Relay(relayB).SetDown(true)

	pool := newTestPool(t, hub, relayA, relayB)
	_, err := pool.Query(context.Background(), nostr.Filter{Kinds: gtnostr.KindSlice(1)})
	if err == nil {
		t.Fatal("expected error when every relay is down")
	}
	var unreachable *gtnostr.RelayUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected RelayUnreachableError, got %T: %v", err, err)
	}
	if len(unreachable.Relays) != 2 {
		t.Errorf("expected both relays listed, got %v", unreachable.Relays)
	}
	if !gtnostr.IsRelayUnreachable(err) {
		t.Error("IsRelayUnreachable should match")
	}
}

func TestQueryReconnectsLazily(t *testing.T) {
	hub := nostrtest.NewHub()
	signer := newTestSigner(t)
	hub.Relay(relayA).SetDown(true)

	pool := newTestPool(t, hub, relayA)
	if _, err := pool.Query(context.Background(), nostr.Filter{}); err == nil {
		t.Fatal("expected failure while relay is down")
	}

	hub.Relay(relayA).SetDown(false)
	hub.Relay(relayA).Store(signedEvent(t, signer, 1, 100, "back"))
	events, err := pool.Query(context.Background(), nostr.Filter{})
	if err != nil {
		t.Fatalf("Query after recovery: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestPublishPartialAndTotalFailure(t *testing.T) {
	hub := nostrtest.NewHub()
	signer := newTestSigner(t)
	pool := newTestPool(t, hub, relayA, relayB)

	hub.Relay(relayB).RejectPublish(true)
	evt := signedEvent(t, signer, 1, 100, "partial")
	if err := pool.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish with one accepting relay should succeed: %v", err)
	}
	if hub.Relay(relayA).Publishes() != 1 {
		t.Errorf("expected relay A to accept the event")
	}

	hub.Relay(relayA).RejectPublish(true)
	evt2 := signedEvent(t, signer, 1, 101, "total")
	err := pool.Publish(context.Background(), evt2)
	var pubErr *gtnostr.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected PublishError, got %T: %v", err, err)
	}
	if pubErr.EventID != gtnostr.IDToString(evt2.ID) {
		t.Errorf("PublishError.EventID = %q", pubErr.EventID)
	}
}

func TestSubscribeDeduplicatesAcrossRelays(t *testing.T) {
	hub := nostrtest.NewHub()
	signer := newTestSigner(t)
	pool := newTestPool(t, hub, relayA, relayB)

	sub, err := pool.Subscribe(context.Background(), []nostr.Filter{{Kinds: gtnostr.KindSlice(1)}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	evt := signedEvent(t, signer, 1, 100, "live")
	if err := pool.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	hub.Relay(relayA).Redeliver(evt)

	select {
	case got := <-sub.Events:
		if got.ID != evt.ID {
			t.Fatalf("unexpected event %s", gtnostr.IDToString(got.ID))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case dup := <-sub.Events:
		t.Fatalf("duplicate delivered: %s", gtnostr.IDToString(dup.ID))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newTestPool(t, hub, relayA)

	sub, err := pool.Subscribe(context.Background(), []nostr.Filter{{Kinds: gtnostr.KindSlice(1)}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not finish after Close")
	}
	if n := hub.Relay(relayA).Subscriptions(); n != 0 {
		t.Errorf("expected relay subscriptions released, got %d", n)
	}
}

func TestSubscribeAllRelaysDown(t *testing.T) {
	hub := nostrtest.NewHub()
	hub.Relay(relayA).SetDown(true)
	pool := newTestPool(t, hub, relayA)

	_, err := pool.Subscribe(context.Background(), []nostr.Filter{{}})
	if !gtnostr.IsRelayUnreachable(err) {
		t.Fatalf("expected RelayUnreachableError, got %v", err)
	}
}

func TestRelayStatuses(t *testing.T) {
	hub := nostrtest.NewHub()
	hub.Relay(relayB).SetDown(true)
	pool := newTestPool(t, hub, relayA, relayB)

	statuses := pool.RelayStatuses([]string{relayA, relayB})
	if !statuses[0].Connected {
		t.Errorf("expected %s connected", relayA)
	}
	if statuses[1].Connected || statuses[1].Error == "" {
		t.Errorf("expected %s disconnected with error, got %+v", relayB, statuses[1])
	}
}

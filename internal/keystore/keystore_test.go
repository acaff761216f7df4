package keystore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chebizarro/nostrdm/internal/config"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
	"github.com/chebizarro/nostrdm/internal/nostr/nostrtest"
	"github.com/chebizarro/nostrdm/internal/storage"
)

const testRelay = "wss://relay.example"

func newBackend(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newPool(t *testing.T, hub *nostrtest.Hub) *gtnostr.RelayPool {
	t.Helper()
	cfg := config.DefaultNostrConfig(t.TempDir())
	cfg.ReadRelays = []string{testRelay}
	cfg.WriteRelays = []string{testRelay}
	pool, err := gtnostr.NewRelayPool(context.Background(), cfg, gtnostr.WithDialer(hub.Dialer()))
	if err != nil {
		t.Fatalf("NewRelayPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newSigner(t *testing.T) *gtnostr.LocalSigner {
	t.Helper()
	sk, _, err := gtnostr.GenerateSecretKey()
	if err != nil {
		t.Fatal(err)
	}
	s, err := gtnostr.NewLocalSigner(sk)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := New(newBackend(t), nil)
	kp, err := s.Get(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if kp != nil {
		t.Fatalf("expected nil keypair, got %+v", kp)
	}
}

func TestEnsureConcurrentGeneratesOnce(t *testing.T) {
	s := New(newBackend(t), nil)
	account := newSigner(t).GetPublicKey()

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		pubkeys = make(map[string]bool)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kp, c, err := s.Ensure(context.Background(), account)
			if err != nil {
				t.Errorf("Ensure: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if c {
				created++
			}
			pubkeys[kp.PublicKey] = true
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly 1 generation, got %d", created)
	}
	if len(pubkeys) != 1 {
		t.Errorf("callers observed %d different keypairs", len(pubkeys))
	}
}

func TestEnsureKeyDiffersFromIdentity(t *testing.T) {
	s := New(newBackend(t), nil)
	account := newSigner(t).GetPublicKey()

	kp, created, err := s.Ensure(context.Background(), account)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first Ensure should create")
	}
	if kp.PublicKey == account {
		t.Fatal("encryption key equals identity key")
	}
	if err := Validate(account, kp); err != nil {
		t.Errorf("generated keypair fails validation: %v", err)
	}

	again, created, err := s.Ensure(context.Background(), account)
	if err != nil {
		t.Fatal(err)
	}
	if created || again.PublicKey != kp.PublicKey {
		t.Error("second Ensure should return the stored keypair")
	}
}

func TestResetMakesOldCiphertextUndecryptable(t *testing.T) {
	s := New(newBackend(t), nil)
	ctx := context.Background()
	account := newSigner(t).GetPublicKey()
	peerSK, peerPK, _ := gtnostr.GenerateSecretKey()

	old, _, err := s.Ensure(ctx, account)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := EncryptWithNIP44(peerSK, old.PublicKey, "before reset")
	if err != nil {
		t.Fatal(err)
	}

	fresh, err := s.Reset(ctx, account)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if fresh.PublicKey == old.PublicKey {
		t.Fatal("Reset returned the same key")
	}
	stored, _ := s.Get(ctx, account)
	if stored.PublicKey != fresh.PublicKey {
		t.Fatal("Reset did not persist the new key")
	}

	if _, err := DecryptWithNIP44(fresh.PrivateKey, peerPK, ct); err == nil {
		t.Fatal("old message decrypted with the new key")
	}
}

func TestImportValidates(t *testing.T) {
	s := New(newBackend(t), nil)
	ctx := context.Background()
	account := newSigner(t).GetPublicKey()
	sk, pk, _ := gtnostr.GenerateSecretKey()
	_, otherPK, _ := gtnostr.GenerateSecretKey()

	var cryptoErr *CryptoError
	if err := s.Import(ctx, account, &EncryptionKeypair{PrivateKey: sk, PublicKey: otherPK}); !errors.As(err, &cryptoErr) {
		t.Errorf("mismatched keypair: expected CryptoError, got %v", err)
	}
	if err := s.Import(ctx, pk, &EncryptionKeypair{PrivateKey: sk, PublicKey: pk}); !errors.As(err, &cryptoErr) {
		t.Errorf("identity key import: expected CryptoError, got %v", err)
	}

	if err := s.Import(ctx, account, &EncryptionKeypair{PrivateKey: sk, PublicKey: pk}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	got, _ := s.Get(ctx, account)
	if got == nil || got.PublicKey != pk || got.CreatedAt.IsZero() {
		t.Fatalf("imported keypair not stored correctly: %+v", got)
	}
}

func TestExportKeyForTransfer(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newPool(t, hub)
	s := New(newBackend(t), pool)
	ctx := context.Background()

	signer := newSigner(t)
	account := signer.GetPublicKey()
	device := newSigner(t)

	if err := s.ExportKeyForTransfer(ctx, signer, account, device.GetPublicKey(), "req-1"); err != nil {
		t.Fatalf("ExportKeyForTransfer: %v", err)
	}

	events := hub.Relay(testRelay).Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	evt := events[0]
	if int(evt.Kind) != gtnostr.KindKeyTransfer {
		t.Errorf("kind = %d", evt.Kind)
	}
	if gtnostr.TagValue(evt.Tags, gtnostr.TagPubkey) != device.GetPublicKey() {
		t.Error("transfer not addressed to the device")
	}
	if gtnostr.TagValue(evt.Tags, gtnostr.TagEvent) != "req-1" {
		t.Error("transfer does not reference the request")
	}

	plaintext, err := device.Decrypt(ctx, evt.Content, account)
	if err != nil {
		t.Fatalf("device cannot decrypt transfer: %v", err)
	}
	received, err := ParseTransfer(account, plaintext)
	if err != nil {
		t.Fatalf("ParseTransfer: %v", err)
	}
	stored, _ := s.Get(ctx, account)
	if received.PrivateKey != stored.PrivateKey || received.PublicKey != stored.PublicKey {
		t.Error("transferred keypair differs from the stored one")
	}
}

type refusingSigner struct{ gtnostr.Signer }

func (refusingSigner) Encrypt(context.Context, string, string) (string, error) {
	return "", errors.New("user rejected")
}

func TestExportKeyForTransferFailures(t *testing.T) {
	hub := nostrtest.NewHub()
	pool := newPool(t, hub)
	s := New(newBackend(t), pool)
	ctx := context.Background()
	signer := newSigner(t)
	account := signer.GetPublicKey()
	target := newSigner(t).GetPublicKey()

	var signErr *gtnostr.SigningFailedError
	if err := s.ExportKeyForTransfer(ctx, refusingSigner{signer}, account, target, ""); !errors.As(err, &signErr) {
		t.Errorf("refusing signer: expected SigningFailedError, got %v", err)
	}
	if err := s.ExportKeyForTransfer(ctx, newSigner(t), account, target, ""); !errors.As(err, &signErr) {
		t.Errorf("foreign signer: expected SigningFailedError, got %v", err)
	}

	var cryptoErr *CryptoError
	if err := s.ExportKeyForTransfer(ctx, signer, account, "nope", ""); !errors.As(err, &cryptoErr) {
		t.Errorf("bad target: expected CryptoError, got %v", err)
	}

	hub.Relay(testRelay).RejectPublish(true)
	var pubErr *gtnostr.PublishError
	if err := s.ExportKeyForTransfer(ctx, signer, account, target, ""); !errors.As(err, &pubErr) {
		t.Errorf("rejecting relay: expected PublishError, got %v", err)
	}
}

type failingBackend struct{ storage.Backend }

func (failingBackend) Get(context.Context, string, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (failingBackend) Put(context.Context, string, string, []byte) error {
	return errors.New("disk full")
}

func TestEnsureStorageFailure(t *testing.T) {
	s := New(failingBackend{}, nil)
	_, _, err := s.Ensure(context.Background(), newSigner(t).GetPublicKey())
	var unavailable *EncryptionUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected EncryptionUnavailableError, got %v", err)
	}
}

func TestNIP44Wrappers(t *testing.T) {
	aSK, aPK, _ := gtnostr.GenerateSecretKey()
	bSK, bPK, _ := gtnostr.GenerateSecretKey()

	ct, err := EncryptWithNIP44(aSK, bPK, "hi")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := DecryptWithNIP44(bSK, aPK, ct)
	if err != nil || pt != "hi" {
		t.Fatalf("round trip: %q, %v", pt, err)
	}

	var cryptoErr *CryptoError
	if _, err := EncryptWithNIP44("zz", bPK, "hi"); !errors.As(err, &cryptoErr) {
		t.Errorf("bad private key: expected CryptoError, got %v", err)
	}
	if _, err := EncryptWithNIP44(aSK, "abc", "hi"); !errors.As(err, &cryptoErr) {
		t.Errorf("bad peer key: expected CryptoError, got %v", err)
	}
	if _, err := DecryptWithNIP44(bSK, aPK, "not base64!"); !errors.As(err, &cryptoErr) {
		t.Errorf("bad ciphertext: expected CryptoError, got %v", err)
	}
}

func TestParseTransferRejectsGarbage(t *testing.T) {
	if _, err := ParseTransfer("acct", "{"); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

// Package keystore manages the per-account DM encryption keypair: a secp256k1
// key separate from the identity key, generated at most once per account,
// persisted through a storage.Backend, resettable and exportable to another
// device over NIP-44.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/log"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
	"github.com/chebizarro/nostrdm/internal/storage"
)

// EncryptionKeypair is the account's DM encryption key. Keys are hex; the
// public key is x-only.
type EncryptionKeypair struct {
	PrivateKey string    `json:"privkey"`
	PublicKey  string    `json:"pubkey"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store reads and writes encryption keypairs. Writes for one account are
// serialized so concurrent Ensure calls generate at most one keypair.
type Store struct {
	backend storage.Backend
	pool    gtnostr.Broadcaster

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger *zap.Logger
}

// New creates a store. pool is used by ExportKeyForTransfer and may be nil
// when exports are not needed.
func New(backend storage.Backend, pool gtnostr.Broadcaster) *Store {
	return &Store{
		backend: backend,
		pool:    pool,
		locks:   make(map[string]*sync.Mutex),
		logger:  log.Named("keystore"),
	}
}

func (s *Store) accountLock(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[account]
	if !ok {
		l = &sync.Mutex{}
		s.locks[account] = l
	}
	return l
}

// Get returns the stored keypair for account, or nil if there is none.
func (s *Store) Get(ctx context.Context, account string) (*EncryptionKeypair, error) {
	var kp EncryptionKeypair
	err := storage.GetJSON(ctx, s.backend, storage.BucketEncryptionKeys, account, &kp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading encryption key for %s: %w", gtnostr.ShortKey(account), err)
	}
	return &kp, nil
}

// Ensure returns the stored keypair, generating and persisting one if the
// account has none. created reports whether this call generated it.
func (s *Store) Ensure(ctx context.Context, account string) (kp *EncryptionKeypair, created bool, err error) {
	l := s.accountLock(account)
	l.Lock()
	defer l.Unlock()

	kp, err = s.Get(ctx, account)
	if err != nil {
		return nil, false, err
	}
	if kp != nil {
		return kp, false, nil
	}

	kp, err = s.generateLocked(ctx, account)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("generated encryption key", zap.String("account", gtnostr.ShortKey(account)), zap.String("pubkey", gtnostr.ShortKey(kp.PublicKey)))
	return kp, true, nil
}

// Reset replaces the account's keypair with a fresh one. Messages encrypted
// to the old key can no longer be decrypted.
func (s *Store) Reset(ctx context.Context, account string) (*EncryptionKeypair, error) {
	l := s.accountLock(account)
	l.Lock()
	defer l.Unlock()

	kp, err := s.generateLocked(ctx, account)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("encryption key reset", zap.String("account", gtnostr.ShortKey(account)), zap.String("pubkey", gtnostr.ShortKey(kp.PublicKey)))
	return kp, nil
}

// Import stores a keypair received from another device, replacing any
// existing one.
func (s *Store) Import(ctx context.Context, account string, kp *EncryptionKeypair) error {
	if err := Validate(account, kp); err != nil {
		return err
	}

	l := s.accountLock(account)
	l.Lock()
	defer l.Unlock()

	if kp.CreatedAt.IsZero() {
		kp.CreatedAt = time.Now().UTC()
	}
	if err := storage.PutJSON(ctx, s.backend, storage.BucketEncryptionKeys, account, kp); err != nil {
		return fmt.Errorf("saving encryption key: %w", err)
	}
	s.logger.Info("imported encryption key", zap.String("account", gtnostr.ShortKey(account)), zap.String("pubkey", gtnostr.ShortKey(kp.PublicKey)))
	return nil
}

// Validate checks that the private key derives the public key and that the
// keypair is not the account's identity key.
func Validate(account string, kp *EncryptionKeypair) error {
	if kp == nil {
		return &CryptoError{Op: "validate", Err: fmt.Errorf("no keypair")}
	}
	derived, err := gtnostr.PublicKeyFromSecret(kp.PrivateKey)
	if err != nil {
		return &CryptoError{Op: "validate", Err: err}
	}
	if !strings.EqualFold(derived, kp.PublicKey) {
		return &CryptoError{Op: "validate", Err: fmt.Errorf("public key does not match private key")}
	}
	if strings.EqualFold(derived, account) {
		return &CryptoError{Op: "validate", Err: fmt.Errorf("encryption key equals the identity key")}
	}
	return nil
}

func (s *Store) generateLocked(ctx context.Context, account string) (*EncryptionKeypair, error) {
	var sk, pk string
	for {
		var err error
		sk, pk, err = gtnostr.GenerateSecretKey()
		if err != nil {
			return nil, &EncryptionUnavailableError{Account: account, Err: err}
		}
		if pk != account {
			break
		}
	}

	kp := &EncryptionKeypair{PrivateKey: sk, PublicKey: pk, CreatedAt: time.Now().UTC()}
	if err := storage.PutJSON(ctx, s.backend, storage.BucketEncryptionKeys, account, kp); err != nil {
		return nil, &EncryptionUnavailableError{Account: account, Err: fmt.Errorf("saving encryption key: %w", err)}
	}
	return kp, nil
}

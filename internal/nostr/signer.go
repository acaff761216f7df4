package nostr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip19"
	"fiatjaf.com/nostr/nip46"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/log"
)

// Signer is the account's signing capability. All signing in nostrdm goes
// through this interface so the backend (NIP-46 bunker vs local key) can be
// swapped. Encrypt/Decrypt are NIP-44 between the account key and a peer.
type Signer interface {
	// Sign computes the event ID, sets the pubkey, and signs the event.
	Sign(ctx context.Context, event *nostr.Event) error

	// GetPublicKey returns the signer's public key as a hex string.
	GetPublicKey() string

	// Encrypt NIP-44 encrypts plaintext from the account key to recipient (hex).
	Encrypt(ctx context.Context, plaintext, recipient string) (string, error)

	// Decrypt NIP-44 decrypts ciphertext sent to the account key by sender (hex).
	Decrypt(ctx context.Context, ciphertext, sender string) (string, error)

	// Close releases any resources (e.g., bunker connection).
	Close() error
}

// SignEvent signs event with signer, wrapping failures as *SigningFailedError.
func SignEvent(ctx context.Context, signer Signer, event *nostr.Event) error {
	if signer == nil {
		return &SigningFailedError{Op: "sign", Err: fmt.Errorf("no signing capability")}
	}
	if err := signer.Sign(ctx, event); err != nil {
		return &SigningFailedError{Op: "sign", Err: err}
	}
	return nil
}

// --- NIP-46 Signer ---

// NIP46Signer signs events via an external NIP-46 bunker.
// No secret key is held by this process.
type NIP46Signer struct {
	mu        sync.Mutex
	bunkerURI string
	pubkey    nostr.PubKey
	bunker    *nip46.BunkerClient
	pool      *nostr.Pool // bunker relay connections
}

// NewNIP46Signer creates a signer that connects to a NIP-46 bunker.
// The bunkerURI format is: bunker://<hex-pubkey>?relay=wss://...
func NewNIP46Signer(ctx context.Context, bunkerURI string) (*NIP46Signer, error) {
	if !strings.HasPrefix(bunkerURI, "bunker://") {
		return nil, fmt.Errorf("invalid bunker URI: must start with bunker://")
	}

	// Ephemeral client key for the NIP-46 connection itself.
	clientKeyHex, _, err := GenerateSecretKey()
	if err != nil {
		return nil, fmt.Errorf("generating client key: %w", err)
	}
	clientKey, err := SecretKeyFromHex(clientKeyHex)
	if err != nil {
		return nil, err
	}

	logger := log.Named("signer")
	pool := nostr.NewPool(nostr.PoolOptions{})
	bunker, err := nip46.ConnectBunker(ctx, clientKey, bunkerURI, pool, func(status string) {
		logger.Debug("bunker status", zap.String("status", status))
	})
	if err != nil {
		pool.Close("bunker connect failed")
		return nil, fmt.Errorf("connecting to bunker: %w", err)
	}

	pubkey, err := bunker.GetPublicKey(ctx)
	if err != nil {
		pool.Close("bunker public key unavailable")
		return nil, fmt.Errorf("getting public key from bunker: %w", err)
	}

	return &NIP46Signer{
		bunkerURI: bunkerURI,
		pubkey:    pubkey,
		bunker:    bunker,
		pool:      pool,
	}, nil
}

// Sign signs an event using the NIP-46 bunker.
func (s *NIP46Signer) Sign(ctx context.Context, event *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bunker == nil {
		return fmt.Errorf("bunker connection closed")
	}
	event.PubKey = s.pubkey
	return s.bunker.SignEvent(ctx, event)
}

// GetPublicKey returns the signer's public key.
func (s *NIP46Signer) GetPublicKey() string {
	return PubKeyToString(s.pubkey)
}

// Encrypt asks the bunker to NIP-44 encrypt plaintext to recipient.
func (s *NIP46Signer) Encrypt(ctx context.Context, plaintext, recipient string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bunker == nil {
		return "", fmt.Errorf("bunker connection closed")
	}
	return s.bunker.NIP44Encrypt(ctx, PubKeyFromHex(recipient), plaintext)
}

// Decrypt asks the bunker to NIP-44 decrypt ciphertext from sender.
func (s *NIP46Signer) Decrypt(ctx context.Context, ciphertext, sender string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bunker == nil {
		return "", fmt.Errorf("bunker connection closed")
	}
	return s.bunker.NIP44Decrypt(ctx, PubKeyFromHex(sender), ciphertext)
}

// Close disconnects from the bunker.
func (s *NIP46Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close("signer closed")
		s.pool = nil
	}
	s.bunker = nil
	return nil
}

// --- Local Signer ---

// LocalSigner signs events with a secret key held in memory.
type LocalSigner struct {
	secretKey nostr.SecretKey
	pubkey    string
}

// NewLocalSigner creates a signer from a hex-encoded or nsec secret key.
func NewLocalSigner(key string) (*LocalSigner, error) {
	key = strings.TrimSpace(key)

	var (
		sk  nostr.SecretKey
		err error
	)
	if strings.HasPrefix(key, "nsec1") {
		sk, err = decodeNsec(key)
	} else {
		sk, err = SecretKeyFromHex(key)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}

	pubkey, err := PublicKeyFromSecret(fmt.Sprintf("%x", sk[:]))
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	return &LocalSigner{secretKey: sk, pubkey: pubkey}, nil
}

// Sign signs an event with the local secret key.
func (s *LocalSigner) Sign(_ context.Context, event *nostr.Event) error {
	event.PubKey = PubKeyFromHex(s.pubkey)
	return event.Sign(s.secretKey)
}

// GetPublicKey returns the signer's public key.
func (s *LocalSigner) GetPublicKey() string {
	return s.pubkey
}

// Encrypt NIP-44 encrypts plaintext from the local key to recipient.
func (s *LocalSigner) Encrypt(_ context.Context, plaintext, recipient string) (string, error) {
	return EncryptNIP44(s.secretKey, PubKeyFromHex(recipient), plaintext)
}

// Decrypt NIP-44 decrypts ciphertext sent by sender to the local key.
func (s *LocalSigner) Decrypt(_ context.Context, ciphertext, sender string) (string, error) {
	return DecryptNIP44(s.secretKey, PubKeyFromHex(sender), ciphertext)
}

// Close is a no-op for local signers.
func (s *LocalSigner) Close() error {
	return nil
}

func decodeNsec(nsec string) (nostr.SecretKey, error) {
	prefix, value, err := nip19.Decode(nsec)
	if err != nil {
		return nostr.SecretKey{}, err
	}
	if prefix != "nsec" {
		return nostr.SecretKey{}, fmt.Errorf("expected nsec, got %s", prefix)
	}
	switch v := value.(type) {
	case nostr.SecretKey:
		return v, nil
	case string:
		return SecretKeyFromHex(v)
	default:
		return nostr.SecretKey{}, fmt.Errorf("unexpected nsec payload %T", value)
	}
}

// ParsePubKey accepts a hex pubkey or an npub and returns the hex form.
func ParsePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decoding npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("expected npub, got %s", prefix)
		}
		switch v := value.(type) {
		case nostr.PubKey:
			return PubKeyToString(v), nil
		case string:
			s = v
		default:
			return "", fmt.Errorf("unexpected npub payload %T", value)
		}
	}
	s = strings.ToLower(s)
	if !IsValidPubKey(s) {
		return "", fmt.Errorf("invalid public key %q", s)
	}
	return s, nil
}

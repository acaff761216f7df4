package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// transferPayload is the plaintext of a kind 4455 key transfer.
type transferPayload struct {
	PrivateKey string `json:"privkey"`
	PublicKey  string `json:"pubkey"`
	CreatedAt  int64  `json:"created_at"`
}

// ExportKeyForTransfer sends the account's keypair to target (a device's
// ephemeral pubkey) as a NIP-44 encrypted kind 4455 event signed by signer.
// requestID, if set, references the key sync request being answered.
//
// A keypair is generated if the account has none. Errors are
// *EncryptionUnavailableError, *gtnostr.SigningFailedError or
// *gtnostr.PublishError.
func (s *Store) ExportKeyForTransfer(ctx context.Context, signer gtnostr.Signer, account, target, requestID string) error {
	if s.pool == nil {
		return fmt.Errorf("key store has no relay pool for exports")
	}
	if signer == nil {
		return &gtnostr.SigningFailedError{Op: "export", Err: fmt.Errorf("no signing capability")}
	}
	if signer.GetPublicKey() != account {
		return &gtnostr.SigningFailedError{Op: "export", Err: fmt.Errorf("signer %s does not belong to account %s",
			gtnostr.ShortKey(signer.GetPublicKey()), gtnostr.ShortKey(account))}
	}
	if !gtnostr.IsValidPubKey(target) {
		return &CryptoError{Op: "export", Err: fmt.Errorf("invalid target pubkey %q", gtnostr.ShortKey(target))}
	}

	kp, _, err := s.Ensure(ctx, account)
	if err != nil {
		var unavailable *EncryptionUnavailableError
		if errors.As(err, &unavailable) {
			return err
		}
		return &EncryptionUnavailableError{Account: account, Err: err}
	}

	payload, err := json.Marshal(transferPayload{
		PrivateKey: kp.PrivateKey,
		PublicKey:  kp.PublicKey,
		CreatedAt:  kp.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("encoding transfer payload: %w", err)
	}

	ciphertext, err := signer.Encrypt(ctx, string(payload), target)
	if err != nil {
		return &gtnostr.SigningFailedError{Op: "encrypt", Err: err}
	}

	tags := nostr.Tags{{gtnostr.TagPubkey, target}}
	if requestID != "" {
		tags = append(tags, nostr.Tag{gtnostr.TagEvent, requestID})
	}
	evt := &nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      gtnostr.KindKeyTransfer,
		Tags:      tags,
		Content:   ciphertext,
	}
	if err := gtnostr.SignEvent(ctx, signer, evt); err != nil {
		return err
	}
	if err := s.pool.Publish(ctx, *evt); err != nil {
		return err
	}

	s.logger.Info("exported encryption key",
		zap.String("account", gtnostr.ShortKey(account)),
		zap.String("target", gtnostr.ShortKey(target)),
		zap.String("event", gtnostr.ShortKey(gtnostr.IDToString(evt.ID))))
	return nil
}

// ParseTransfer decodes the decrypted content of a key transfer event and
// validates it for account.
func ParseTransfer(account, plaintext string) (*EncryptionKeypair, error) {
	var p transferPayload
	if err := json.Unmarshal([]byte(plaintext), &p); err != nil {
		return nil, &CryptoError{Op: "parse transfer", Err: err}
	}
	kp := &EncryptionKeypair{
		PrivateKey: p.PrivateKey,
		PublicKey:  p.PublicKey,
		CreatedAt:  time.Unix(p.CreatedAt, 0).UTC(),
	}
	if err := Validate(account, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

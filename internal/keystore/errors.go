package keystore

import (
	"fmt"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// EncryptionUnavailableError means no keypair exists for the account and one
// could not be created.
type EncryptionUnavailableError struct {
	Account string
	Err     error
}

func (e *EncryptionUnavailableError) Error() string {
	return fmt.Sprintf("encryption key unavailable for %s: %v", gtnostr.ShortKey(e.Account), e.Err)
}

func (e *EncryptionUnavailableError) Unwrap() error { return e.Err }

// CryptoError wraps malformed key material or a failed primitive.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

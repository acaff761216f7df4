package keystore

import (
	"fmt"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// EncryptWithNIP44 encrypts plaintext from privHex to peerPubHex.
// Malformed keys or a failed primitive yield *CryptoError.
func EncryptWithNIP44(privHex, peerPubHex, plaintext string) (string, error) {
	sk, err := gtnostr.SecretKeyFromHex(privHex)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	if !gtnostr.IsValidPubKey(peerPubHex) {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("invalid peer pubkey %q", gtnostr.ShortKey(peerPubHex))}
	}
	ct, err := gtnostr.EncryptNIP44(sk, gtnostr.PubKeyFromHex(peerPubHex), plaintext)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	return ct, nil
}

// DecryptWithNIP44 decrypts ciphertext sent by peerPubHex to privHex.
func DecryptWithNIP44(privHex, peerPubHex, ciphertext string) (string, error) {
	sk, err := gtnostr.SecretKeyFromHex(privHex)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	if !gtnostr.IsValidPubKey(peerPubHex) {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("invalid peer pubkey %q", gtnostr.ShortKey(peerPubHex))}
	}
	pt, err := gtnostr.DecryptNIP44(sk, gtnostr.PubKeyFromHex(peerPubHex), ciphertext)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	return pt, nil
}

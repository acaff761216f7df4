package nostr

import (
	"fmt"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip44"
)

// EncryptNIP44 encrypts plaintext with the NIP-44 v2 conversation key
// derived from sk and peer.
func EncryptNIP44(sk nostr.SecretKey, peer nostr.PubKey, plaintext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peer, sk)
	if err != nil {
		return "", fmt.Errorf("deriving conversation key: %w", err)
	}
	return nip44.Encrypt(plaintext, key)
}

// DecryptNIP44 reverses EncryptNIP44 from the other side of the conversation.
func DecryptNIP44(sk nostr.SecretKey, peer nostr.PubKey, ciphertext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peer, sk)
	if err != nil {
		return "", fmt.Errorf("deriving conversation key: %w", err)
	}
	return nip44.Decrypt(ciphertext, key)
}

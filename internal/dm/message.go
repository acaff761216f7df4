// Package dm sends, receives and aggregates encrypted direct messages.
//
// Messages are kind 4044 events whose content is NIP-44 encrypted between the
// two accounts' encryption keys (not their identity keys). The "enc" tag
// names both encryption pubkeys so either side can pick the right key.
package dm

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"fiatjaf.com/nostr"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
	Sender  string `json:"sender"`
}

// Message is one decrypted direct message.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	CreatedAt nostr.Timestamp
	ReplyTo   *ReplyRef
}

// Counterparty returns the other side of msg from account's point of view.
func (m Message) Counterparty(account string) string {
	if m.Sender == account {
		return m.Recipient
	}
	return m.Sender
}

// Less orders messages by creation time, ties broken by id.
func (m Message) Less(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// Conversation is the per-counterparty summary.
type Conversation struct {
	Key           string
	LastMessageAt nostr.Timestamp
	LastMessage   string
	Unread        int
}

// Support reports whether a pubkey can receive DMs.
type Support struct {
	HasDMRelays      bool
	HasEncryptionKey bool
}

const snippetLength = 80

// NewReplyRef builds a reply reference to msg with a shortened snippet.
func NewReplyRef(msg Message) *ReplyRef {
	snippet := msg.Content
	if utf8.RuneCountInString(snippet) > snippetLength {
		runes := []rune(snippet)
		snippet = string(runes[:snippetLength]) + "…"
	}
	return &ReplyRef{ID: msg.ID, Snippet: snippet, Sender: msg.Sender}
}

// payload is the plaintext inside a message event.
type payload struct {
	Content string    `json:"content"`
	ReplyTo *ReplyRef `json:"reply_to,omitempty"`
}

func encodePayload(content string, reply *ReplyRef) (string, error) {
	data, err := json.Marshal(payload{Content: content, ReplyTo: reply})
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}
	return string(data), nil
}

func decodePayload(plaintext string) (payload, error) {
	var p payload
	if err := json.Unmarshal([]byte(plaintext), &p); err != nil {
		return p, fmt.Errorf("decoding message: %w", err)
	}
	return p, nil
}

// RecipientKeyUnavailableError means the recipient has not announced a
// usable encryption key (or it could not be looked up).
type RecipientKeyUnavailableError struct {
	Recipient string
	Err       error
}

func (e *RecipientKeyUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption key for %s unavailable: %v", gtnostr.ShortKey(e.Recipient), e.Err)
	}
	return fmt.Sprintf("%s has not published an encryption key", gtnostr.ShortKey(e.Recipient))
}

func (e *RecipientKeyUnavailableError) Unwrap() error { return e.Err }

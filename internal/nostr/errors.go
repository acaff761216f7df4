package nostr

import (
	"fmt"
	"sort"
	"strings"
)

// RelayUnreachableError is returned when no configured relay could serve a
// query or subscription. Relays maps each relay URL to its failure.
type RelayUnreachableError struct {
	Relays map[string]error
}

func (e *RelayUnreachableError) Error() string {
	if len(e.Relays) == 0 {
		return "no relays configured"
	}
	return "all relays unreachable: " + joinRelayErrors(e.Relays)
}

// PublishError is returned when an event was accepted by none of the write relays.
type PublishError struct {
	EventID string
	Relays  map[string]error
}

func (e *PublishError) Error() string {
	if len(e.Relays) == 0 {
		return fmt.Sprintf("publishing event %s: no write relays connected", ShortKey(e.EventID))
	}
	return fmt.Sprintf("publishing event %s: all write relays failed: %s", ShortKey(e.EventID), joinRelayErrors(e.Relays))
}

// SigningFailedError is returned when the signing capability declined or
// errored while signing or encrypting.
type SigningFailedError struct {
	Op  string
	Err error
}

func (e *SigningFailedError) Error() string {
	return fmt.Sprintf("signer failed to %s: %v", e.Op, e.Err)
}

func (e *SigningFailedError) Unwrap() error { return e.Err }

func joinRelayErrors(m map[string]error) string {
	urls := make([]string, 0, len(m))
	for url := range m {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	parts := make([]string, 0, len(urls))
	for _, url := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", url, m[url]))
	}
	return strings.Join(parts, "; ")
}

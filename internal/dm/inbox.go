package dm

import (
	"sort"
	"sync"

	"fiatjaf.com/nostr"
)

// Inbox is the conversation projection for one account. It is built from
// the full message history and then updated incrementally as live messages
// arrive. Messages are de-duplicated by id.
type Inbox struct {
	account string

	mu     sync.RWMutex
	byPeer map[string][]Message
	seen   map[string]bool
}

// NewInbox creates an empty inbox for account.
func NewInbox(account string) *Inbox {
	return &Inbox{
		account: account,
		byPeer:  make(map[string][]Message),
		seen:    make(map[string]bool),
	}
}

// Add inserts messages, keeping each conversation sorted. It returns the
// counterparties whose conversation changed.
func (i *Inbox) Add(msgs ...Message) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	changed := make(map[string]bool)
	for _, m := range msgs {
		if i.seen[m.ID] {
			continue
		}
		i.seen[m.ID] = true

		peer := m.Counterparty(i.account)
		list := i.byPeer[peer]
		idx := sort.Search(len(list), func(n int) bool { return m.Less(list[n]) })
		list = append(list, Message{})
		copy(list[idx+1:], list[idx:])
		list[idx] = m
		i.byPeer[peer] = list
		changed[peer] = true
	}

	out := make([]string, 0, len(changed))
	for peer := range changed {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// Messages returns the conversation with counterparty, oldest first.
func (i *Inbox) Messages(counterparty string) []Message {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Message(nil), i.byPeer[counterparty]...)
}

// Len returns the number of messages held.
func (i *Inbox) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.seen)
}

// Conversations summarizes every conversation, most recent first. Incoming
// messages newer than readUntil[peer] count as unread.
func (i *Inbox) Conversations(readUntil map[string]nostr.Timestamp) []Conversation {
	i.mu.RLock()
	defer i.mu.RUnlock()

	convs := make([]Conversation, 0, len(i.byPeer))
	for peer, list := range i.byPeer {
		if len(list) == 0 {
			continue
		}
		last := list[len(list)-1]
		c := Conversation{
			Key:           peer,
			LastMessageAt: last.CreatedAt,
			LastMessage:   last.Content,
		}
		read := readUntil[peer]
		for _, m := range list {
			if m.Sender != i.account && m.CreatedAt > read {
				c.Unread++
			}
		}
		convs = append(convs, c)
	}

	sort.Slice(convs, func(a, b int) bool {
		if convs[a].LastMessageAt != convs[b].LastMessageAt {
			return convs[a].LastMessageAt > convs[b].LastMessageAt
		}
		return convs[a].Key < convs[b].Key
	})
	return convs
}

// Package nostrtest provides an in-memory relay network for tests.
//
// A Hub owns any number of Relays addressed by URL. Hub.Dialer plugs into
// nostr.WithDialer so a RelayPool talks to the hub instead of websockets.
package nostrtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fiatjaf.com/nostr"

	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// Hub is a set of in-memory relays.
type Hub struct {
	mu     sync.Mutex
	relays map[string]*Relay
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{relays: make(map[string]*Relay)}
}

// Relay returns the relay for url, creating it on first use.
func (h *Hub) Relay(url string) *Relay {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.relays[url]
	if !ok {
		r = &Relay{url: url, subs: make(map[int]*subscription)}
		h.relays[url] = r
	}
	return r
}

// Dialer returns a gtnostr.Dialer connecting to hub relays. Dialing a relay
// marked down fails.
func (h *Hub) Dialer() gtnostr.Dialer {
	return func(_ context.Context, url string) (gtnostr.Relay, error) {
		r := h.Relay(url)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.dials++
		if r.down {
			return nil, fmt.Errorf("dial %s: connection refused", url)
		}
		return &conn{relay: r}, nil
	}
}

// Relay is an in-memory relay: it stores published events, answers queries
// and pushes matching events to live subscriptions.
type Relay struct {
	url string

	mu            sync.Mutex
	events        []nostr.Event
	subs          map[int]*subscription
	nextSub       int
	down          bool
	rejectPublish bool
	queryDelay    time.Duration
	queries       int
	publishes     int
	dials         int
}

type subscription struct {
	filter nostr.Filter
	ch     chan nostr.Event
	closed bool
}

// SetDown makes the relay unreachable (or reachable again). Live
// subscriptions are closed when it goes down.
func (r *Relay) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.down = down
	if down {
		for id, s := range r.subs {
			r.closeSubLocked(id, s)
		}
	}
}

// RejectPublish makes Publish fail while keeping queries working.
func (r *Relay) RejectPublish(reject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectPublish = reject
}

// SetQueryDelay makes Query wait d before answering, or until the caller's
// context ends.
func (r *Relay) SetQueryDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryDelay = d
}

// Store adds an event directly, as if it had been published earlier.
func (r *Relay) Store(events ...nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range events {
		r.storeLocked(evt)
	}
}

// Redeliver pushes evt to every matching live subscription even if it was
// already delivered, simulating a relay sending a duplicate.
func (r *Relay) Redeliver(evt nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fanoutLocked(evt)
}

// Events returns a copy of the stored events.
func (r *Relay) Events() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.events...)
}

// Queries returns how many Query calls reached this relay.
func (r *Relay) Queries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries
}

// Publishes returns how many events were accepted.
func (r *Relay) Publishes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishes
}

// Subscriptions returns the number of live subscriptions.
func (r *Relay) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// storeLocked keeps evt unless it is a duplicate. A replaceable event
// replaces the author's previous one of the same kind unless it is older.
func (r *Relay) storeLocked(evt nostr.Event) bool {
	for _, existing := range r.events {
		if existing.ID == evt.ID {
			return false
		}
	}
	if replaceable(evt.Kind) {
		kept := make([]nostr.Event, 0, len(r.events))
		for _, existing := range r.events {
			if existing.Kind == evt.Kind && existing.PubKey == evt.PubKey {
				if existing.CreatedAt > evt.CreatedAt {
					return false
				}
				continue
			}
			kept = append(kept, existing)
		}
		r.events = kept
	}
	r.events = append(r.events, evt)
	return true
}

func replaceable(k nostr.Kind) bool {
	return k == 0 || k == 3 || (k >= 10000 && k < 20000)
}

func (r *Relay) fanoutLocked(evt nostr.Event) {
	for _, s := range r.subs {
		if s.closed || !Matches(s.filter, evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Test subscribers that stop reading lose events, like a slow websocket.
		}
	}
}

func (r *Relay) closeSubLocked(id int, s *subscription) {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	delete(r.subs, id)
}

// conn is one client connection to a Relay.
type conn struct {
	relay *Relay
}

func (c *conn) URL() string { return c.relay.url }

func (c *conn) Publish(_ context.Context, evt nostr.Event) error {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down {
		return fmt.Errorf("%s: not connected", r.url)
	}
	if r.rejectPublish {
		return fmt.Errorf("%s: blocked: publishing disabled", r.url)
	}
	r.publishes++
	if r.storeLocked(evt) {
		r.fanoutLocked(evt)
	}
	return nil
}

func (c *conn) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	r := c.relay
	r.mu.Lock()
	r.queries++
	delay := r.queryDelay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, fmt.Errorf("%s: not connected", r.url)
	}
	return r.matchingLocked(filter), nil
}

func (c *conn) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan nostr.Event, func(), error) {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down {
		return nil, nil, fmt.Errorf("%s: not connected", r.url)
	}

	id := r.nextSub
	r.nextSub++
	s := &subscription{filter: filter, ch: make(chan nostr.Event, 1024)}
	r.subs[id] = s

	for _, evt := range r.matchingLocked(filter) {
		s.ch <- evt
	}

	unsub := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.subs[id]; ok {
			r.closeSubLocked(id, cur)
		}
	}
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return s.ch, unsub, nil
}

func (c *conn) IsConnected() bool {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	return !c.relay.down
}

func (c *conn) Close() {}

func (r *Relay) matchingLocked(filter nostr.Filter) []nostr.Event {
	var out []nostr.Event
	for _, evt := range r.events {
		if Matches(filter, evt) {
			out = append(out, evt)
		}
	}
	gtnostr.SortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Matches reports whether evt satisfies filter (ids, kinds, authors, tags,
// since, until).
func Matches(filter nostr.Filter, evt nostr.Event) bool {
	if len(filter.IDs) > 0 && !containsID(filter.IDs, evt.ID) {
		return false
	}
	if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, evt.Kind) {
		return false
	}
	if len(filter.Authors) > 0 && !containsPubKey(filter.Authors, evt.PubKey) {
		return false
	}
	for key, values := range filter.Tags {
		if !hasTag(evt.Tags, key, values) {
			return false
		}
	}
	if filter.Since != 0 && evt.CreatedAt < filter.Since {
		return false
	}
	if filter.Until != 0 && evt.CreatedAt > filter.Until {
		return false
	}
	return true
}

func containsID(ids []nostr.ID, id nostr.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsKind(kinds []nostr.Kind, k nostr.Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsPubKey(keys []nostr.PubKey, pk nostr.PubKey) bool {
	for _, v := range keys {
		if v == pk {
			return true
		}
	}
	return false
}

func hasTag(tags nostr.Tags, key string, values []string) bool {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != key {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}

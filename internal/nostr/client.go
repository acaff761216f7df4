package nostr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chebizarro/nostrdm/internal/config"
	"github.com/chebizarro/nostrdm/internal/log"
)

// RelayPool manages connections to read and write relays.
// Relays that fail to connect are retried lazily on the next operation that
// needs them, and by Reconnect.
type RelayPool struct {
	mu           sync.RWMutex
	readURLs     []string
	writeURLs    []string
	relays       map[string]Relay
	lastErr      map[string]error
	dial         Dialer
	queryTimeout time.Duration
	closed       bool
	logger       *zap.Logger
}

// PoolOption customizes a RelayPool.
type PoolOption func(*RelayPool)

// WithDialer replaces the websocket dialer (used by tests).
func WithDialer(d Dialer) PoolOption {
	return func(p *RelayPool) { p.dial = d }
}

// WithQueryTimeout bounds every Query call.
func WithQueryTimeout(d time.Duration) PoolOption {
	return func(p *RelayPool) {
		if d > 0 {
			p.queryTimeout = d
		}
	}
}

// NewRelayPool creates a relay pool from the Nostr configuration.
// It connects to all configured read and write relays; individual connection
// failures are logged, not fatal.
func NewRelayPool(ctx context.Context, cfg *config.NostrConfig, opts ...PoolOption) (*RelayPool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nostr config is nil")
	}

	p := &RelayPool{
		readURLs:     cfg.ReadRelays,
		writeURLs:    cfg.WriteRelays,
		relays:       make(map[string]Relay),
		lastErr:      make(map[string]error),
		dial:         DialWebsocket,
		queryTimeout: cfg.QueryTimeout.Duration,
		logger:       log.Named("relay"),
	}
	if p.queryTimeout <= 0 {
		p.queryTimeout = config.DefaultQueryTimeout
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, url := range p.allURLs() {
		if _, err := p.relay(ctx, url); err != nil {
			p.logger.Warn("failed to connect to relay", zap.String("relay", url), zap.Error(err))
		}
	}

	return p, nil
}

// relay returns a connected relay for url, dialing if needed.
func (p *RelayPool) relay(ctx context.Context, url string) (Relay, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, fmt.Errorf("relay pool is closed")
	}
	r, ok := p.relays[url]
	p.mu.RUnlock()
	if ok && r.IsConnected() {
		return r, nil
	}

	fresh, err := p.dial(ctx, url)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr[url] = err
		return nil, err
	}
	if p.closed {
		fresh.Close()
		return nil, fmt.Errorf("relay pool is closed")
	}
	if existing, ok := p.relays[url]; ok && existing != r && existing.IsConnected() {
		// Another caller reconnected first.
		fresh.Close()
		return existing, nil
	}
	if r != nil {
		r.Close()
	}
	p.relays[url] = fresh
	delete(p.lastErr, url)
	return fresh, nil
}

// Query fetches stored events matching filter from every read relay,
// merging and de-duplicating by event id. Relays that fail are logged and
// skipped; only when every relay fails is a *RelayUnreachableError returned.
// Results are ordered newest first.
func (p *RelayPool) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	urls := p.ReadRelayURLs()
	if len(urls) == 0 {
		return nil, &RelayUnreachableError{}
	}

	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		seen     = make(map[nostr.ID]bool)
		merged   []nostr.Event
		failures = make(map[string]error)
		g        errgroup.Group
	)

	for _, url := range urls {
		g.Go(func() error {
			relay, err := p.relay(ctx, url)
			if err != nil {
				mu.Lock()
				failures[url] = err
				mu.Unlock()
				return nil
			}

			events, err := relay.Query(ctx, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && len(events) == 0 && !errors.Is(err, context.DeadlineExceeded) {
				failures[url] = err
				return nil
			}
			if err != nil {
				p.logger.Debug("partial query result", zap.String("relay", url), zap.Int("events", len(events)), zap.Error(err))
			}
			for _, evt := range events {
				if seen[evt.ID] {
					continue
				}
				seen[evt.ID] = true
				merged = append(merged, evt)
			}
			return nil
		})
	}
	_ = g.Wait()

	for url, err := range failures {
		p.logger.Warn("query failed", zap.String("relay", url), zap.Error(err))
		recordRelayFailure(ctx, url, "query")
	}
	if len(failures) == len(urls) {
		return nil, &RelayUnreachableError{Relays: failures}
	}

	SortNewestFirst(merged)
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// Publish sends an event to all write relays.
// Returns a *PublishError only if ALL relays fail.
func (p *RelayPool) Publish(ctx context.Context, event nostr.Event) error {
	urls := p.WriteRelayURLs()
	id := IDToString(event.ID)
	if len(urls) == 0 {
		return &PublishError{EventID: id}
	}

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	for _, url := range urls {
		g.Go(func() error {
			relay, err := p.relay(ctx, url)
			if err == nil {
				err = relay.Publish(ctx, event)
			}
			if err != nil {
				mu.Lock()
				failures[url] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for url, err := range failures {
		p.logger.Warn("publish failed", zap.String("relay", url), zap.String("event", ShortKey(id)), zap.Error(err))
		recordRelayFailure(ctx, url, "publish")
	}
	if len(failures) == len(urls) {
		return &PublishError{EventID: id, Relays: failures}
	}
	return nil
}

// Subscription is a merged live stream over several relays. Events are
// de-duplicated by id for the lifetime of the subscription.
type Subscription struct {
	Events <-chan nostr.Event

	cancel context.CancelFunc
	unsubs []func()
	done   chan struct{}
	once   sync.Once
}

// Close tears the subscription down. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		for _, unsub := range s.unsubs {
			unsub()
		}
		<-s.done
	})
}

// Done is closed once every relay stream has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe creates a subscription across all read relays for every filter.
// The caller must Close the returned subscription.
func (p *RelayPool) Subscribe(ctx context.Context, filters []nostr.Filter) (*Subscription, error) {
	urls := p.ReadRelayURLs()
	ctx, cancel := context.WithCancel(ctx)

	var (
		streams  []<-chan nostr.Event
		unsubs   []func()
		failures = make(map[string]error)
	)
	for _, url := range urls {
		relay, err := p.relay(ctx, url)
		if err != nil {
			failures[url] = err
			continue
		}
		for _, f := range filters {
			ch, unsub, err := relay.Subscribe(ctx, f)
			if err != nil {
				failures[url] = err
				continue
			}
			streams = append(streams, ch)
			unsubs = append(unsubs, unsub)
		}
	}
	for url, err := range failures {
		p.logger.Warn("subscribe failed", zap.String("relay", url), zap.Error(err))
		recordRelayFailure(ctx, url, "subscribe")
	}
	if len(streams) == 0 {
		cancel()
		return nil, &RelayUnreachableError{Relays: failures}
	}

	out := make(chan nostr.Event)
	done := make(chan struct{})
	var (
		wg     sync.WaitGroup
		seenMu sync.Mutex
		seen   = make(map[nostr.ID]bool)
	)
	for _, ch := range streams {
		wg.Add(1)
		go func(ch <-chan nostr.Event) {
			defer wg.Done()
			for {
				select {
				case evt, ok := <-ch:
					if !ok {
						return
					}
					seenMu.Lock()
					dup := seen[evt.ID]
					seen[evt.ID] = true
					seenMu.Unlock()
					if dup {
						continue
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
		close(done)
	}()

	return &Subscription{Events: out, cancel: cancel, unsubs: unsubs, done: done}, nil
}

// Reconnect attempts to reconnect disconnected relays.
// Call this periodically from a health monitor goroutine.
func (p *RelayPool) Reconnect(ctx context.Context) {
	for _, url := range p.allURLs() {
		if _, err := p.relay(ctx, url); err != nil {
			p.logger.Debug("reconnect failed", zap.String("relay", url), zap.Error(err))
		}
	}
}

// ConnectedWriteRelays returns the number of currently connected write relays.
func (p *RelayPool) ConnectedWriteRelays() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, url := range p.writeURLs {
		if r, ok := p.relays[url]; ok && r.IsConnected() {
			count++
		}
	}
	return count
}

// WriteRelayURLs returns the configured write relay URLs.
func (p *RelayPool) WriteRelayURLs() []string {
	return p.writeURLs
}

// ReadRelayURLs returns the configured read relay URLs.
func (p *RelayPool) ReadRelayURLs() []string {
	return p.readURLs
}

// Close disconnects from all relays.
func (p *RelayPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, relay := range p.relays {
		relay.Close()
	}
	p.relays = make(map[string]Relay)
}

func (p *RelayPool) allURLs() []string {
	seen := make(map[string]bool)
	var all []string
	for _, url := range append(append([]string{}, p.writeURLs...), p.readURLs...) {
		if !seen[url] {
			seen[url] = true
			all = append(all, url)
		}
	}
	return all
}

// IsRelayUnreachable reports whether err (or anything it wraps) is a
// *RelayUnreachableError.
func IsRelayUnreachable(err error) bool {
	var target *RelayUnreachableError
	return errors.As(err, &target)
}

// DefaultPublishTimeout is the default timeout for publishing a single event.
const DefaultPublishTimeout = 10 * time.Second

// DefaultConnectTimeout is the default timeout for connecting to a relay.
const DefaultConnectTimeout = 15 * time.Second

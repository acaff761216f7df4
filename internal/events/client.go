// Package events is the read side of the relay transport: merged multi-filter
// queries and a bounded, coalescing cache for single-event lookups.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"fiatjaf.com/nostr"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chebizarro/nostrdm/internal/config"
	"github.com/chebizarro/nostrdm/internal/log"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// Querier runs one filter against the relay set. *gtnostr.RelayPool
// implements it.
type Querier interface {
	Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)
}

// Client resolves events from relays. Single-event lookups through
// FetchEventWithCache are cached by canonical filter and coalesced so that
// concurrent misses for the same filter share one relay round trip.
type Client struct {
	pool   Querier
	cache  *lru.Cache[string, *nostr.Event]
	group  singleflight.Group
	logger *zap.Logger
}

// NewClient creates a client with an LRU of size entries
// (config.DefaultCacheSize if size <= 0).
func NewClient(pool Querier, size int) (*Client, error) {
	if size <= 0 {
		size = config.DefaultCacheSize
	}
	cache, err := lru.New[string, *nostr.Event](size)
	if err != nil {
		return nil, fmt.Errorf("creating event cache: %w", err)
	}
	return &Client{
		pool:   pool,
		cache:  cache,
		logger: log.Named("events"),
	}, nil
}

// FetchEvents runs every filter and returns the union, de-duplicated by id
// and ordered newest first. It fails only if the relays were unreachable for
// every filter.
func (c *Client) FetchEvents(ctx context.Context, filters []nostr.Filter) ([]nostr.Event, error) {
	var (
		seen    = make(map[nostr.ID]bool)
		merged  []nostr.Event
		lastErr error
		ok      int
	)
	for _, f := range filters {
		recordFetch(ctx)
		events, err := c.pool.Query(ctx, f)
		if err != nil {
			c.logger.Debug("filter query failed", zap.Error(err))
			lastErr = err
			continue
		}
		ok++
		for _, evt := range events {
			if seen[evt.ID] {
				continue
			}
			seen[evt.ID] = true
			merged = append(merged, evt)
		}
	}
	if ok == 0 && lastErr != nil {
		return nil, lastErr
	}
	gtnostr.SortNewestFirst(merged)
	return merged, nil
}

// FetchEvent returns the newest event matching filter, bypassing the cache.
// A nil event with a nil error means nothing matched.
func (c *Client) FetchEvent(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	filter.Limit = 1
	recordFetch(ctx)
	events, err := c.pool.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	gtnostr.SortNewestFirst(events)
	evt := events[0]
	return &evt, nil
}

// FetchEventWithCache is FetchEvent behind the LRU. Only found events are
// cached; errors and empty results are not, so a later call retries.
func (c *Client) FetchEventWithCache(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	key := CanonicalKey(filter)
	if evt, ok := c.cache.Get(key); ok {
		recordCache(ctx, true)
		return copyEvent(evt), nil
	}
	recordCache(ctx, false)

	v, err, shared := c.group.Do(key, func() (any, error) {
		if evt, ok := c.cache.Get(key); ok {
			return evt, nil
		}
		// Waiters share this fetch, so one caller's cancellation must not fail the rest.
		evt, err := c.FetchEvent(context.WithoutCancel(ctx), filter)
		if err != nil {
			return nil, err
		}
		if evt != nil {
			c.cache.Add(key, evt)
		}
		return evt, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("coalesced fetch", zap.String("key", key))
	}
	evt, _ := v.(*nostr.Event)
	return copyEvent(evt), nil
}

// FetchProfile returns the newest kind 0 metadata event for pubkey.
func (c *Client) FetchProfile(ctx context.Context, pubkey string) (*nostr.Event, error) {
	return c.FetchReplaceable(ctx, gtnostr.KindProfile, pubkey)
}

// FetchReplaceable returns the newest event of a replaceable kind by author,
// through the cache.
func (c *Client) FetchReplaceable(ctx context.Context, kind int, author string) (*nostr.Event, error) {
	return c.FetchEventWithCache(ctx, ReplaceableFilter(kind, author))
}

// ReplaceableFilter is the filter FetchReplaceable uses, exposed so callers
// can Invalidate after publishing a newer version.
func ReplaceableFilter(kind int, author string) nostr.Filter {
	return nostr.Filter{
		Kinds:   gtnostr.KindSlice(kind),
		Authors: gtnostr.PubKeySlice(author),
		Limit:   1,
	}
}

// Invalidate drops the cached result for filter.
func (c *Client) Invalidate(filter nostr.Filter) {
	c.cache.Remove(CanonicalKey(filter))
}

// Len returns the number of cached events.
func (c *Client) Len() int {
	return c.cache.Len()
}

func copyEvent(evt *nostr.Event) *nostr.Event {
	if evt == nil {
		return nil
	}
	cp := *evt
	cp.Tags = append(nostr.Tags(nil), evt.Tags...)
	return &cp
}

// CanonicalKey serializes filter with sorted keys and sorted values so that
// equivalent filters share a cache entry.
func CanonicalKey(filter nostr.Filter) string {
	m := make(map[string]any)
	if len(filter.IDs) > 0 {
		ids := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			ids[i] = gtnostr.IDToString(id)
		}
		sort.Strings(ids)
		m["ids"] = ids
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]int, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = int(k)
		}
		sort.Ints(kinds)
		m["kinds"] = kinds
	}
	if len(filter.Authors) > 0 {
		authors := make([]string, len(filter.Authors))
		for i, pk := range filter.Authors {
			authors[i] = gtnostr.PubKeyToString(pk)
		}
		sort.Strings(authors)
		m["authors"] = authors
	}
	for name, values := range filter.Tags {
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		m["#"+name] = sorted
	}
	if filter.Since != 0 {
		m["since"] = int64(filter.Since)
	}
	if filter.Until != 0 {
		m["until"] = int64(filter.Until)
	}
	if filter.Limit != 0 {
		m["limit"] = filter.Limit
	}
	if filter.Search != "" {
		m["search"] = filter.Search
	}

	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(data)
}

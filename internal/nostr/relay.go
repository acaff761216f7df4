package nostr

import (
	"context"
	"fmt"

	"fiatjaf.com/nostr"
)

// Relay is one relay connection as seen by the pool. The production
// implementation wraps *nostr.Relay; tests use the in-memory hub in nostrtest.
type Relay interface {
	URL() string

	// Publish sends an event and waits for the relay's OK.
	Publish(ctx context.Context, event nostr.Event) error

	// Query returns stored events matching filter, stopping at EOSE.
	// If ctx expires first it returns what arrived so far along with ctx.Err().
	Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)

	// Subscribe streams matching events until ctx is done or unsub is called.
	Subscribe(ctx context.Context, filter nostr.Filter) (events <-chan nostr.Event, unsub func(), err error)

	IsConnected() bool
	Close()
}

// Dialer opens a Relay connection.
type Dialer func(ctx context.Context, url string) (Relay, error)

// DialWebsocket is the production Dialer backed by fiatjaf.com/nostr.
func DialWebsocket(ctx context.Context, url string) (Relay, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	r, err := nostr.RelayConnect(ctx, url, nostr.RelayOptions{})
	if err != nil {
		return nil, err
	}
	return &wsRelay{relay: r}, nil
}

type wsRelay struct {
	relay *nostr.Relay
}

func (w *wsRelay) URL() string { return w.relay.URL }

func (w *wsRelay) Publish(ctx context.Context, event nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultPublishTimeout)
	defer cancel()
	return w.relay.Publish(ctx, event)
}

func (w *wsRelay) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	sub, err := w.relay.Subscribe(ctx, filter, nostr.SubscriptionOptions{})
	if err != nil {
		return nil, err
	}
	defer sub.Unsub()

	var events []nostr.Event
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return events, nil
			}
			events = append(events, evt)
		case <-sub.EndOfStoredEvents:
			// Drain anything already buffered before EOSE was observed.
			for {
				select {
				case evt, ok := <-sub.Events:
					if !ok {
						return events, nil
					}
					events = append(events, evt)
				default:
					return events, nil
				}
			}
		case reason := <-sub.ClosedReason:
			return events, fmt.Errorf("subscription closed by relay: %s", reason)
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

func (w *wsRelay) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan nostr.Event, func(), error) {
	sub, err := w.relay.Subscribe(ctx, filter, nostr.SubscriptionOptions{})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan nostr.Event)
	go func() {
		defer close(out)
		for {
			select {
			case evt, ok := <-sub.Events:
				if !ok {
					return
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
	}()

	return out, sub.Unsub, nil
}

func (w *wsRelay) IsConnected() bool { return w.relay.IsConnected() }

func (w *wsRelay) Close() { w.relay.Close() }

package nostr

import (
	"context"
	"errors"
	"fmt"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/log"
)

// Broadcaster delivers signed events to write relays. *RelayPool implements it.
type Broadcaster interface {
	Publish(ctx context.Context, event nostr.Event) error
	WriteRelayURLs() []string
}

// Publisher is the high-level API for publishing Nostr events as the account.
// User-initiated events go through Publish and fail loudly; background events
// (key announcements, relay lists) go through PublishOrSpool.
type Publisher struct {
	signer Signer
	pool   Broadcaster
	spool  *Spool
	logger *zap.Logger
}

// NewPublisher creates a publisher. spool may be nil, in which case
// PublishOrSpool behaves like Publish.
func NewPublisher(signer Signer, pool Broadcaster, spool *Spool) *Publisher {
	return &Publisher{
		signer: signer,
		pool:   pool,
		spool:  spool,
		logger: log.Named("publisher"),
	}
}

// Publish signs and broadcasts an event. Signing failures are returned as
// *SigningFailedError, broadcast failures as *PublishError.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event) error {
	if err := SignEvent(ctx, p.signer, event); err != nil {
		return err
	}
	return p.pool.Publish(ctx, *event)
}

// PublishOrSpool signs and broadcasts an event. If all relays fail, the
// event is spooled locally for a later DrainSpool.
// Returns an error only if signing fails or both publishing and spooling fail.
func (p *Publisher) PublishOrSpool(ctx context.Context, event *nostr.Event) error {
	if err := SignEvent(ctx, p.signer, event); err != nil {
		return err
	}

	err := p.pool.Publish(ctx, *event)
	if err == nil {
		return nil
	}

	var pubErr *PublishError
	if p.spool == nil || !errors.As(err, &pubErr) {
		return err
	}

	p.logger.Info("publish failed, spooling event", zap.String("event", ShortKey(IDToString(event.ID))), zap.Error(err))
	if spoolErr := p.spool.Enqueue(event, p.pool.WriteRelayURLs()); spoolErr != nil {
		return fmt.Errorf("publish failed (%v) and spool failed: %w", err, spoolErr)
	}
	return nil
}

// DrainSpool attempts to send all spooled events to relays.
func (p *Publisher) DrainSpool(ctx context.Context) (sent int, failed int, err error) {
	if p.spool == nil {
		return 0, 0, nil
	}
	return p.spool.Drain(ctx, p.pool)
}

// SpoolCount returns the number of events waiting in the spool.
func (p *Publisher) SpoolCount() int {
	if p.spool == nil {
		return 0
	}
	return p.spool.Count()
}

// Signer returns the publisher's signer.
func (p *Publisher) Signer() Signer {
	return p.signer
}

// Close releases the signer. The relay pool is owned by the caller.
func (p *Publisher) Close() error {
	return p.signer.Close()
}

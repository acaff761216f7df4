package keysync

import (
	"context"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/config"
	"github.com/chebizarro/nostrdm/internal/log"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// PrimaryConfig wires a Primary.
type PrimaryConfig struct {
	Account  string
	Signer   gtnostr.Signer
	Relays   Relays
	Keys     Exporter
	Registry *gtnostr.DeviceRegistry // optional audit trail of grants
	Window   time.Duration           // how far back to look for requests

	// Resubscribe is the first delay before resubscribing after the relay
	// stream ends. It doubles on each failed attempt up to
	// config.MaxResubscribe.
	Resubscribe time.Duration
}

// Primary answers key sync requests on the device that holds the keypair.
//
// At most one request is pending; a newer request replaces it. Request ids
// that were granted, dismissed or marked processed are never surfaced again
// by this Primary, even if a relay redelivers them. The processed set is in
// memory only.
type Primary struct {
	cfg PrimaryConfig

	mu          sync.Mutex
	state       State
	pending     *Request
	granting    string
	processed   map[string]bool
	handlers    map[int]func(Request)
	nextHandler int
	cancel      context.CancelFunc
	done        chan struct{} // non-nil while listening

	logger *zap.Logger
}

// NewPrimary creates an idle Primary. Call Start to begin listening.
func NewPrimary(cfg PrimaryConfig) *Primary {
	if cfg.Window <= 0 {
		cfg.Window = config.DefaultSyncWindow
	}
	if cfg.Resubscribe <= 0 {
		cfg.Resubscribe = config.DefaultResubscribe
	}
	return &Primary{
		cfg:       cfg,
		processed: make(map[string]bool),
		handlers:  make(map[int]func(Request)),
		logger:    log.Named("keysync"),
	}
}

// Start subscribes to key sync requests for the account. If the relay
// stream ends before Stop, the Primary resubscribes with backoff until ctx
// ends or Stop is called.
func (p *Primary) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	sub, err := p.subscribe(ctx)
	if err != nil {
		p.release(done)
		close(done)
		return err
	}
	go p.run(ctx, sub, done)

	p.logger.Info("listening for key sync requests", zap.String("account", gtnostr.ShortKey(p.cfg.Account)))
	return nil
}

// Stop tears down the subscription. The processed set is kept.
func (p *Primary) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

func (p *Primary) subscribe(ctx context.Context) (*gtnostr.Subscription, error) {
	filter := nostr.Filter{
		Kinds:   gtnostr.KindSlice(gtnostr.KindKeySyncRequest),
		Authors: gtnostr.PubKeySlice(p.cfg.Account),
		Tags:    nostr.TagMap{gtnostr.TagPubkey: {p.cfg.Account}},
		Since:   nostr.Timestamp(time.Now().Add(-p.cfg.Window).Unix()),
	}
	return p.cfg.Relays.Subscribe(ctx, []nostr.Filter{filter})
}

// run delivers requests from sub and replaces it whenever the relay stream
// ends, until ctx is done.
func (p *Primary) run(ctx context.Context, sub *gtnostr.Subscription, done chan struct{}) {
	defer close(done)
	defer p.release(done)

	for {
		for evt := range sub.Events {
			p.handle(evt)
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("key sync subscription ended, resubscribing")

		var err error
		sub, err = p.resubscribe(ctx)
		if err != nil {
			return
		}
	}
}

func (p *Primary) resubscribe(ctx context.Context) (*gtnostr.Subscription, error) {
	delay := p.cfg.Resubscribe
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		sub, err := p.subscribe(ctx)
		if err == nil {
			p.logger.Info("key sync subscription restored")
			return sub, nil
		}
		delay = min(delay*2, config.MaxResubscribe)
		p.logger.Warn("resubscribing to key sync requests failed", zap.Error(err), zap.Duration("retry_in", delay))
	}
}

// release frees the listening slot if it still belongs to done.
func (p *Primary) release(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == done {
		p.cancel()
		p.cancel, p.done = nil, nil
	}
}

func (p *Primary) handle(evt nostr.Event) {
	if gtnostr.PubKeyToString(evt.PubKey) != p.cfg.Account {
		return
	}
	req, err := ParseRequest(evt)
	if err != nil {
		p.logger.Debug("ignoring malformed key sync request", zap.Error(err))
		return
	}
	if !p.surface(req) {
		return
	}

	p.logger.Info("key sync request received",
		zap.String("request", gtnostr.ShortKey(req.ID)),
		zap.String("client", req.ClientName))

	for _, h := range p.handlerSnapshot() {
		h(*req)
	}
}

// surface makes req the pending request unless it was already processed or
// is already pending. The check and the insert happen under one lock.
func (p *Primary) surface(req *Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.processed[req.ID] {
		return false
	}
	if p.pending != nil && p.pending.ID == req.ID {
		return false
	}
	p.pending = req
	p.state = RequestReceived
	return true
}

func (p *Primary) handlerSnapshot() []func(Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs := make([]func(Request), 0, len(p.handlers))
	for _, h := range p.handlers {
		hs = append(hs, h)
	}
	return hs
}

// OnRequest registers handler for newly surfaced requests. Handlers run on
// the subscription goroutine. The returned function unregisters it and may
// be called more than once.
func (p *Primary) OnRequest(handler func(Request)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandler
	p.nextHandler++
	p.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.handlers, id)
			p.mu.Unlock()
		})
	}
}

// Pending returns the request awaiting a decision, if any.
func (p *Primary) Pending() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	req := *p.pending
	return &req
}

// State returns the current state.
func (p *Primary) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Grant exports the keypair to the pending request's device and marks the
// request processed. If the export fails the request stays pending so the
// caller can retry.
func (p *Primary) Grant(ctx context.Context, id string) error {
	p.mu.Lock()
	if p.pending == nil || p.pending.ID != id {
		p.mu.Unlock()
		return ErrNoPendingRequest
	}
	if p.granting != "" {
		p.mu.Unlock()
		return ErrGrantInProgress
	}
	req := *p.pending
	p.granting = id
	p.mu.Unlock()

	err := p.cfg.Keys.ExportKeyForTransfer(ctx, p.cfg.Signer, p.cfg.Account, req.ClientPubkey, req.ID)

	p.mu.Lock()
	p.granting = ""
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("key export failed, request kept open", zap.String("request", gtnostr.ShortKey(id)), zap.Error(err))
		return err
	}
	p.resolveLocked(id)
	p.mu.Unlock()

	p.logger.Info("key sync request resolved",
		zap.String("request", gtnostr.ShortKey(id)),
		zap.String("client", req.ClientName),
		zap.Stringer("outcome", Granted))

	if p.cfg.Registry != nil {
		if err := p.cfg.Registry.Record(&gtnostr.GrantedDevice{
			RequestID:    req.ID,
			ClientName:   req.ClientName,
			ClientPubkey: req.ClientPubkey,
			GrantedAt:    time.Now().UTC(),
		}); err != nil {
			p.logger.Warn("recording granted device", zap.Error(err))
		}
	}
	return nil
}

// Dismiss marks the request processed without exporting anything.
func (p *Primary) Dismiss(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveLocked(id)
	p.logger.Info("key sync request resolved",
		zap.String("request", gtnostr.ShortKey(id)),
		zap.Stringer("outcome", Dismissed))
}

// MarkProcessed records id as handled so redeliveries are ignored.
func (p *Primary) MarkProcessed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveLocked(id)
}

// IsProcessed reports whether id was granted, dismissed or marked processed.
func (p *Primary) IsProcessed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed[id]
}

func (p *Primary) resolveLocked(id string) {
	p.processed[id] = true
	if p.pending != nil && p.pending.ID == id {
		p.pending = nil
	}
	if p.pending == nil {
		p.state = Idle
	} else {
		p.state = RequestReceived
	}
}

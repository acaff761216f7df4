package keysync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/keystore"
	"github.com/chebizarro/nostrdm/internal/log"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// SecondaryConfig wires a Secondary.
type SecondaryConfig struct {
	Account    string
	Signer     gtnostr.Signer // identity signer; the request is signed as the account
	Relays     Relays
	Keys       Importer
	ClientName string
}

// Secondary requests the keypair on a device that does not have it.
type Secondary struct {
	cfg SecondaryConfig

	mu          sync.Mutex
	state       State
	ephemeralSK nostr.SecretKey
	ephemeralPK string
	requestID   string
	sub         *gtnostr.Subscription

	logger *zap.Logger
}

// NewSecondary creates an idle Secondary.
func NewSecondary(cfg SecondaryConfig) *Secondary {
	return &Secondary{cfg: cfg, logger: log.Named("keysync")}
}

// State returns the current state.
func (s *Secondary) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Request publishes a key sync request from a fresh ephemeral key and starts
// listening for the answer. Calling it again replaces the previous request.
func (s *Secondary) Request(ctx context.Context) (*Request, error) {
	s.Cancel()

	skHex, pkHex, err := gtnostr.GenerateSecretKey()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	sk, err := gtnostr.SecretKeyFromHex(skHex)
	if err != nil {
		return nil, err
	}

	// Subscribe before publishing so a fast answer is not missed.
	sub, err := s.cfg.Relays.Subscribe(ctx, []nostr.Filter{{
		Kinds:   gtnostr.KindSlice(gtnostr.KindKeyTransfer),
		Authors: gtnostr.PubKeySlice(s.cfg.Account),
		Tags:    nostr.TagMap{gtnostr.TagPubkey: {pkHex}},
	}})
	if err != nil {
		return nil, err
	}

	evt := &nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      gtnostr.KindKeySyncRequest,
		Tags: nostr.Tags{
			{gtnostr.TagPubkey, s.cfg.Account},
			{gtnostr.TagClient, s.cfg.ClientName},
			{gtnostr.TagClientPubkey, pkHex},
		},
	}
	if err := gtnostr.SignEvent(ctx, s.cfg.Signer, evt); err != nil {
		sub.Close()
		return nil, err
	}
	if err := s.cfg.Relays.Publish(ctx, *evt); err != nil {
		sub.Close()
		return nil, err
	}

	req := &Request{
		ID:           gtnostr.IDToString(evt.ID),
		ClientName:   s.cfg.ClientName,
		ClientPubkey: pkHex,
		CreatedAt:    evt.CreatedAt,
	}

	s.mu.Lock()
	s.ephemeralSK = sk
	s.ephemeralPK = pkHex
	s.requestID = req.ID
	s.sub = sub
	s.state = RequestSent
	s.mu.Unlock()

	s.logger.Info("key sync request sent",
		zap.String("request", gtnostr.ShortKey(req.ID)),
		zap.String("client", req.ClientName))
	return req, nil
}

// Await blocks until the primary device answers, then imports the keypair.
// Transfers that do not decrypt or validate are skipped.
func (s *Secondary) Await(ctx context.Context) (*keystore.EncryptionKeypair, error) {
	s.mu.Lock()
	sub, sk, requestID := s.sub, s.ephemeralSK, s.requestID
	s.mu.Unlock()
	if sub == nil {
		return nil, ErrNoRequest
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-sub.Events:
			if !ok {
				return nil, fmt.Errorf("key sync subscription closed before a transfer arrived")
			}
			kp, err := s.accept(evt, sk, requestID)
			if err != nil {
				s.logger.Debug("skipping key transfer", zap.String("event", gtnostr.ShortKey(gtnostr.IDToString(evt.ID))), zap.Error(err))
				continue
			}
			if err := s.cfg.Keys.Import(ctx, s.cfg.Account, kp); err != nil {
				return nil, fmt.Errorf("importing transferred key: %w", err)
			}

			s.mu.Lock()
			s.state = KeyReceived
			s.sub = nil
			s.mu.Unlock()
			sub.Close()

			s.logger.Info("encryption key received", zap.String("pubkey", gtnostr.ShortKey(kp.PublicKey)))
			return kp, nil
		}
	}
}

func (s *Secondary) accept(evt nostr.Event, sk nostr.SecretKey, requestID string) (*keystore.EncryptionKeypair, error) {
	if int(evt.Kind) != gtnostr.KindKeyTransfer {
		return nil, fmt.Errorf("unexpected kind %d", evt.Kind)
	}
	if gtnostr.PubKeyToString(evt.PubKey) != s.cfg.Account {
		return nil, fmt.Errorf("transfer not signed by the account")
	}
	if ref := gtnostr.TagValue(evt.Tags, gtnostr.TagEvent); ref != "" && ref != requestID {
		return nil, fmt.Errorf("transfer answers another request")
	}
	plaintext, err := gtnostr.DecryptNIP44(sk, evt.PubKey, evt.Content)
	if err != nil {
		return nil, &keystore.CryptoError{Op: "decrypt transfer", Err: err}
	}
	return keystore.ParseTransfer(s.cfg.Account, plaintext)
}

// Cancel stops waiting for a transfer and returns to Idle. It is a no-op when
// no request is outstanding.
func (s *Secondary) Cancel() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	if s.state == RequestSent {
		s.state = Idle
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

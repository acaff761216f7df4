package dm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/config"
	"github.com/chebizarro/nostrdm/internal/events"
	"github.com/chebizarro/nostrdm/internal/keystore"
	"github.com/chebizarro/nostrdm/internal/keysync"
	"github.com/chebizarro/nostrdm/internal/log"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
	"github.com/chebizarro/nostrdm/internal/storage"
)

// Subscriber opens live subscriptions. *gtnostr.RelayPool implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, filters []nostr.Filter) (*gtnostr.Subscription, error)
}

// Config wires a Service.
type Config struct {
	Publisher   *gtnostr.Publisher
	Relays      Subscriber
	Events      *events.Client
	Keys        *keystore.Store
	Storage     storage.Backend  // read-state
	Sync        *keysync.Primary // optional; backs OnSyncRequest
	BatchWindow time.Duration
	Resubscribe time.Duration // first retry delay when a live stream ends
}

// Service is the DM API for the account behind cfg.Publisher's signer.
type Service struct {
	account     string
	publisher   *gtnostr.Publisher
	relays      Subscriber
	events      *events.Client
	keys        *keystore.Store
	storage     storage.Backend
	sync        *keysync.Primary
	batchWindow time.Duration
	resubscribe time.Duration

	readMu sync.Mutex
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Publisher == nil || cfg.Publisher.Signer() == nil {
		return nil, fmt.Errorf("dm service requires a signing capability")
	}
	if cfg.Relays == nil || cfg.Events == nil || cfg.Keys == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("dm service requires relays, event client, key store and storage")
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = config.DefaultBatchWindow
	}
	if cfg.Resubscribe <= 0 {
		cfg.Resubscribe = config.DefaultResubscribe
	}
	return &Service{
		account:     cfg.Publisher.Signer().GetPublicKey(),
		publisher:   cfg.Publisher,
		relays:      cfg.Relays,
		events:      cfg.Events,
		keys:        cfg.Keys,
		storage:     cfg.Storage,
		sync:        cfg.Sync,
		batchWindow: cfg.BatchWindow,
		resubscribe: cfg.Resubscribe,
		logger:      log.Named("dm"),
	}, nil
}

// Account returns the service's account pubkey.
func (s *Service) Account() string {
	return s.account
}

func (s *Service) checkAccount(account string) error {
	if account != s.account {
		return fmt.Errorf("account %s is not the signed-in account %s", gtnostr.ShortKey(account), gtnostr.ShortKey(s.account))
	}
	return nil
}

// EnsureEncryptionKey returns the account's keypair, creating and announcing
// one if needed. The announcement is spooled if no relay accepts it.
func (s *Service) EnsureEncryptionKey(ctx context.Context) (*keystore.EncryptionKeypair, error) {
	kp, created, err := s.keys.Ensure(ctx, s.account)
	if err != nil {
		return nil, err
	}
	if created {
		if err := s.announce(ctx, kp); err != nil {
			return nil, err
		}
	}
	return kp, nil
}

// ResetEncryptionKey replaces the keypair and announces the new one. Messages
// encrypted to the old key become unreadable.
func (s *Service) ResetEncryptionKey(ctx context.Context) (*keystore.EncryptionKeypair, error) {
	kp, err := s.keys.Reset(ctx, s.account)
	if err != nil {
		return nil, err
	}
	if err := s.announce(ctx, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func (s *Service) announce(ctx context.Context, kp *keystore.EncryptionKeypair) error {
	evt := gtnostr.NewEncryptionKeyAnnouncement(kp.PublicKey)
	if err := s.publisher.PublishOrSpool(ctx, evt); err != nil {
		return fmt.Errorf("announcing encryption key: %w", err)
	}
	s.events.Invalidate(events.ReplaceableFilter(gtnostr.KindEncryptionKey, s.account))
	s.logger.Info("announced encryption key", zap.String("pubkey", gtnostr.ShortKey(kp.PublicKey)))
	return nil
}

// SendMessage encrypts plaintext to recipient's announced encryption key and
// publishes it. On any error nothing was sent.
func (s *Service) SendMessage(ctx context.Context, sender, recipient, plaintext string, reply *ReplyRef) (*Message, error) {
	if err := s.checkAccount(sender); err != nil {
		return nil, err
	}
	if !gtnostr.IsValidPubKey(recipient) {
		return nil, fmt.Errorf("invalid recipient pubkey %q", gtnostr.ShortKey(recipient))
	}

	kp, err := s.EnsureEncryptionKey(ctx)
	if err != nil {
		return nil, err
	}

	recipientKey := kp.PublicKey
	if recipient != s.account {
		recipientKey, err = s.lookupEncryptionKey(ctx, recipient)
		if err != nil {
			return nil, err
		}
	}

	body, err := encodePayload(plaintext, reply)
	if err != nil {
		return nil, err
	}
	ciphertext, err := keystore.EncryptWithNIP44(kp.PrivateKey, recipientKey, body)
	if err != nil {
		return nil, err
	}

	evt := &nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      gtnostr.KindEncryptedMessage,
		Tags: nostr.Tags{
			{gtnostr.TagPubkey, recipient},
			{gtnostr.TagEncryption, kp.PublicKey, recipientKey},
		},
		Content: ciphertext,
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		return nil, err
	}
	recordSent(ctx)

	msg := &Message{
		ID:        gtnostr.IDToString(evt.ID),
		Sender:    s.account,
		Recipient: recipient,
		Content:   plaintext,
		CreatedAt: evt.CreatedAt,
		ReplyTo:   reply,
	}
	s.logger.Debug("message sent", zap.String("id", gtnostr.ShortKey(msg.ID)), zap.String("to", gtnostr.ShortKey(recipient)))
	return msg, nil
}

// lookupEncryptionKey resolves pubkey's announced encryption key straight
// from relays. A cached announcement could predate a key reset.
func (s *Service) lookupEncryptionKey(ctx context.Context, pubkey string) (string, error) {
	evt, err := s.events.FetchEvent(ctx, events.ReplaceableFilter(gtnostr.KindEncryptionKey, pubkey))
	if err != nil {
		return "", &RecipientKeyUnavailableError{Recipient: pubkey, Err: err}
	}
	if evt == nil {
		return "", &RecipientKeyUnavailableError{Recipient: pubkey}
	}
	key, err := gtnostr.ParseEncryptionKeyAnnouncement(evt)
	if err != nil {
		return "", &RecipientKeyUnavailableError{Recipient: pubkey, Err: err}
	}
	return key, nil
}

// CheckDMSupport reports whether pubkey has DM relays and an encryption key.
// For the service's own account the local key store is authoritative. It
// never creates or publishes anything.
func (s *Service) CheckDMSupport(ctx context.Context, pubkey string) (Support, error) {
	var support Support

	relayList, err := s.events.FetchReplaceable(ctx, gtnostr.KindDMRelayList, pubkey)
	if err != nil {
		return support, err
	}
	support.HasDMRelays = len(gtnostr.ParseDMRelayList(relayList)) > 0

	if pubkey == s.account {
		kp, err := s.keys.Get(ctx, pubkey)
		if err != nil {
			return support, err
		}
		support.HasEncryptionKey = kp != nil
		return support, nil
	}

	announcement, err := s.events.FetchReplaceable(ctx, gtnostr.KindEncryptionKey, pubkey)
	if err != nil {
		return support, err
	}
	if _, err := gtnostr.ParseEncryptionKeyAnnouncement(announcement); err == nil {
		support.HasEncryptionKey = true
	}
	return support, nil
}

func messageFilters(account string, since nostr.Timestamp) []nostr.Filter {
	return []nostr.Filter{
		{Kinds: gtnostr.KindSlice(gtnostr.KindEncryptedMessage), Authors: gtnostr.PubKeySlice(account), Since: since},
		{Kinds: gtnostr.KindSlice(gtnostr.KindEncryptedMessage), Tags: nostr.TagMap{gtnostr.TagPubkey: {account}}, Since: since},
	}
}

// LoadInbox fetches and decrypts the account's whole message history.
// Messages that fail to decrypt are skipped.
func (s *Service) LoadInbox(ctx context.Context) (*Inbox, error) {
	inbox := NewInbox(s.account)

	kp, err := s.keys.Get(ctx, s.account)
	if err != nil {
		return nil, err
	}
	if kp == nil {
		return inbox, nil
	}

	evts, err := s.events.FetchEvents(ctx, messageFilters(s.account, 0))
	if err != nil {
		return nil, err
	}
	inbox.Add(s.decryptAll(ctx, evts, kp)...)
	return inbox, nil
}

func (s *Service) decryptAll(ctx context.Context, evts []nostr.Event, kp *keystore.EncryptionKeypair) []Message {
	msgs := make([]Message, 0, len(evts))
	for _, evt := range evts {
		msg, err := s.Decrypt(evt, kp)
		if err != nil {
			recordSkipped(ctx)
			s.logger.Debug("skipping undecryptable message",
				zap.String("id", gtnostr.ShortKey(gtnostr.IDToString(evt.ID))),
				zap.Error(err))
			continue
		}
		msgs = append(msgs, *msg)
	}
	return msgs
}

// Decrypt turns a kind 4044 event into a Message using the account's
// keypair.
func (s *Service) Decrypt(evt nostr.Event, kp *keystore.EncryptionKeypair) (*Message, error) {
	if int(evt.Kind) != gtnostr.KindEncryptedMessage {
		return nil, fmt.Errorf("event kind %d is not a direct message", evt.Kind)
	}
	sender := gtnostr.PubKeyToString(evt.PubKey)
	recipient := gtnostr.TagValue(evt.Tags, gtnostr.TagPubkey)
	encKeys := gtnostr.TagValues(evt.Tags, gtnostr.TagEncryption)
	if len(encKeys) < 2 {
		return nil, fmt.Errorf("message has no encryption key tag")
	}
	senderKey, recipientKey := encKeys[0], encKeys[1]

	var peerKey string
	switch {
	case sender == s.account && kp.PublicKey == senderKey:
		peerKey = recipientKey
	case recipient == s.account && kp.PublicKey == recipientKey:
		peerKey = senderKey
	default:
		return nil, errors.New("message was not encrypted to the current key")
	}

	plaintext, err := keystore.DecryptWithNIP44(kp.PrivateKey, peerKey, evt.Content)
	if err != nil {
		return nil, err
	}
	p, err := decodePayload(plaintext)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        gtnostr.IDToString(evt.ID),
		Sender:    sender,
		Recipient: recipient,
		Content:   p.Content,
		CreatedAt: evt.CreatedAt,
		ReplyTo:   p.ReplyTo,
	}, nil
}

// GetConversations returns every conversation of account, most recent first,
// with unread counts from the stored read-state.
func (s *Service) GetConversations(ctx context.Context, account string) ([]Conversation, error) {
	if err := s.checkAccount(account); err != nil {
		return nil, err
	}
	inbox, err := s.LoadInbox(ctx)
	if err != nil {
		return nil, err
	}
	read, err := s.ReadState(ctx, account)
	if err != nil {
		return nil, err
	}
	return inbox.Conversations(read), nil
}

// Messages returns the conversation between account and counterparty,
// oldest first.
func (s *Service) Messages(ctx context.Context, account, counterparty string) ([]Message, error) {
	if err := s.checkAccount(account); err != nil {
		return nil, err
	}
	inbox, err := s.LoadInbox(ctx)
	if err != nil {
		return nil, err
	}
	return inbox.Messages(counterparty), nil
}

// ReadState returns, per counterparty, the timestamp up to which messages
// have been read.
func (s *Service) ReadState(ctx context.Context, account string) (map[string]nostr.Timestamp, error) {
	read := make(map[string]nostr.Timestamp)
	err := storage.GetJSON(ctx, s.storage, storage.BucketReadState, account, &read)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading read state: %w", err)
	}
	return read, nil
}

// MarkRead records that messages from counterparty up to until have been
// read. The read marker never moves backwards.
func (s *Service) MarkRead(ctx context.Context, account, counterparty string, until nostr.Timestamp) error {
	if err := s.checkAccount(account); err != nil {
		return err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	read, err := s.ReadState(ctx, account)
	if err != nil {
		return err
	}
	if read[counterparty] >= until {
		return nil
	}
	read[counterparty] = until
	if err := storage.PutJSON(ctx, s.storage, storage.BucketReadState, account, read); err != nil {
		return fmt.Errorf("saving read state: %w", err)
	}
	return nil
}

// OnSyncRequest registers handler for key sync requests from other devices.
// Without a key sync listener it returns a no-op unsubscribe.
func (s *Service) OnSyncRequest(handler func(keysync.Request)) func() {
	if s.sync == nil {
		return func() {}
	}
	return s.sync.OnRequest(handler)
}

// MarkSyncRequestProcessed stops request id from prompting again.
func (s *Service) MarkSyncRequestProcessed(id string) {
	if s.sync != nil {
		s.sync.MarkProcessed(id)
	}
}

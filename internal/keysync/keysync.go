// Package keysync moves the DM encryption keypair between devices of one
// account.
//
// A device without the keypair runs a Secondary: it publishes a kind 4454
// request carrying an ephemeral pubkey and waits for the kind 4455 answer.
// The device holding the keypair runs a Primary: it watches for requests,
// surfaces one at a time, and on Grant exports the keypair to the requester.
package keysync

import (
	"context"
	"errors"

	"fiatjaf.com/nostr"

	"github.com/chebizarro/nostrdm/internal/keystore"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// State of a sync participant.
type State int

const (
	Idle State = iota
	RequestSent
	RequestReceived
	Granted
	Dismissed
	KeyReceived
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestSent:
		return "request-sent"
	case RequestReceived:
		return "request-received"
	case Granted:
		return "granted"
	case Dismissed:
		return "dismissed"
	case KeyReceived:
		return "key-received"
	default:
		return "unknown"
	}
}

// Request is a key sync request as seen by the primary device.
type Request struct {
	ID           string
	ClientName   string
	ClientPubkey string
	CreatedAt    nostr.Timestamp
}

var (
	ErrNoPendingRequest = errors.New("no pending key sync request with that id")
	ErrGrantInProgress  = errors.New("key sync grant already in progress")
	ErrAlreadyStarted   = errors.New("key sync listener already running")
	ErrNoRequest        = errors.New("no key sync request has been sent")
)

// Relays is the relay access key sync needs. *gtnostr.RelayPool implements it.
type Relays interface {
	Publish(ctx context.Context, event nostr.Event) error
	Subscribe(ctx context.Context, filters []nostr.Filter) (*gtnostr.Subscription, error)
}

// Exporter sends the keypair to a device. *keystore.Store implements it.
type Exporter interface {
	ExportKeyForTransfer(ctx context.Context, signer gtnostr.Signer, account, target, requestID string) error
}

// Importer stores a keypair received from the primary device.
// *keystore.Store implements it.
type Importer interface {
	Import(ctx context.Context, account string, kp *keystore.EncryptionKeypair) error
}

// ParseRequest validates a kind 4454 event and returns the request it
// carries.
func ParseRequest(evt nostr.Event) (*Request, error) {
	if int(evt.Kind) != gtnostr.KindKeySyncRequest {
		return nil, errors.New("not a key sync request")
	}
	clientPub := gtnostr.TagValue(evt.Tags, gtnostr.TagClientPubkey)
	if !gtnostr.IsValidPubKey(clientPub) {
		return nil, errors.New("key sync request has no valid client pubkey")
	}
	name := gtnostr.TagValue(evt.Tags, gtnostr.TagClient)
	if name == "" {
		name = "unknown device"
	}
	return &Request{
		ID:           gtnostr.IDToString(evt.ID),
		ClientName:   name,
		ClientPubkey: clientPub,
		CreatedAt:    evt.CreatedAt,
	}, nil
}

package p2p

import (
	"context"
	"errors"

	"github.com/allanwsilva/bisq/pkg/types"
)

// MessageHandler is a function type for message handlers. sender is the
// transport address of the peer the message came from.
type MessageHandler func(sender string, msg *types.P2PMessage) error

// ErrPeerUnreachable is returned by SendDirect when the peer cannot be
// reached right now
var ErrPeerUnreachable = errors.New("peer unreachable")

// Transport is the gossip and direct messaging layer the node runs on.
// Delivery is at-least-once at best and unordered.
type Transport interface {
	// NodeID returns the transport address of this node
	NodeID() string
	// Peers returns the addresses of currently known peers
	Peers() []string
	// Broadcast gossips a message to every subscriber of topic
	Broadcast(ctx context.Context, topic, messageType string, payload interface{}) error
	// SendDirect sends a message to a single peer
	SendDirect(ctx context.Context, peerID, messageType string, payload interface{}) error
	// RegisterHandler registers a handler for a specific message type,
	// whether it arrives through gossip or directly
	RegisterHandler(messageType string, handler MessageHandler)
}

package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	// Protocol identifiers
	ProtocolID          = "/bisq/1.0.0"
	OfferBookTopic      = "bisq-offerbook"
	PriceFeedTopic      = "bisq-pricefeed"
	RendezvousNamespace = "bisq-rendezvous"

	// Bootstrap timeout
	BootstrapTimeout = 30 * time.Second

	// Peer discovery intervals
	PeerDiscoveryInterval = 5 * time.Minute

	// Timeout for opening a stream and writing a direct message
	DirectSendTimeout = 30 * time.Second

	// Message TTL (Time To Live)
	MessageTTL = 10 * time.Minute

	// Maximum number of new connections per discovery cycle
	MaxNewPeersPerDiscovery = 10

	// Peers not seen for this long are pruned
	PeerInactivityTimeout = 24 * time.Hour

	// Maximum message size
	MaxMessageSize = 1024 * 1024 // 1MB
)

// Node is a libp2p backed Transport: gossipsub topics for the offer book
// and the price feed, direct streams for peer to peer trade messages and a
// kad DHT for peer discovery.
type Node struct {
	ctx           context.Context
	host          host.Host
	dht           *dht.IpfsDHT
	discovery     *drouting.RoutingDiscovery
	pubsub        *pubsub.PubSub
	topics        map[string]*pubsub.Topic
	subscriptions map[string]*pubsub.Subscription
	nodeID        string
	logger        *zap.Logger
	handlersMutex sync.RWMutex
	handlers      map[string]MessageHandler
	peersMutex    sync.RWMutex
	peers         map[peer.ID]time.Time
	messageCache  map[string]time.Time // Cache to avoid reprocessing messages
	cacheMutex    sync.Mutex
}

// LoadOrCreateIdentity reads the node identity key stored at path, creating
// and storing a new Ed25519 key if there is none yet, so that the node keeps
// its transport address across restarts.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode identity key %s: %w", path, err)
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity key %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, fmt.Errorf("failed to write identity key %s: %w", path, err)
	}
	return priv, nil
}

// NewNode creates a new libp2p node. A nil identity generates an ephemeral one.
func NewNode(
	ctx context.Context, listenAddrs []multiaddr.Multiaddr, identity crypto.PrivKey,
	logger *zap.Logger,
) (*Node, error) {
	if identity == nil {
		priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
		identity = priv
	}

	// Create libp2p host
	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Identity(identity),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	// Create new DHT instance for peer discovery
	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	// Create a new PubSub service using the GossipSub router
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	nodeID := h.ID().String()
	logger.Info("P2P node created", zap.String("nodeID", nodeID))

	return &Node{
		ctx:           ctx,
		host:          h,
		dht:           kadDHT,
		discovery:     drouting.NewRoutingDiscovery(kadDHT),
		pubsub:        ps,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]*pubsub.Subscription),
		nodeID:        nodeID,
		logger:        logger,
		handlers:      make(map[string]MessageHandler),
		peers:         make(map[peer.ID]time.Time),
		messageCache:  make(map[string]time.Time),
	}, nil
}

// Start initializes the P2P node and connects to the network
func (n *Node) Start(bootstrapPeers []multiaddr.Multiaddr) error {
	// Set stream handler for the protocol
	n.host.SetStreamHandler(protocol.ID(ProtocolID), n.handleStream)

	// Bootstrap the DHT
	if err := n.dht.Bootstrap(n.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	// Connect to bootstrap peers
	if len(bootstrapPeers) > 0 {
		n.logger.Info("Connecting to bootstrap peers", zap.Int("count", len(bootstrapPeers)))
		if err := n.connectToBootstrapPeers(bootstrapPeers); err != nil {
			n.logger.Warn("Failed to connect to some bootstrap peers", zap.Error(err))
			// Continue anyway, as we might still discover peers through DHT
		}
	}

	// Join pubsub topics
	for _, topicName := range []string{OfferBookTopic, PriceFeedTopic} {
		if err := n.joinTopic(topicName); err != nil {
			return fmt.Errorf("failed to join topic %s: %w", topicName, err)
		}
	}

	dutil.Advertise(n.ctx, n.discovery, RendezvousNamespace)

	// Start periodic peer discovery
	go n.startPeerDiscovery()

	// Start message processing for each subscription
	for topicName, sub := range n.subscriptions {
		go n.processMessages(topicName, sub)
	}

	n.logger.Info("P2P node started",
		zap.String("nodeID", n.nodeID),
		zap.String("addresses", fmt.Sprintf("%v", n.host.Addrs())))

	return nil
}

// Stop gracefully shuts down the P2P node
func (n *Node) Stop() error {
	// Unsubscribe from all topics
	for _, sub := range n.subscriptions {
		sub.Cancel()
	}
	for _, topic := range n.topics {
		topic.Close()
	}

	if err := n.dht.Close(); err != nil {
		n.logger.Warn("Failed to close DHT", zap.Error(err))
	}

	// Close the host
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}

	n.logger.Info("P2P node stopped", zap.String("nodeID", n.nodeID))
	return nil
}

// connectToBootstrapPeers connects to the provided bootstrap peers
func (n *Node) connectToBootstrapPeers(bootstrapPeers []multiaddr.Multiaddr) error {
	var wg sync.WaitGroup
	var errMutex sync.Mutex
	var connErrors []error

	for _, peerAddr := range bootstrapPeers {
		peerInfo, err := peer.AddrInfoFromP2pAddr(peerAddr)
		if err != nil {
			errMutex.Lock()
			connErrors = append(connErrors, fmt.Errorf("invalid peer address %s: %w", peerAddr, err))
			errMutex.Unlock()
			continue
		}

		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, BootstrapTimeout)
			defer cancel()

			if err := n.host.Connect(ctx, pi); err != nil {
				n.logger.Warn("Failed to connect to bootstrap peer",
					zap.String("peer", pi.ID.String()),
					zap.Error(err))
				errMutex.Lock()
				connErrors = append(connErrors, err)
				errMutex.Unlock()
				return
			}

			n.logger.Info("Connected to bootstrap peer", zap.String("peer", pi.ID.String()))
			n.touchPeer(pi.ID)
		}(*peerInfo)
	}

	wg.Wait()

	if len(connErrors) > 0 && len(connErrors) == len(bootstrapPeers) {
		return fmt.Errorf("failed to connect to any bootstrap peers: %v", connErrors)
	}

	return nil
}

// startPeerDiscovery periodically discovers new peers using DHT
func (n *Node) startPeerDiscovery() {
	ticker := time.NewTicker(PeerDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverPeers()
		}
	}
}

// discoverPeers finds peers advertising the rendezvous namespace
func (n *Node) discoverPeers() {
	n.logger.Debug("Starting peer discovery")

	ctx, cancel := context.WithTimeout(n.ctx, BootstrapTimeout)
	defer cancel()

	peers, err := n.discovery.FindPeers(ctx, RendezvousNamespace)
	if err != nil {
		n.logger.Error("Failed to find peers", zap.Error(err))
		return
	}

	count := 0
	for p := range peers {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}

		n.peersMutex.RLock()
		_, found := n.peers[p.ID]
		n.peersMutex.RUnlock()
		if found {
			continue
		}

		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		err := n.host.Connect(connectCtx, p)
		connectCancel()
		if err != nil {
			n.logger.Debug("Failed to connect to discovered peer",
				zap.String("peer", p.ID.String()),
				zap.Error(err))
			continue
		}

		n.touchPeer(p.ID)
		count++
		n.logger.Info("Connected to new peer", zap.String("peer", p.ID.String()))

		if count >= MaxNewPeersPerDiscovery {
			break
		}
	}

	n.prunePeers()

	n.peersMutex.RLock()
	peerCount := len(n.peers)
	n.peersMutex.RUnlock()

	n.logger.Info("Peer discovery completed", zap.Int("connectedPeers", peerCount))
}

func (n *Node) touchPeer(id peer.ID) {
	n.peersMutex.Lock()
	n.peers[id] = time.Now()
	n.peersMutex.Unlock()
}

// prunePeers removes peers that haven't been seen for a while
func (n *Node) prunePeers() {
	now := time.Now()

	n.peersMutex.Lock()
	defer n.peersMutex.Unlock()

	for id, lastSeen := range n.peers {
		if now.Sub(lastSeen) > PeerInactivityTimeout {
			delete(n.peers, id)
			n.logger.Debug("Pruned inactive peer", zap.String("peer", id.String()))
		}
	}
}

// joinTopic joins a pubsub topic and creates a subscription
func (n *Node) joinTopic(topicName string) error {
	topic, err := n.pubsub.Join(topicName)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topicName, err)
	}

	n.topics[topicName] = topic
	n.subscriptions[topicName] = sub

	n.logger.Info("Joined topic", zap.String("topic", topicName))
	return nil
}

// processMessages processes incoming messages from a subscription
func (n *Node) processMessages(topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || err == pubsub.ErrSubscriptionCancelled {
				return
			}
			n.logger.Error("Failed to read next message",
				zap.String("topic", topicName),
				zap.Error(err))
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		go n.handlePubSubMessage(topicName, msg)
	}
}

// handlePubSubMessage processes a pubsub message
func (n *Node) handlePubSubMessage(topicName string, msg *pubsub.Message) {
	var p2pMsg types.P2PMessage
	if err := p2pMsg.Deserialize(msg.Data); err != nil {
		n.logger.Error("Failed to unmarshal message",
			zap.String("topic", topicName),
			zap.Error(err))
		return
	}

	msgID := fmt.Sprintf("%s-%s-%d", p2pMsg.MessageType, p2pMsg.SenderID, p2pMsg.Timestamp.UnixNano())
	if n.seen(msgID) {
		return
	}

	// the author, not the relaying peer, is the sender of a gossip message
	n.touchPeer(msg.ReceivedFrom)
	n.dispatch(msg.GetFrom().String(), &p2pMsg)
}

// seen records msgID and reports whether it was already in the cache
func (n *Node) seen(msgID string) bool {
	n.cacheMutex.Lock()
	defer n.cacheMutex.Unlock()

	now := time.Now()
	if expiry, exists := n.messageCache[msgID]; exists && now.Before(expiry) {
		return true
	}
	n.messageCache[msgID] = now.Add(MessageTTL)

	// Periodically clean up the message cache
	if len(n.messageCache)%100 == 0 {
		for id, expiry := range n.messageCache {
			if now.After(expiry) {
				delete(n.messageCache, id)
			}
		}
	}
	return false
}

func (n *Node) dispatch(sender string, msg *types.P2PMessage) {
	n.handlersMutex.RLock()
	handler, ok := n.handlers[msg.MessageType]
	n.handlersMutex.RUnlock()

	if !ok {
		n.logger.Debug("No handler for message type",
			zap.String("type", msg.MessageType),
			zap.String("sender", sender))
		return
	}
	if err := handler(sender, msg); err != nil {
		n.logger.Warn("Error handling message",
			zap.String("type", msg.MessageType),
			zap.String("sender", sender),
			zap.Error(err))
	}
}

// handleStream processes an incoming stream from a peer
func (n *Node) handleStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer()

	data, err := io.ReadAll(io.LimitReader(stream, MaxMessageSize+1))
	if err != nil {
		n.logger.Error("Failed to read from stream",
			zap.String("peer", remote.String()),
			zap.Error(err))
		stream.Reset()
		return
	}
	if len(data) > MaxMessageSize {
		n.logger.Warn("Direct message too large", zap.String("peer", remote.String()))
		stream.Reset()
		return
	}

	var p2pMsg types.P2PMessage
	if err := json.Unmarshal(data, &p2pMsg); err != nil {
		n.logger.Error("Failed to unmarshal direct message",
			zap.String("peer", remote.String()),
			zap.Error(err))
		stream.Reset()
		return
	}
	if err := stream.Close(); err != nil {
		n.logger.Debug("Failed to close stream",
			zap.String("peer", remote.String()),
			zap.Error(err))
	}

	n.touchPeer(remote)
	n.dispatch(remote.String(), &p2pMsg)
}

// RegisterHandler registers a handler for a specific message type
func (n *Node) RegisterHandler(messageType string, handler MessageHandler) {
	n.handlersMutex.Lock()
	n.handlers[messageType] = handler
	n.handlersMutex.Unlock()
	n.logger.Debug("Registered handler", zap.String("messageType", messageType))
}

// Broadcast publishes a message to a specific topic
func (n *Node) Broadcast(ctx context.Context, topicName, messageType string, payload interface{}) error {
	topic, ok := n.topics[topicName]
	if !ok {
		return fmt.Errorf("topic %s not joined", topicName)
	}

	msg, err := types.NewP2PMessage(messageType, n.nodeID, payload)
	if err != nil {
		return err
	}
	msgBytes, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	if err := topic.Publish(ctx, msgBytes); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	n.logger.Debug("Broadcast message",
		zap.String("topic", topicName),
		zap.String("type", messageType))

	return nil
}

// SendDirect sends a message directly to a specific peer
func (n *Node) SendDirect(ctx context.Context, peerID, messageType string, payload interface{}) error {
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", peerID, err)
	}

	msg, err := types.NewP2PMessage(messageType, n.nodeID, payload)
	if err != nil {
		return err
	}
	msgBytes, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DirectSendTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, id, protocol.ID(ProtocolID))
	if err != nil {
		return fmt.Errorf("%w: failed to open stream to peer %s: %v", ErrPeerUnreachable, peerID, err)
	}

	if _, err := stream.Write(msgBytes); err != nil {
		stream.Reset()
		return fmt.Errorf("%w: failed to write to stream: %v", ErrPeerUnreachable, err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	n.logger.Debug("Sent direct message",
		zap.String("peer", peerID),
		zap.String("type", messageType))

	return nil
}

// Peers returns the connected peer IDs
func (n *Node) Peers() []string {
	n.peersMutex.RLock()
	defer n.peersMutex.RUnlock()

	peers := make([]string, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p.String())
	}
	return peers
}

// NodeID returns the node's ID
func (n *Node) NodeID() string {
	return n.nodeID
}

// Multiaddrs returns the node's full p2p multiaddresses
func (n *Node) Multiaddrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return n.host.Addrs()
	}
	return addrs
}

var _ Transport = (*Node)(nil)

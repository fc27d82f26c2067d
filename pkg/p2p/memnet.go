package p2p

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/types"
)

type memOptions struct {
	maxDelay        time.Duration
	duplicateRate   float64
	storeAndForward bool
	seed            int64
}

// MemOption configures a MemNetwork
type MemOption func(*memOptions)

// WithMaxDelay delays every delivery by a random duration up to d, which
// also reorders messages
func WithMaxDelay(d time.Duration) MemOption {
	return func(o *memOptions) { o.maxDelay = d }
}

// WithDuplicates delivers a message a second time with the given probability
func WithDuplicates(rate float64) MemOption {
	return func(o *memOptions) { o.duplicateRate = rate }
}

// WithStoreAndForward queues direct messages for offline peers instead of
// failing the send
func WithStoreAndForward(enabled bool) MemOption {
	return func(o *memOptions) { o.storeAndForward = enabled }
}

// WithSeed makes delays and duplicates reproducible
func WithSeed(seed int64) MemOption {
	return func(o *memOptions) { o.seed = seed }
}

type memDelivery struct {
	sender string
	data   []byte
}

// MemNetwork is an in-process network of MemTransports. Delivery is
// asynchronous, unordered when a delay is configured and at-least-once when
// duplicates are configured.
type MemNetwork struct {
	opts memOptions

	mu      sync.Mutex
	rng     *rand.Rand
	nodes   map[string]*MemTransport
	offline map[string]bool
	queued  map[string][]memDelivery
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemNetwork creates an empty in-process network
func NewMemNetwork(opts ...MemOption) *MemNetwork {
	o := memOptions{storeAndForward: true, seed: time.Now().UnixNano()}
	for _, opt := range opts {
		opt(&o)
	}
	return &MemNetwork{
		opts:    o,
		rng:     rand.New(rand.NewSource(o.seed)),
		nodes:   make(map[string]*MemTransport),
		offline: make(map[string]bool),
		queued:  make(map[string][]memDelivery),
		done:    make(chan struct{}),
	}
}

// Join adds a node to the network
func (n *MemNetwork) Join(nodeID string) *MemTransport {
	t := &MemTransport{
		net:      n,
		nodeID:   nodeID,
		handlers: make(map[string]MessageHandler),
	}
	n.mu.Lock()
	n.nodes[nodeID] = t
	n.mu.Unlock()
	return t
}

// SetOnline switches a node on or off. Direct messages queued while it was
// offline are delivered when it comes back.
func (n *MemNetwork) SetOnline(nodeID string, online bool) {
	n.mu.Lock()
	if !online {
		n.offline[nodeID] = true
		n.mu.Unlock()
		return
	}
	delete(n.offline, nodeID)
	queued := n.queued[nodeID]
	delete(n.queued, nodeID)
	n.mu.Unlock()

	for _, d := range queued {
		n.deliver(nodeID, d.sender, d.data)
	}
}

// Close stops all in-flight deliveries and waits for them to return
func (n *MemNetwork) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.done)
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *MemNetwork) deliver(to, sender string, data []byte) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	copies := 1
	if n.opts.duplicateRate > 0 && n.rng.Float64() < n.opts.duplicateRate {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		if n.opts.maxDelay > 0 {
			delays[i] = time.Duration(n.rng.Int63n(int64(n.opts.maxDelay)))
		}
	}
	recipient := n.nodes[to]
	n.wg.Add(copies)
	n.mu.Unlock()

	for _, delay := range delays {
		go func(delay time.Duration) {
			defer n.wg.Done()
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-n.done:
					return
				}
			}
			select {
			case <-n.done:
				return
			default:
			}
			recipient.receive(sender, data)
		}(delay)
	}
}

func (n *MemNetwork) send(from, to string, data []byte, direct bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("%w: network closed", ErrPeerUnreachable)
	}
	if n.offline[from] {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s is offline", ErrPeerUnreachable, from)
	}
	if _, ok := n.nodes[to]; !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: unknown peer %s", ErrPeerUnreachable, to)
	}
	if n.offline[to] {
		if !direct {
			n.mu.Unlock()
			return nil
		}
		if !n.opts.storeAndForward {
			n.mu.Unlock()
			return fmt.Errorf("%w: %s is offline", ErrPeerUnreachable, to)
		}
		n.queued[to] = append(n.queued[to], memDelivery{sender: from, data: data})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.deliver(to, from, data)
	return nil
}

func (n *MemNetwork) peersOf(nodeID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	peers := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		if id != nodeID && !n.offline[id] {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

// MemTransport is a Transport attached to a MemNetwork
type MemTransport struct {
	net    *MemNetwork
	nodeID string

	handlersMutex sync.RWMutex
	handlers      map[string]MessageHandler
}

func (t *MemTransport) NodeID() string {
	return t.nodeID
}

func (t *MemTransport) Peers() []string {
	return t.net.peersOf(t.nodeID)
}

// Broadcast delivers to every online peer; topics are not filtered since
// every node subscribes to all of them
func (t *MemTransport) Broadcast(_ context.Context, _, messageType string, payload interface{}) error {
	data, err := t.encode(messageType, payload)
	if err != nil {
		return err
	}
	for _, peer := range t.net.peersOf(t.nodeID) {
		if err := t.net.send(t.nodeID, peer, data, false); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemTransport) SendDirect(_ context.Context, peerID, messageType string, payload interface{}) error {
	data, err := t.encode(messageType, payload)
	if err != nil {
		return err
	}
	return t.net.send(t.nodeID, peerID, data, true)
}

func (t *MemTransport) RegisterHandler(messageType string, handler MessageHandler) {
	t.handlersMutex.Lock()
	t.handlers[messageType] = handler
	t.handlersMutex.Unlock()
}

func (t *MemTransport) encode(messageType string, payload interface{}) ([]byte, error) {
	msg, err := types.NewP2PMessage(messageType, t.nodeID, payload)
	if err != nil {
		return nil, err
	}
	data, err := msg.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}

func (t *MemTransport) receive(sender string, data []byte) {
	var msg types.P2PMessage
	if err := msg.Deserialize(data); err != nil {
		return
	}

	t.handlersMutex.RLock()
	handler, ok := t.handlers[msg.MessageType]
	t.handlersMutex.RUnlock()
	if ok {
		handler(sender, &msg)
	}
}

var _ Transport = (*MemTransport)(nil)

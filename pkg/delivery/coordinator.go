package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/metrics"
	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDeferred is returned by a Handler that accepted a message but holds it
// back until a local precondition is met. The message is acknowledged and
// never redelivered.
var ErrDeferred = errors.New("message deferred")

// Handler processes inbound messages of one message type. Returning nil or
// ErrDeferred acknowledges the message; any other error leaves it
// unacknowledged so that the sender retries.
type Handler interface {
	HandleMessage(sender string, env *Envelope) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(sender string, env *Envelope) error

func (f HandlerFunc) HandleMessage(sender string, env *Envelope) error {
	return f(sender, env)
}

// AckObserver is implemented by handlers that must know when the
// acknowledgement of an accepted message went out.
type AckObserver interface {
	AckSent(sender string, env *Envelope)
}

// Config holds the retry policy of the coordinator
type Config struct {
	// Time to wait for an acknowledgement after every transmission
	AckTimeout time.Duration
	// Retransmissions after the first attempt before giving up
	MaxRetries int
	// First backoff added on top of AckTimeout, doubled on every retry
	BackoffBase time.Duration
	// Upper bound of the backoff
	BackoffMax time.Duration
	// How long delivered message ids are remembered for deduplication
	DedupTTL time.Duration
}

// DefaultConfig returns the default retry policy
func DefaultConfig() Config {
	return Config{
		AckTimeout:  10 * time.Second,
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		DedupTTL:    24 * time.Hour,
	}
}

// Backoff returns BackoffBase * 2^retry, capped at BackoffMax
func (c Config) Backoff(retry int) time.Duration {
	if retry < 0 {
		return c.BackoffBase
	}
	if retry > 30 {
		return c.BackoffMax
	}
	backoff := c.BackoffBase * time.Duration(1<<retry)
	if backoff > c.BackoffMax || backoff <= 0 {
		return c.BackoffMax
	}
	return backoff
}

type outbound struct {
	peer     string
	env      Envelope
	pending  *Pending
	attempts int
	timer    *time.Timer
}

// Coordinator sends peer messages at-least-once: every message carries a
// sequence number, is retransmitted until acknowledged and fails with
// ErrDeliveryFailure after the retry budget is spent. Inbound messages are
// deduplicated before they reach their handler.
type Coordinator struct {
	transport p2p.Transport
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	handlersMutex sync.RWMutex
	handlers      map[string]Handler

	mu       sync.Mutex
	seqs     map[seqKey]uint64
	outbound map[string]*outbound // key: envelope uid
	seen     map[dedupKey]*seenEntry
	closed   bool
}

// New creates a coordinator and registers it on the transport
func New(transport p2p.Transport, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if m == nil {
		m = metrics.NopMetrics()
	}
	c := &Coordinator{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		handlers:  make(map[string]Handler),
		seqs:      make(map[seqKey]uint64),
		outbound:  make(map[string]*outbound),
		seen:      make(map[dedupKey]*seenEntry),
	}
	transport.RegisterHandler(MsgTypeEnvelope, c.handleEnvelope)
	return c
}

// RegisterHandler registers the handler of a protocol message type
func (c *Coordinator) RegisterHandler(messageType string, handler Handler) {
	c.handlersMutex.Lock()
	c.handlers[messageType] = handler
	c.handlersMutex.Unlock()
}

// Send delivers payload to peer. The returned Pending completes when the
// peer acknowledged the message or delivery failed.
func (c *Coordinator) Send(peer, tradeID, messageType string, payload interface{}) *Pending {
	raw, err := json.Marshal(payload)
	if err != nil {
		p := newPending(tradeID, messageType, 0)
		p.complete(fmt.Errorf("failed to marshal %s payload: %w", messageType, err))
		return p
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p := newPending(tradeID, messageType, 0)
		p.complete(fmt.Errorf("%w: coordinator closed", types.ErrDeliveryFailure))
		return p
	}
	key := seqKey{tradeID: tradeID, messageType: messageType}
	c.seqs[key]++
	seq := c.seqs[key]

	o := &outbound{
		peer: peer,
		env: Envelope{
			Kind:        KindMessage,
			MessageType: messageType,
			TradeID:     tradeID,
			SenderID:    c.transport.NodeID(),
			Seq:         seq,
			UID:         uuid.New().String(),
			Payload:     raw,
		},
		pending: newPending(tradeID, messageType, seq),
	}
	uid := o.env.UID
	c.outbound[uid] = o
	o.timer = time.AfterFunc(0, func() { c.attempt(uid) })
	c.mu.Unlock()

	return o.pending
}

// attempt transmits the message once, or gives up if the retry budget is
// spent, and arms the next ack timeout.
func (c *Coordinator) attempt(uid string) {
	c.mu.Lock()
	o, ok := c.outbound[uid]
	if !ok {
		c.mu.Unlock()
		return
	}
	if o.attempts > c.cfg.MaxRetries {
		delete(c.outbound, uid)
		c.mu.Unlock()

		c.metrics.DeliveriesFailed.Inc()
		c.logger.Error("Message delivery failed",
			zap.String("tradeID", o.env.TradeID),
			zap.String("type", o.env.MessageType),
			zap.Uint64("seq", o.env.Seq),
			zap.String("peer", o.peer),
			zap.Int("attempts", o.attempts))
		o.pending.complete(fmt.Errorf(
			"%w: %s for trade %s not acknowledged after %d attempts",
			types.ErrDeliveryFailure, o.env.MessageType, o.env.TradeID, o.attempts,
		))
		return
	}
	o.attempts++
	attempts := o.attempts
	env := o.env
	c.mu.Unlock()

	if attempts > 1 {
		c.metrics.MessagesRetried.Inc()
		c.logger.Warn("Retransmitting unacknowledged message",
			zap.String("tradeID", env.TradeID),
			zap.String("type", env.MessageType),
			zap.Uint64("seq", env.Seq),
			zap.Int("attempt", attempts))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
	err := c.transport.SendDirect(ctx, o.peer, MsgTypeEnvelope, &env)
	cancel()
	if err != nil {
		// peer offline or unreachable, counts as a missed attempt
		c.logger.Debug("Failed to transmit message",
			zap.String("tradeID", env.TradeID),
			zap.String("type", env.MessageType),
			zap.Error(err))
	} else {
		c.metrics.MessagesSent.WithLabelValues(env.MessageType).Inc()
	}

	c.mu.Lock()
	if _, ok := c.outbound[uid]; ok {
		wait := c.cfg.AckTimeout + c.cfg.Backoff(attempts-1)
		o.timer = time.AfterFunc(wait, func() { c.attempt(uid) })
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleEnvelope(sender string, msg *types.P2PMessage) error {
	var env Envelope
	if err := msg.Decode(&env); err != nil {
		return err
	}
	if env.UID == "" {
		return fmt.Errorf("envelope for trade %s has no uid", env.TradeID)
	}
	if env.Kind == KindAck {
		c.handleAck(sender, &env)
		return nil
	}
	return c.handleMessage(sender, &env)
}

func (c *Coordinator) handleAck(sender string, env *Envelope) {
	c.mu.Lock()
	o, ok := c.outbound[env.UID]
	if !ok || o.peer != sender {
		c.mu.Unlock()
		return
	}
	delete(c.outbound, env.UID)
	if o.timer != nil {
		o.timer.Stop()
	}
	c.mu.Unlock()

	c.logger.Debug("Message acknowledged",
		zap.String("tradeID", env.TradeID),
		zap.String("type", env.MessageType),
		zap.Uint64("seq", env.Seq))
	o.pending.complete(nil)
}

func (c *Coordinator) handleMessage(sender string, env *Envelope) error {
	c.handlersMutex.RLock()
	handler, ok := c.handlers[env.MessageType]
	c.handlersMutex.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for message type %s", env.MessageType)
	}

	key := dedupKey{sender: sender, uid: env.UID}
	c.mu.Lock()
	if entry, dup := c.seen[key]; dup {
		resend := entry.handled && !entry.acked && !entry.acking
		c.mu.Unlock()
		if resend {
			// applied already but the acknowledgement never left
			c.logger.Debug("Resending acknowledgement for duplicate message",
				zap.String("tradeID", env.TradeID),
				zap.String("type", env.MessageType),
				zap.Uint64("seq", env.Seq))
			c.acknowledge(sender, env, handler, key)
			return nil
		}
		c.metrics.DuplicatesDropped.Inc()
		c.logger.Debug("Dropped duplicate message",
			zap.String("tradeID", env.TradeID),
			zap.String("type", env.MessageType),
			zap.Uint64("seq", env.Seq))
		return nil
	}
	c.markSeen(key)
	c.mu.Unlock()

	if err := handler.HandleMessage(sender, env); err != nil && !errors.Is(err, ErrDeferred) {
		c.mu.Lock()
		delete(c.seen, key)
		c.mu.Unlock()
		return fmt.Errorf("failed to handle %s for trade %s: %w", env.MessageType, env.TradeID, err)
	}

	c.mu.Lock()
	if entry, ok := c.seen[key]; ok {
		entry.handled = true
	}
	c.mu.Unlock()
	c.acknowledge(sender, env, handler, key)
	return nil
}

// acknowledge sends the ack for an applied message and records it. A
// failed send leaves the entry unacked so the next retransmission is
// acknowledged without being applied again.
func (c *Coordinator) acknowledge(sender string, env *Envelope, handler Handler, key dedupKey) {
	c.mu.Lock()
	entry, ok := c.seen[key]
	if ok && (entry.acked || entry.acking) {
		c.mu.Unlock()
		return
	}
	if ok {
		entry.acking = true
	}
	c.mu.Unlock()

	ack := Envelope{
		Kind:        KindAck,
		MessageType: env.MessageType,
		TradeID:     env.TradeID,
		SenderID:    c.transport.NodeID(),
		Seq:         env.Seq,
		UID:         env.UID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
	defer cancel()
	err := c.transport.SendDirect(ctx, sender, MsgTypeEnvelope, &ack)

	c.mu.Lock()
	if ok {
		entry.acking = false
		entry.acked = err == nil
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Failed to send acknowledgement",
			zap.String("tradeID", env.TradeID),
			zap.String("type", env.MessageType),
			zap.Error(err))
		return
	}
	if observer, ok := handler.(AckObserver); ok {
		observer.AckSent(sender, env)
	}
}

// markSeen must be called with c.mu held
func (c *Coordinator) markSeen(key dedupKey) {
	now := time.Now()
	c.seen[key] = &seenEntry{at: now}
	if len(c.seen)%256 != 0 {
		return
	}
	for k, entry := range c.seen {
		if now.Sub(entry.at) > c.cfg.DedupTTL {
			delete(c.seen, k)
		}
	}
}

// CancelTrade stops every pending send of a trade. They complete with
// context.Canceled.
func (c *Coordinator) CancelTrade(tradeID string) {
	c.cancel(func(o *outbound) bool { return o.env.TradeID == tradeID })
}

// Close cancels every pending send and refuses new ones
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel(func(*outbound) bool { return true })
}

func (c *Coordinator) cancel(match func(*outbound) bool) {
	c.mu.Lock()
	cancelled := make([]*outbound, 0)
	for uid, o := range c.outbound {
		if !match(o) {
			continue
		}
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(c.outbound, uid)
		cancelled = append(cancelled, o)
	}
	c.mu.Unlock()

	for _, o := range cancelled {
		o.pending.complete(context.Canceled)
	}
}

// PendingCount returns the number of sends awaiting an acknowledgement
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

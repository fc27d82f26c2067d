// Package protocol drives one trade through its phases. Every transition of
// a trade runs under that trade's own lock; waits for confirmations and
// acknowledgements are timers and callbacks, never blocked goroutines.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/delivery"
	"github.com/allanwsilva/bisq/pkg/store"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/allanwsilva/bisq/pkg/wallet"
	"go.uber.org/zap"
)

// Messenger sends protocol messages to the trade peer
type Messenger interface {
	Send(peer, tradeID, messageType string, payload interface{}) *delivery.Pending
	CancelTrade(tradeID string)
}

// OfferReleaser is the maker side open offer authority
type OfferReleaser interface {
	Release(ctx context.Context, offerID string) error
	Close(ctx context.Context, offerID string) error
}

// Listener is notified, outside of the trade lock, after every transition
type Listener interface {
	TradeUpdated(trade types.Trade, previous types.Phase)
}

// Config holds the protocol timing
type Config struct {
	// Depth at which the deposit tx counts as confirmed
	MinConfirmations int
	// Interval between confirmation depth polls
	PollInterval time.Duration
	// Time after trade creation within which the deposit must confirm
	DepositTimeout time.Duration
	// Bound of a single wallet call made by a timer
	WalletTimeout time.Duration
}

// DefaultConfig returns the default protocol timing
func DefaultConfig() Config {
	return Config{
		MinConfirmations: 1,
		PollInterval:     10 * time.Second,
		DepositTimeout:   time.Hour,
		WalletTimeout:    30 * time.Second,
	}
}

// Dependencies of a Protocol. Offers is only used on the maker side.
type Dependencies struct {
	Wallet    wallet.Wallet
	Messenger Messenger
	Repo      store.TradeRepository
	Offers    OfferReleaser
	Listener  Listener
}

// Protocol is the state machine of a single trade
type Protocol struct {
	ctx    context.Context
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	mu       sync.Mutex
	trade    *types.Trade
	deferred []*delivery.Envelope
	// the acknowledgement of an inbound payment started message went out
	paymentStartedAcked bool
	pollTimer           *time.Timer
	deadlineTimer       *time.Timer
	stopped             bool
}

// New creates the protocol of trade. Timers it schedules stop with ctx.
func New(ctx context.Context, trade *types.Trade, cfg Config, deps Dependencies, logger *zap.Logger) *Protocol {
	return &Protocol{
		ctx:    ctx,
		cfg:    cfg,
		deps:   deps,
		trade:  trade,
		logger: logger.With(zap.String("tradeID", trade.ID), zap.String("role", string(trade.Role))),
	}
}

// ID returns the trade id
func (p *Protocol) ID() string {
	return p.trade.ID
}

// Trade returns a copy of the trade
func (p *Protocol) Trade() types.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.trade
}

// transition collects what has to happen after the trade lock is released
type transition struct {
	p       *Protocol
	from    types.Phase
	fromSt  types.State
	// persist even without a phase or state change
	dirty   bool
	release bool
	close   bool
}

func (p *Protocol) begin() *transition {
	p.mu.Lock()
	return &transition{p: p, from: p.trade.Phase, fromSt: p.trade.State}
}

// end persists a changed trade, releases the lock and runs the
// notifications and offer callbacks
func (t *transition) end() {
	p := t.p
	changed := p.trade.Phase != t.from || p.trade.State != t.fromSt
	if changed || t.dirty {
		p.persistLocked()
	}
	snapshot := *p.trade
	p.mu.Unlock()

	if changed {
		p.logger.Info("Trade advanced",
			zap.String("phase", snapshot.Phase.String()),
			zap.String("state", snapshot.State.String()))
		if p.deps.Listener != nil {
			p.deps.Listener.TradeUpdated(snapshot, t.from)
		}
	}
	if t.release && p.deps.Offers != nil {
		if err := p.deps.Offers.Release(p.ctx, snapshot.ID); err != nil {
			p.logger.Warn("Failed to release offer", zap.Error(err))
		}
	}
	if t.close && p.deps.Offers != nil {
		if err := p.deps.Offers.Close(p.ctx, snapshot.ID); err != nil {
			p.logger.Warn("Failed to close offer", zap.Error(err))
		}
	}
}

func (p *Protocol) persistLocked() {
	if err := p.deps.Repo.SaveTrade(p.ctx, *p.trade); err != nil {
		p.logger.Error("Failed to persist trade", zap.Error(err))
	}
}

// checkActiveLocked rejects operations on trades in a terminal phase
func (p *Protocol) checkActiveLocked() error {
	switch p.trade.Phase {
	case types.PhaseDispute:
		return fmt.Errorf("%w: trade %s", types.ErrDisputeOpened, p.trade.ID)
	case types.PhaseFailed:
		return types.Preconditionf("trade %s failed: %s", p.trade.ID, p.trade.ErrorMessage)
	case types.PhaseCompleted:
		return types.Preconditionf("trade %s is closed", p.trade.ID)
	}
	return nil
}

// Start begins the protocol of a new trade. The taker publishes the deposit
// tx; the maker waits for it.
func (p *Protocol) Start(ctx context.Context) error {
	if p.trade.IsMaker {
		t := p.begin()
		p.armDeadlineLocked()
		t.end()
		return nil
	}
	return p.publishDeposit(ctx)
}

// Resume restarts the timers of a restored trade and sends again the
// message of its current step if the peer never acknowledged it. The peer
// accepts a message it already applied without effect.
func (p *Protocol) Resume() {
	t := p.begin()
	defer t.end()

	if p.trade.Phase.IsTerminal() {
		return
	}
	if p.trade.Phase < types.PhaseDepositConfirmed {
		p.armDeadlineLocked()
	}
	if p.trade.Phase == types.PhaseDepositPublished {
		p.schedulePollLocked(0)
	}

	switch {
	case !p.trade.IsMaker && p.trade.DepositTxID != "" && p.trade.Phase < types.PhasePaymentStarted:
		p.sendDepositTxPublishedLocked()
	case p.trade.IsBuyer() && p.trade.Phase == types.PhasePaymentStarted && !p.trade.PaymentStartedMessageAcked:
		p.sendPaymentStartedLocked()
	case p.trade.IsSeller() && p.trade.Phase == types.PhasePayoutPublished &&
		p.trade.State < types.StateSellerSawArrivedPayoutTxPublishedMsg:
		p.sendPayoutTxPublishedLocked()
	default:
		return
	}
	p.logger.Info("Resent pending message of restored trade",
		zap.String("phase", p.trade.Phase.String()),
		zap.String("state", p.trade.State.String()))
}

// Stop cancels the timers without changing the trade
func (p *Protocol) Stop() {
	p.mu.Lock()
	p.stopTimersLocked()
	p.mu.Unlock()
}

func (p *Protocol) stopTimersLocked() {
	p.stopped = true
	if p.pollTimer != nil {
		p.pollTimer.Stop()
	}
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
	}
}

func (p *Protocol) publishDeposit(ctx context.Context) error {
	t := p.begin()
	defer t.end()

	if err := p.checkActiveLocked(); err != nil {
		return err
	}
	if p.trade.Phase != types.PhaseInit {
		return types.Preconditionf("deposit of trade %s already published", p.trade.ID)
	}
	if !p.deps.Wallet.IsWalletUnlocked() {
		return fmt.Errorf("%w: cannot publish deposit", types.ErrWalletUnavailable)
	}

	txID, err := p.deps.Wallet.BuildAndBroadcastDepositTx(ctx, *p.trade)
	if err != nil {
		p.failLocked(t, fmt.Sprintf("deposit tx failed: %v", err))
		return fmt.Errorf("failed to publish deposit tx: %w", err)
	}
	p.trade.DepositTxID = txID
	p.trade.Advance(types.PhaseDepositPublished, types.StateTakerPublishedDepositTx)

	p.sendDepositTxPublishedLocked()

	p.armDeadlineLocked()
	p.schedulePollLocked(0)
	return nil
}

// ConfirmPaymentStarted is called by the buyer once the counter currency
// payment was initiated
func (p *Protocol) ConfirmPaymentStarted(_ context.Context) error {
	t := p.begin()
	defer t.end()

	if err := p.checkActiveLocked(); err != nil {
		return err
	}
	if !p.trade.IsBuyer() {
		return types.Preconditionf("only the buyer confirms payment started")
	}
	if p.trade.Phase < types.PhaseDepositConfirmed {
		return types.Preconditionf("deposit of trade %s is not confirmed", p.trade.ID)
	}
	if p.trade.Phase >= types.PhasePaymentStarted {
		return types.Preconditionf("payment of trade %s already started", p.trade.ID)
	}

	p.trade.Advance(types.PhasePaymentStarted, types.StateBuyerConfirmedPaymentStarted)
	p.sendPaymentStartedLocked()
	return nil
}

// ConfirmPaymentReceived is called by the seller once the counter currency
// payment arrived. It publishes the payout tx. A failed payout leaves the
// trade in PAYMENT_RECEIVED and may be retried.
func (p *Protocol) ConfirmPaymentReceived(ctx context.Context) error {
	t := p.begin()
	defer t.end()

	if err := p.checkActiveLocked(); err != nil {
		return err
	}
	if !p.trade.IsSeller() {
		return types.Preconditionf("only the seller confirms payment received")
	}
	if p.trade.State < types.StateSellerSawArrivedPaymentStartedMsg {
		return types.Preconditionf("payment started message of trade %s not received and acknowledged", p.trade.ID)
	}
	if p.trade.Phase > types.PhasePaymentReceived {
		return types.Preconditionf("payout of trade %s already published", p.trade.ID)
	}
	if !p.deps.Wallet.IsWalletUnlocked() {
		return fmt.Errorf("%w: cannot publish payout", types.ErrWalletUnavailable)
	}

	p.trade.Advance(types.PhasePaymentReceived, types.StateSellerConfirmedPaymentReceipt)

	txID, err := p.deps.Wallet.BuildAndBroadcastPayoutTx(ctx, *p.trade)
	if err != nil {
		p.trade.ErrorMessage = fmt.Sprintf("payout tx failed: %v", err)
		t.dirty = true
		p.logger.Error("Failed to publish payout tx", zap.Error(err))
		return fmt.Errorf("failed to publish payout tx: %w", err)
	}
	p.trade.ErrorMessage = ""
	p.trade.PayoutTxID = txID
	p.trade.PayoutPublished = true
	p.trade.Advance(types.PhasePayoutPublished, types.StateSellerPublishedPayoutTx)

	p.sendPayoutTxPublishedLocked()
	return nil
}

func (p *Protocol) sendDepositTxPublishedLocked() {
	msg := types.DepositTxPublished{TradeID: p.trade.ID, DepositTxID: p.trade.DepositTxID}
	p.sendLocked(types.MsgTypeDepositTxPublished, &msg, nil)
}

func (p *Protocol) sendPaymentStartedLocked() {
	msg := types.PaymentStarted{TradeID: p.trade.ID}
	p.sendLocked(types.MsgTypePaymentStarted, &msg, func() {
		p.trade.PaymentStartedMessageAcked = true
		p.trade.Advance(types.PhasePaymentStarted, types.StateBuyerSawArrivedPaymentStartedMsg)
	})
	p.trade.PaymentStartedMessageSent = true
	p.trade.Advance(types.PhasePaymentStarted, types.StateBuyerSentPaymentStartedMsg)
}

func (p *Protocol) sendPayoutTxPublishedLocked() {
	msg := types.PayoutTxPublished{TradeID: p.trade.ID, PayoutTxID: p.trade.PayoutTxID}
	p.sendLocked(types.MsgTypePayoutTxPublished, &msg, func() {
		p.trade.Advance(types.PhasePayoutPublished, types.StateSellerSawArrivedPayoutTxPublishedMsg)
	})
	p.trade.PaymentReceivedMessageSent = true
	p.trade.Advance(types.PhasePayoutPublished, types.StateSellerSentPayoutTxPublishedMsg)
}

// Close completes a trade whose payout was published. Closing a completed
// trade again is a no-op.
func (p *Protocol) Close(_ context.Context) error {
	t := p.begin()
	defer t.end()

	if p.trade.Phase == types.PhaseCompleted {
		return nil
	}
	if err := p.checkActiveLocked(); err != nil {
		return err
	}
	if !p.trade.Complete() {
		return types.Preconditionf("payout of trade %s not published", p.trade.ID)
	}
	p.stopTimersLocked()
	t.close = p.trade.IsMaker
	return nil
}

// OpenDispute moves the trade to DISPUTE and tells the peer
func (p *Protocol) OpenDispute(_ context.Context, reason string) error {
	t := p.begin()
	defer t.end()

	if err := p.checkActiveLocked(); err != nil {
		return err
	}
	p.disputeLocked(reason)

	msg := types.DisputeOpened{TradeID: p.trade.ID, Reason: reason}
	pending := p.deps.Messenger.Send(p.trade.PeerNodeID, p.trade.ID, types.MsgTypeDisputeOpened, &msg)
	pending.OnComplete(func(err error) {
		if err != nil {
			p.logger.Warn("Peer was not told about the dispute", zap.Error(err))
		}
	})
	return nil
}

func (p *Protocol) disputeLocked(reason string) {
	if !p.trade.Dispute(reason) {
		return
	}
	p.stopTimersLocked()
	p.deps.Messenger.CancelTrade(p.trade.ID)
	p.logger.Warn("Trade in dispute", zap.String("reason", reason))
}

// failLocked moves the trade to FAILED. A maker whose deposit never
// confirmed gets its offer back.
func (p *Protocol) failLocked(t *transition, reason string) {
	before := p.trade.Phase
	if !p.trade.Fail(reason) {
		return
	}
	p.stopTimersLocked()
	p.deps.Messenger.CancelTrade(p.trade.ID)
	t.release = p.trade.IsMaker && before < types.PhaseDepositConfirmed
	p.logger.Error("Trade failed", zap.String("reason", reason))
}

// sendLocked sends a message to the peer. onAck runs under the trade lock
// once the peer acknowledged; a delivery failure fails the trade unless
// the payout is already published.
func (p *Protocol) sendLocked(messageType string, payload interface{}, onAck func()) {
	pending := p.deps.Messenger.Send(p.trade.PeerNodeID, p.trade.ID, messageType, payload)
	pending.OnComplete(func(err error) {
		t := p.begin()
		defer t.end()

		// a stopped protocol is shutting down and keeps its trade as persisted
		if p.stopped || p.trade.Phase.IsTerminal() {
			return
		}
		switch {
		case err == nil:
			if onAck != nil {
				onAck()
			}
		case errors.Is(err, context.Canceled):
		case p.trade.PayoutPublished:
			// the payout is final on chain whether or not the peer heard of it
			p.trade.ErrorMessage = fmt.Sprintf("%s not delivered: %v", messageType, err)
			t.dirty = true
		default:
			p.failLocked(t, fmt.Sprintf("%s not delivered: %v", messageType, err))
		}
	})
}

// armDeadlineLocked fails the trade if the deposit does not confirm in time
func (p *Protocol) armDeadlineLocked() {
	if p.stopped || p.deadlineTimer != nil {
		return
	}
	wait := time.Until(p.trade.CreatedAt.Add(p.cfg.DepositTimeout))
	p.deadlineTimer = time.AfterFunc(wait, func() {
		t := p.begin()
		defer t.end()

		if p.stopped || p.ctx.Err() != nil || p.trade.Phase >= types.PhaseDepositConfirmed {
			return
		}
		p.failLocked(t, fmt.Sprintf("deposit tx not confirmed within %s", p.cfg.DepositTimeout))
	})
}

func (p *Protocol) schedulePollLocked(delay time.Duration) {
	if p.stopped {
		return
	}
	p.pollTimer = time.AfterFunc(delay, p.poll)
}

// poll checks the depth of the deposit tx once and reschedules itself
// until the deposit is confirmed
func (p *Protocol) poll() {
	p.mu.Lock()
	if p.stopped || p.ctx.Err() != nil || p.trade.Phase != types.PhaseDepositPublished {
		p.mu.Unlock()
		return
	}
	txID := p.trade.DepositTxID
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.WalletTimeout)
	depth, err := p.deps.Wallet.ConfirmationDepth(ctx, txID)
	cancel()

	t := p.begin()
	defer t.end()
	if p.stopped || p.trade.Phase != types.PhaseDepositPublished {
		return
	}
	if err != nil {
		p.logger.Warn("Failed to get deposit confirmations", zap.Error(err))
		p.schedulePollLocked(p.cfg.PollInterval)
		return
	}

	if depth >= 0 {
		p.trade.Advance(types.PhaseDepositPublished, types.StateDepositTxSeenInNetwork)
		p.trade.DepositConfirmations = depth
	}
	if depth < p.cfg.MinConfirmations {
		p.schedulePollLocked(p.cfg.PollInterval)
		return
	}

	p.trade.Advance(types.PhaseDepositConfirmed, types.StateDepositTxConfirmedInBlockchain)
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
	}
	p.applyDeferredLocked()
}

package protocol

import (
	"errors"
	"fmt"

	"github.com/allanwsilva/bisq/pkg/delivery"
	"github.com/allanwsilva/bisq/pkg/types"
	"go.uber.org/zap"
)

// HandleMessage applies a message of the trade peer. Messages that arrive
// before the trade can accept them are kept and return delivery.ErrDeferred;
// they are applied as soon as the deposit confirms. A message that was
// already applied is accepted again without effect.
func (p *Protocol) HandleMessage(sender string, env *delivery.Envelope) error {
	if sender != p.trade.PeerNodeID {
		return types.Validationf("message %s of trade %s from %s, peer is %s",
			env.MessageType, env.TradeID, sender, p.trade.PeerNodeID)
	}

	t := p.begin()
	defer t.end()

	if p.trade.Phase.IsTerminal() {
		p.logger.Debug("Ignoring message for finished trade", zap.String("type", env.MessageType))
		return nil
	}
	err := p.applyLocked(env)
	switch {
	case errors.Is(err, delivery.ErrDeferred):
		p.deferred = append(p.deferred, env)
		p.logger.Debug("Deferred message", zap.String("type", env.MessageType))
	case err == nil:
		p.applyDeferredLocked()
	}
	return err
}

// AckSent is called once the acknowledgement of an inbound message went out
func (p *Protocol) AckSent(_ string, env *delivery.Envelope) {
	if env.MessageType != types.MsgTypePaymentStarted {
		return
	}
	t := p.begin()
	defer t.end()

	p.paymentStartedAcked = true
	if p.trade.State == types.StateSellerReceivedPaymentStartedMsg {
		p.trade.Advance(types.PhasePaymentStarted, types.StateSellerSawArrivedPaymentStartedMsg)
	}
}

func (p *Protocol) applyLocked(env *delivery.Envelope) error {
	switch env.MessageType {
	case types.MsgTypeDepositTxPublished:
		return p.onDepositTxPublished(env)
	case types.MsgTypePaymentStarted:
		return p.onPaymentStarted()
	case types.MsgTypePayoutTxPublished:
		return p.onPayoutTxPublished(env)
	case types.MsgTypeDisputeOpened:
		return p.onDisputeOpened(env)
	default:
		return types.Validationf("unexpected message %s for trade %s", env.MessageType, p.trade.ID)
	}
}

// applyDeferredLocked retries deferred messages until none makes progress
func (p *Protocol) applyDeferredLocked() {
	for progress := true; progress && len(p.deferred) > 0; {
		progress = false
		remaining := p.deferred[:0]
		for _, env := range p.deferred {
			err := p.applyLocked(env)
			if errors.Is(err, delivery.ErrDeferred) {
				remaining = append(remaining, env)
				continue
			}
			progress = true
			if err != nil {
				p.logger.Warn("Dropping deferred message", zap.String("type", env.MessageType), zap.Error(err))
			}
		}
		p.deferred = remaining
	}
}

func (p *Protocol) onDepositTxPublished(env *delivery.Envelope) error {
	if !p.trade.IsMaker {
		return types.Validationf("taker received deposit tx of trade %s", p.trade.ID)
	}
	if p.trade.Phase >= types.PhaseDepositPublished {
		return nil
	}
	var msg types.DepositTxPublished
	if err := env.Decode(&msg); err != nil {
		return types.Validationf("invalid deposit tx published message: %v", err)
	}
	if msg.DepositTxID == "" {
		return types.Validationf("deposit tx published message without tx id")
	}

	p.trade.DepositTxID = msg.DepositTxID
	p.trade.Advance(types.PhaseDepositPublished, types.StateMakerReceivedDepositTx)
	p.schedulePollLocked(0)
	return nil
}

func (p *Protocol) onPaymentStarted() error {
	if !p.trade.IsSeller() {
		return types.Validationf("buyer received payment started of trade %s", p.trade.ID)
	}
	if p.trade.Phase >= types.PhasePaymentStarted {
		return nil
	}
	if p.trade.Phase < types.PhaseDepositConfirmed {
		return delivery.ErrDeferred
	}

	p.trade.Advance(types.PhasePaymentStarted, types.StateSellerReceivedPaymentStartedMsg)
	if p.paymentStartedAcked {
		p.trade.Advance(types.PhasePaymentStarted, types.StateSellerSawArrivedPaymentStartedMsg)
	}
	return nil
}

func (p *Protocol) onPayoutTxPublished(env *delivery.Envelope) error {
	if !p.trade.IsBuyer() {
		return types.Validationf("seller received payout tx of trade %s", p.trade.ID)
	}
	if p.trade.Phase >= types.PhasePayoutPublished {
		return nil
	}
	if p.trade.Phase < types.PhaseDepositConfirmed {
		return delivery.ErrDeferred
	}
	var msg types.PayoutTxPublished
	if err := env.Decode(&msg); err != nil {
		return types.Validationf("invalid payout tx published message: %v", err)
	}
	if msg.PayoutTxID == "" {
		return types.Validationf("payout tx published message without tx id")
	}

	p.trade.PayoutTxID = msg.PayoutTxID
	p.trade.PayoutPublished = true
	p.trade.Advance(types.PhasePayoutPublished, types.StateBuyerReceivedPayoutTxPublishedMsg)
	return nil
}

func (p *Protocol) onDisputeOpened(env *delivery.Envelope) error {
	var msg types.DisputeOpened
	if err := env.Decode(&msg); err != nil {
		return types.Validationf("invalid dispute opened message: %v", err)
	}
	p.disputeLocked(fmt.Sprintf("dispute opened by peer: %s", msg.Reason))
	return nil
}

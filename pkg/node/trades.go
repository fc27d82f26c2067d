package node

import (
	"context"
	"errors"

	"github.com/allanwsilva/bisq/pkg/registry"
	"github.com/allanwsilva/bisq/pkg/types"
)

// GetTrade returns a copy of a trade, open or closed
func (n *Node) GetTrade(tradeID string) (types.Trade, error) {
	return n.trades.Trade(tradeID)
}

// ListTrades returns the trades selected by filter, oldest first
func (n *Node) ListTrades(filter registry.Filter) []types.Trade {
	return n.trades.List(filter)
}

// ConfirmPaymentStarted is called by the buyer after sending the counter
// currency payment
func (n *Node) ConfirmPaymentStarted(ctx context.Context, tradeID string) error {
	p, err := n.trades.Get(tradeID)
	if err != nil {
		return err
	}
	return p.ConfirmPaymentStarted(ctx)
}

// ConfirmPaymentReceived is called by the seller once the counter currency
// payment arrived; it publishes the payout
func (n *Node) ConfirmPaymentReceived(ctx context.Context, tradeID string) error {
	p, err := n.trades.Get(tradeID)
	if err != nil {
		return err
	}
	return p.ConfirmPaymentReceived(ctx)
}

// CloseTrade completes a trade whose payout was published. Closing a
// closed trade again succeeds.
func (n *Node) CloseTrade(ctx context.Context, tradeID string) error {
	p, err := n.trades.Get(tradeID)
	if errors.Is(err, types.ErrPreconditionViolation) {
		if trade, tradeErr := n.trades.Trade(tradeID); tradeErr == nil && trade.Phase == types.PhaseCompleted {
			return nil
		}
	}
	if err != nil {
		return err
	}
	return p.Close(ctx)
}

// OpenDispute moves a trade into DISPUTE on both sides
func (n *Node) OpenDispute(ctx context.Context, tradeID, reason string) error {
	p, err := n.trades.Get(tradeID)
	if err != nil {
		return err
	}
	return p.OpenDispute(ctx, reason)
}

// Package wallet defines the on-chain collaborator of the trade protocol and
// ships a simulated implementation for development nodes and tests.
package wallet

import (
	"context"

	"github.com/allanwsilva/bisq/pkg/types"
)

// DepthUnknown is returned by ConfirmationDepth for a tx the wallet has not
// seen yet.
const DepthUnknown = -1

// Wallet builds, signs and broadcasts the trade transactions. Key
// management and script construction live behind it.
type Wallet interface {
	// IsWalletUnlocked reports whether the wallet can sign
	IsWalletUnlocked() bool
	// BuildAndBroadcastDepositTx funds the multisig deposit of trade and
	// returns its tx id
	BuildAndBroadcastDepositTx(ctx context.Context, trade types.Trade) (string, error)
	// BuildAndBroadcastPayoutTx spends the deposit of trade to both
	// parties and returns the payout tx id
	BuildAndBroadcastPayoutTx(ctx context.Context, trade types.Trade) (string, error)
	// ConfirmationDepth returns the number of confirmations of txID: 0 while
	// it is in the mempool and DepthUnknown if it was never seen
	ConfirmationDepth(ctx context.Context, txID string) (int, error)
}

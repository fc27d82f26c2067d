package types_test

import (
	"encoding/json"
	"testing"

	"github.com/allanwsilva/bisq/pkg/testutil"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestResolveRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		direction types.Direction
		isMaker   bool
		want      types.Role
	}{
		{types.DirectionBuy, true, types.RoleBuyer},
		{types.DirectionBuy, false, types.RoleSeller},
		{types.DirectionSell, true, types.RoleSeller},
		{types.DirectionSell, false, types.RoleBuyer},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, types.ResolveRole(tt.direction, tt.isMaker))
	}
}

func newTrade(t *testing.T, isMaker bool) *types.Trade {
	offer := testutil.MakeOffer(t, types.DirectionBuy, "USD", 500_000_000, "maker")
	return types.NewTrade(*offer, isMaker, "peer", offer.Amount, offer.Price, types.DefaultMinSecurityDeposit)
}

func TestNewTrade(t *testing.T) {
	t.Parallel()

	trade := newTrade(t, false)
	require.Equal(t, trade.Offer.ID, trade.ID)
	require.Equal(t, types.RoleSeller, trade.Role)
	require.Equal(t, types.PhaseInit, trade.Phase)
	require.Equal(t, types.StatePreparation, trade.State)
	require.Equal(t, int64(1_500_000), trade.BuyerSecurityDeposit)
	require.Equal(t, int64(1_500_000), trade.SellerSecurityDeposit)
}

func TestTradeAdvance(t *testing.T) {
	t.Parallel()

	trade := newTrade(t, true)

	require.True(t, trade.Advance(types.PhaseDepositPublished, types.StateMakerReceivedDepositTx))
	require.True(t, trade.Advance(types.PhaseDepositPublished, types.StateDepositTxSeenInNetwork))

	// replays and backward moves are refused without changes
	require.False(t, trade.Advance(types.PhaseDepositPublished, types.StateDepositTxSeenInNetwork))
	require.False(t, trade.Advance(types.PhaseInit, types.StatePreparation))
	require.False(t, trade.Advance(types.PhaseDepositConfirmed, types.StateMakerReceivedDepositTx))
	require.Equal(t, types.PhaseDepositPublished, trade.Phase)
	require.Equal(t, types.StateDepositTxSeenInNetwork, trade.State)

	require.True(t, trade.Advance(types.PhaseDepositConfirmed, types.StateDepositTxConfirmedInBlockchain))

	// terminal phases are reached through Fail/Dispute only
	require.False(t, trade.Advance(types.PhaseFailed, trade.State))
	require.True(t, trade.Dispute("peer unresponsive"))
	require.Equal(t, types.PhaseDispute, trade.Phase)
	require.Equal(t, types.StateDepositTxConfirmedInBlockchain, trade.State)

	require.False(t, trade.Advance(types.PhasePaymentStarted, types.StateBuyerConfirmedPaymentStarted))
	require.False(t, trade.Fail("late failure"))
	require.Equal(t, "peer unresponsive", trade.ErrorMessage)
}

func TestTradeComplete(t *testing.T) {
	t.Parallel()

	trade := newTrade(t, false)
	require.False(t, trade.Complete())

	require.True(t, trade.Advance(types.PhasePayoutPublished, types.StateSellerPublishedPayoutTx))
	require.False(t, trade.Complete())

	trade.PayoutTxID = "payout"
	require.True(t, trade.Complete())
	require.True(t, trade.Closed)
	require.Equal(t, types.PhaseCompleted, trade.Phase)
	require.Equal(t, types.StateSellerPublishedPayoutTx, trade.State)
	require.False(t, trade.Advance(types.PhasePayoutPublished, types.StateSellerSawArrivedPayoutTxPublishedMsg))
}

func TestTradePhaseAndStateJSON(t *testing.T) {
	t.Parallel()

	trade := newTrade(t, true)
	require.True(t, trade.Advance(types.PhasePaymentStarted, types.StateBuyerSentPaymentStartedMsg))

	raw, err := json.Marshal(trade)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"phase":"PAYMENT_STARTED"`)
	require.Contains(t, string(raw), `"state":"BUYER_SENT_PAYMENT_STARTED_MSG"`)

	var decoded types.Trade
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, types.PhasePaymentStarted, decoded.Phase)
	require.Equal(t, types.StateBuyerSentPaymentStartedMsg, decoded.State)
}

package matching_test

import (
	"context"
	"testing"

	"github.com/allanwsilva/bisq/pkg/matching"
	"github.com/allanwsilva/bisq/pkg/testutil"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticBook []types.Offer

func (b staticBook) Query(types.Direction, string) ([]types.Offer, error) {
	return b, nil
}

// scriptedTaker fails the offers listed in lost with ErrAlreadyReserved
type scriptedTaker struct {
	lost  map[string]bool
	tried []string
}

func (s *scriptedTaker) TakeOffer(_ context.Context, offerID string, amount int64, _ string) (types.Trade, error) {
	s.tried = append(s.tried, offerID)
	if s.lost[offerID] {
		return types.Trade{}, types.ErrAlreadyReserved
	}
	return types.Trade{ID: offerID, Amount: amount}, nil
}

func TestTakeBest(t *testing.T) {
	cheap := testutil.MakeOffer(t, types.DirectionSell, "EUR", 240_000_000, "a")
	mid := testutil.MakeOffer(t, types.DirectionSell, "EUR", 250_000_000, "b")
	pricey := testutil.MakeOffer(t, types.DirectionSell, "EUR", 260_000_000, "c")
	pricey.PaymentMethodID = "ZELLE"
	book := staticBook{*cheap, *mid, *pricey}
	params := matching.TakeParams{
		Direction:        types.DirectionSell,
		CurrencyCode:     "EUR",
		Amount:           cheap.Amount,
		PaymentMethodID:  cheap.PaymentMethodID,
		PaymentAccountID: "acct",
	}

	t.Run("best price first", func(t *testing.T) {
		taker := &scriptedTaker{}
		m := matching.NewMatcher(book, taker, matching.DefaultMatchingConfig(), zap.NewNop())
		trade, err := m.TakeBest(context.Background(), params)
		require.NoError(t, err)
		require.Equal(t, cheap.ID, trade.ID)
		require.Equal(t, []string{cheap.ID}, taker.tried)
	})

	t.Run("lost race moves on", func(t *testing.T) {
		taker := &scriptedTaker{lost: map[string]bool{cheap.ID: true}}
		m := matching.NewMatcher(book, taker, matching.DefaultMatchingConfig(), zap.NewNop())
		trade, err := m.TakeBest(context.Background(), params)
		require.NoError(t, err)
		require.Equal(t, mid.ID, trade.ID)
	})

	t.Run("payment method filters", func(t *testing.T) {
		taker := &scriptedTaker{lost: map[string]bool{cheap.ID: true, mid.ID: true}}
		m := matching.NewMatcher(book, taker, matching.DefaultMatchingConfig(), zap.NewNop())
		_, err := m.TakeBest(context.Background(), params)
		require.ErrorIs(t, err, types.ErrAlreadyReserved)
		require.Equal(t, []string{cheap.ID, mid.ID}, taker.tried)
	})

	t.Run("amount out of range", func(t *testing.T) {
		m := matching.NewMatcher(book, &scriptedTaker{}, matching.DefaultMatchingConfig(), zap.NewNop())
		tooMuch := params
		tooMuch.Amount = cheap.Amount + 1
		_, err := m.TakeBest(context.Background(), tooMuch)
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		taker := &scriptedTaker{lost: map[string]bool{cheap.ID: true}}
		m := matching.NewMatcher(book, taker, matching.MatchingConfig{MaxAttempts: 1}, zap.NewNop())
		_, err := m.TakeBest(context.Background(), params)
		require.ErrorIs(t, err, types.ErrAlreadyReserved)
		require.Len(t, taker.tried, 1)
	})
}

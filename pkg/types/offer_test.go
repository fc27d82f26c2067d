package types_test

import (
	"encoding/json"
	"testing"

	"github.com/allanwsilva/bisq/pkg/testutil"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOfferValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(o *types.Offer)
		wantErr error
	}{
		{"valid", func(o *types.Offer) {}, nil},
		{"empty id", func(o *types.Offer) { o.ID = "" }, types.ErrValidation},
		{"bad direction", func(o *types.Offer) { o.Direction = "HOLD" }, types.ErrValidation},
		{"amount below minimum", func(o *types.Offer) { o.Amount, o.MinAmount = 100, 100 }, types.ErrValidation},
		{"min above amount", func(o *types.Offer) { o.MinAmount = o.Amount + 1 }, types.ErrValidation},
		{"zero min", func(o *types.Offer) { o.MinAmount = 0 }, types.ErrValidation},
		{"zero fixed price", func(o *types.Offer) { o.Price = 0 }, types.ErrValidation},
		{"negative fixed price", func(o *types.Offer) { o.Price = -1 }, types.ErrValidation},
		{"price while market based", func(o *types.Offer) { o.UseMarketBasedPrice = true }, types.ErrValidation},
		{"market based", func(o *types.Offer) {
			o.UseMarketBasedPrice = true
			o.Price = 0
			o.MarketPriceMargin = decimal.RequireFromString("0.02")
		}, nil},
		{"margin too large", func(o *types.Offer) {
			o.UseMarketBasedPrice = true
			o.Price = 0
			o.MarketPriceMargin = decimal.NewFromInt(1)
		}, types.ErrValidation},
		{"empty payment method", func(o *types.Offer) { o.PaymentMethodID = " " }, types.ErrValidation},
		{"zero deposit", func(o *types.Offer) { o.BuyerSecurityDepositPct = decimal.Zero }, types.ErrValidation},
		{"deposit above half", func(o *types.Offer) {
			o.SellerSecurityDepositPct = decimal.RequireFromString("0.51")
		}, types.ErrValidation},
		{"two fiat codes", func(o *types.Offer) { o.BaseCurrencyCode = "EUR" }, types.ErrValidation},
		{"fiat counter must be fiat", func(o *types.Offer) { o.CounterCurrencyCode = "XMR" }, types.ErrValidation},
		{"unknown altcoin", func(o *types.Offer) {
			o.BaseCurrencyCode, o.CounterCurrencyCode = "DOGE", types.BTC
		}, types.ErrUnsupportedCurrency},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			offer := testutil.MakeOffer(t, types.DirectionBuy, "USD", 500_000_000, "maker")
			tt.mutate(offer)
			err := offer.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOfferCurrencyCode(t *testing.T) {
	t.Parallel()

	fiat := testutil.MakeOffer(t, types.DirectionSell, "EUR", 1, "maker")
	require.True(t, fiat.IsFiatOffer())
	require.Equal(t, "EUR", fiat.CurrencyCode())

	alt := testutil.MakeOffer(t, types.DirectionSell, "XMR", 1, "maker")
	require.False(t, alt.IsFiatOffer())
	require.Equal(t, "XMR", alt.CurrencyCode())
	require.Equal(t, types.BTC, alt.CounterCurrencyCode)
	require.NoError(t, alt.Validate())
}

func TestOfferEffectivePrice(t *testing.T) {
	t.Parallel()

	offer := testutil.MakeOffer(t, types.DirectionSell, "USD", 400_000_000, "maker")
	price, ok := offer.EffectivePrice(0)
	require.True(t, ok)
	require.Equal(t, int64(400_000_000), price)

	offer.UseMarketBasedPrice = true
	offer.Price = 0
	offer.MarketPriceMargin = decimal.RequireFromString("0.1")

	_, ok = offer.EffectivePrice(0)
	require.False(t, ok)

	price, ok = offer.EffectivePrice(500_000_000)
	require.True(t, ok)
	require.Equal(t, int64(550_000_000), price)
}

func TestOfferSignature(t *testing.T) {
	t.Parallel()

	key := testutil.MakeKey(t)
	offer := testutil.MakeOffer(t, types.DirectionBuy, "USD", 500_000_000, "maker")
	testutil.Sign(t, offer, key)
	require.NoError(t, offer.VerifySignature())

	// signature survives the wire
	raw, err := json.Marshal(offer)
	require.NoError(t, err)
	var received types.Offer
	require.NoError(t, json.Unmarshal(raw, &received))
	require.NoError(t, received.VerifySignature())

	tampered := received
	tampered.Price++
	require.ErrorIs(t, tampered.VerifySignature(), types.ErrValidation)

	forged := received
	forged.MakerPubKey = testutil.MakeOffer(t, types.DirectionBuy, "USD", 1, "other").MakerPubKey
	require.ErrorIs(t, forged.VerifySignature(), types.ErrValidation)

	unsigned := received
	unsigned.Signature = ""
	require.ErrorIs(t, unsigned.VerifySignature(), types.ErrValidation)
}

func TestOfferSameTerms(t *testing.T) {
	t.Parallel()

	offer := testutil.MakeOffer(t, types.DirectionBuy, "USD", 500_000_000, "maker")

	edited := *offer
	edited.Version++
	edited.Price = 510_000_000
	require.True(t, offer.SameTerms(&edited))

	edited.Amount = offer.Amount * 2
	require.False(t, offer.SameTerms(&edited))
}

func TestNewOfferIDIsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := types.NewOfferID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

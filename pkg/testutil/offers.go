// Package testutil holds fixtures shared by the package tests of the node.
package testutil

import (
	"testing"
	"time"

	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// MakeKey returns a fresh maker identity key
func MakeKey(t testing.TB) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key
}

// MakeOffer returns a valid, signed fixed price offer. Fiat offers trade
// BTC against currencyCode, altcoin offers trade currencyCode against BTC.
func MakeOffer(
	t testing.TB, direction types.Direction, currencyCode string, price int64,
	makerNodeID string,
) *types.Offer {
	t.Helper()

	base, counter := types.BTC, currencyCode
	if !types.IsFiatCurrency(currencyCode) {
		base, counter = currencyCode, types.BTC
	}
	offer := &types.Offer{
		ID:                       types.NewOfferID(),
		Version:                  1,
		Direction:                direction,
		BaseCurrencyCode:         base,
		CounterCurrencyCode:      counter,
		Price:                    price,
		MarketPriceMargin:        decimal.Zero,
		Amount:                   10_000_000,
		MinAmount:                10_000_000,
		PaymentMethodID:          "SEPA",
		MakerPaymentAccountID:    "acct-" + makerNodeID,
		BuyerSecurityDepositPct:  decimal.RequireFromString("0.15"),
		SellerSecurityDepositPct: decimal.RequireFromString("0.15"),
		MakerNodeID:              makerNodeID,
		CreatedAt:                time.Now().UTC(),
	}
	Sign(t, offer, MakeKey(t))
	return offer
}

// Sign (re)signs offer with key
func Sign(t testing.TB, offer *types.Offer, key *btcec.PrivateKey) {
	t.Helper()
	require.NoError(t, offer.Sign(key))
}

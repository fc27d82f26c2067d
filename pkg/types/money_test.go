package types_test

import (
	"testing"

	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSecurityDeposit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		amount int64
		pct    string
		min    int64
		want   int64
	}{
		{"fifteen percent of 0.1 BTC", 10_000_000, "0.15", 100_000, 1_500_000},
		{"rounds down below half", 1_000_001, "0.15", 100_000, 150_000},
		{"rounds half up", 300_001, "0.5", 100_000, 150_001},
		{"floored at minimum", 100_000, "0.15", 100_000, 100_000},
		{"no floor", 100_000, "0.15", 0, 15_000},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pct := decimal.RequireFromString(tt.pct)
			got := types.SecurityDeposit(tt.amount, pct, tt.min)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSecurityDepositIsReproducible(t *testing.T) {
	t.Parallel()

	// maker and taker derive the pct from the same literal on both sides
	makerPct := types.ScalePercentLiteral(15)
	takerPct := decimal.RequireFromString("0.15")
	require.True(t, makerPct.Equal(takerPct))

	first := types.SecurityDeposit(10_000_000, makerPct, types.DefaultMinSecurityDeposit)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, types.SecurityDeposit(10_000_000, makerPct, types.DefaultMinSecurityDeposit))
		require.Equal(t, first, types.SecurityDeposit(10_000_000, takerPct, types.DefaultMinSecurityDeposit))
	}
	require.Equal(t, int64(1_500_000), first)
}

func TestScalePercentLiteral(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0.015", types.ScalePercentLiteral(1.5).String())
	require.Equal(t, "0.15", types.ScalePercentLiteral(15).String())
	require.Equal(t, "-0.01", types.ScalePercentLiteral(-1).String())
	require.True(t, types.ScalePercentLiteral(0).IsZero())
}

func TestParseAndFormatPrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price     string
		code      string
		want      int64
		formatted string
	}{
		{"50000.12345", "USD", 500_001_235, "50000.1235"},
		{"50000", "EUR", 500_000_000, "50000.0000"},
		{"0.0051234567", "XMR", 512_346, "0.00512346"},
		{"", "USD", 0, "0.0000"},
	}

	for _, tt := range tests {
		got, err := types.ParsePrice(tt.price, tt.code)
		require.NoError(t, err)
		require.Equal(t, tt.want, got, tt.price)
		require.Equal(t, tt.formatted, types.FormatPrice(got, tt.code))
	}

	_, err := types.ParsePrice("-1", "USD")
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = types.ParsePrice("abc", "USD")
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestApplyMargin(t *testing.T) {
	t.Parallel()

	margin := decimal.RequireFromString("0.01")
	market := int64(500_000_000)

	tests := []struct {
		name      string
		direction types.Direction
		isFiat    bool
		want      int64
	}{
		{"fiat buy bids below market", types.DirectionBuy, true, 495_000_000},
		{"fiat sell asks above market", types.DirectionSell, true, 505_000_000},
		{"altcoin buy is inverted", types.DirectionBuy, false, 505_000_000},
		{"altcoin sell is inverted", types.DirectionSell, false, 495_000_000},
	}

	for _, tt := range tests {
		got := types.ApplyMargin(market, margin, tt.direction, tt.isFiat)
		require.Equal(t, tt.want, got, tt.name)
	}
}

func TestTradeVolume(t *testing.T) {
	t.Parallel()

	usd, err := types.TradeVolume(10_000_000, 500_000_000, "USD")
	require.NoError(t, err)
	require.Equal(t, int64(500_000), usd)

	jpy, err := types.TradeVolume(10_000_000, 50_000_000_000, "JPY")
	require.NoError(t, err)
	require.Equal(t, int64(500_000), jpy)

	_, err = types.TradeVolume(10_000_000, 1, "US")
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestCurrencies(t *testing.T) {
	require.True(t, types.IsFiatCurrency("usd"))
	require.True(t, types.IsFiatCurrency("EUR"))
	require.False(t, types.IsFiatCurrency("BTC"))
	require.False(t, types.IsFiatCurrency("XMR"))
	require.False(t, types.IsFiatCurrency("US"))

	require.Equal(t, types.FiatPriceExponent, types.PriceExponent("USD"))
	require.Equal(t, types.AltcoinPriceExponent, types.PriceExponent("XMR"))

	exp, err := types.FiatExponent("JPY")
	require.NoError(t, err)
	require.Equal(t, 0, exp)

	exp, err = types.FiatExponent("USD")
	require.NoError(t, err)
	require.Equal(t, 2, exp)
}

package types

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	percentScale = decimal.New(1, -2)
	satsPerCoin  = decimal.New(1, CryptoExponent)
)

// ScalePercentLiteral turns a human entered percentage literal into the
// fraction used by deposit and margin computations: 1.5 means 1.5%, which
// becomes 0.015. This is the only place where literals are scaled.
func ScalePercentLiteral(literal float64) decimal.Decimal {
	return decimal.NewFromFloat(literal).Mul(percentScale)
}

// SecurityDeposit returns pct * amount rounded half-up to the satoshi, never
// less than min. Both trade peers compute it independently, so the rounding
// must not change.
func SecurityDeposit(amount int64, pct decimal.Decimal, min int64) int64 {
	deposit := decimal.NewFromInt(amount).Mul(pct).Round(0).IntPart()
	if deposit < min {
		return min
	}
	return deposit
}

// ParsePrice scales a decimal price string to the integer representation
// used for the currency.
func ParsePrice(price, currencyCode string) (int64, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0, Validationf("invalid price %q", price)
	}
	if d.IsNegative() {
		return 0, Validationf("price %q must not be negative", price)
	}
	exp := int32(PriceExponent(currencyCode))
	return d.Shift(exp).Round(0).IntPart(), nil
}

// FormatPrice renders an integer price with the currency's precision.
func FormatPrice(price int64, currencyCode string) string {
	exp := int32(PriceExponent(currencyCode))
	return decimal.New(price, -exp).StringFixed(exp)
}

// ApplyMargin derives the price of a market based offer from the current
// market price. For fiat offers a BUY maker bids below market by margin and
// a SELL maker asks above it; altcoin offers quote the inverse pair so the
// factor is inverted.
func ApplyMargin(
	marketPrice int64, margin decimal.Decimal, direction Direction, isFiat bool,
) int64 {
	one := decimal.NewFromInt(1)
	below := one.Sub(margin)
	above := one.Add(margin)

	factor := above
	if isFiat && direction == DirectionBuy || !isFiat && direction == DirectionSell {
		factor = below
	}
	return decimal.NewFromInt(marketPrice).Mul(factor).Round(0).IntPart()
}

// TradeVolume returns the counter currency volume of a fiat trade in the
// currency's minor units (cents for USD), rounded half-up.
func TradeVolume(amount, price int64, currencyCode string) (int64, error) {
	exp, err := FiatExponent(currencyCode)
	if err != nil {
		return 0, err
	}
	coins := decimal.NewFromInt(amount).Div(satsPerCoin)
	unitPrice := decimal.New(price, -FiatPriceExponent)
	return coins.Mul(unitPrice).Shift(int32(exp)).Round(0).IntPart(), nil
}

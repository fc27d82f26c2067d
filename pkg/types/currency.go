package types

import (
	"strings"
	"sync"

	"golang.org/x/text/currency"
)

const (
	// BTC is the base currency of fiat offers and the counter currency of
	// altcoin offers
	BTC = "BTC"

	// CryptoExponent is the number of decimals of the smallest crypto unit
	CryptoExponent = 8
	// FiatPriceExponent is the number of decimals fiat prices are kept with
	FiatPriceExponent = 4
	// AltcoinPriceExponent is the number of decimals altcoin prices are kept with
	AltcoinPriceExponent = 8
)

var (
	altcoinsMutex sync.RWMutex
	altcoins      = map[string]struct{}{
		"BSQ": {},
		"XMR": {},
		"LTC": {},
		"ETH": {},
	}
)

// SetSupportedAltcoins replaces the set of altcoins the node accepts offers for.
func SetSupportedAltcoins(codes []string) {
	next := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		next[strings.ToUpper(code)] = struct{}{}
	}

	altcoinsMutex.Lock()
	altcoins = next
	altcoinsMutex.Unlock()
}

// IsSupportedAltcoin reports whether code is one of the configured altcoins.
func IsSupportedAltcoin(code string) bool {
	altcoinsMutex.RLock()
	defer altcoinsMutex.RUnlock()
	_, ok := altcoins[strings.ToUpper(code)]
	return ok
}

// IsFiatCurrency reports whether code is an ISO 4217 currency.
func IsFiatCurrency(code string) bool {
	code = strings.ToUpper(code)
	if code == BTC || IsSupportedAltcoin(code) {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

// FiatExponent returns the number of minor-unit decimals of a fiat currency,
// eg. 2 for USD and 0 for JPY.
func FiatExponent(code string) (int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return 0, Validationf("unknown fiat currency %s", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// PriceExponent returns the precision prices in the given currency are
// expressed with.
func PriceExponent(code string) int {
	if IsFiatCurrency(code) {
		return FiatPriceExponent
	}
	return AltcoinPriceExponent
}

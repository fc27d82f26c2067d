package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Offer is the payload a maker publishes to the network. Currency pair,
// direction, amount bounds, payment and deposit terms never change once
// published; an edit republishes a new Version under the same ID.
type Offer struct {
	ID                       string          `json:"id"`                          // Unique offer ID
	Version                  int             `json:"version"`                     // Payload version, bumped on every edit
	Direction                Direction       `json:"direction"`                   // BUY or SELL of the base currency
	BaseCurrencyCode         string          `json:"base_currency_code"`          // BTC for fiat offers, the altcoin otherwise
	CounterCurrencyCode      string          `json:"counter_currency_code"`       // Fiat code for fiat offers, BTC otherwise
	Price                    int64           `json:"price"`                       // Fixed price, 0 when market based
	UseMarketBasedPrice      bool            `json:"use_market_based_price"`      // Whether MarketPriceMargin is authoritative
	MarketPriceMargin        decimal.Decimal `json:"market_price_margin"`         // Fraction, eg. 0.01 is 1%
	Amount                   int64           `json:"amount"`                      // Max trade amount in satoshis
	MinAmount                int64           `json:"min_amount"`                  // Min trade amount in satoshis
	PaymentMethodID          string          `json:"payment_method_id"`           // Payment method of the maker account
	MakerPaymentAccountID    string          `json:"maker_payment_account_id"`    // Maker's payment account
	BuyerSecurityDepositPct  decimal.Decimal `json:"buyer_security_deposit_pct"`  // Fraction of the trade amount
	SellerSecurityDepositPct decimal.Decimal `json:"seller_security_deposit_pct"` // Fraction of the trade amount
	MakerNodeID              string          `json:"maker_node_id"`               // Transport address of the maker
	MakerPubKey              string          `json:"maker_pub_key"`               // Hex compressed secp256k1 key
	CreatedAt                time.Time       `json:"created_at"`                  // When the offer was created
	Signature                string          `json:"signature"`                   // Hex DER signature by MakerPubKey
}

// NewOfferID returns a fresh globally unique offer id, a short random
// token followed by a uuid
func NewOfferID() string {
	prefix := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return prefix + "-" + uuid.New().String()
}

// IsFiatOffer reports whether the offer trades BTC against a fiat currency
func (o *Offer) IsFiatOffer() bool {
	return strings.EqualFold(o.BaseCurrencyCode, BTC)
}

// CurrencyCode returns the non-BTC side of the pair
func (o *Offer) CurrencyCode() string {
	if o.IsFiatOffer() {
		return strings.ToUpper(o.CounterCurrencyCode)
	}
	return strings.ToUpper(o.BaseCurrencyCode)
}

// EffectivePrice returns the fixed price, or the margin adjusted market
// price for market based offers. It returns false if the price cannot be
// determined because no market price is known.
func (o *Offer) EffectivePrice(marketPrice int64) (int64, bool) {
	if !o.UseMarketBasedPrice {
		return o.Price, true
	}
	if marketPrice <= 0 {
		return 0, false
	}
	return ApplyMargin(marketPrice, o.MarketPriceMargin, o.Direction, o.IsFiatOffer()), true
}

// Validate checks if the Offer is valid
func (o *Offer) Validate() error {
	if o.ID == "" {
		return Validationf("offer ID cannot be empty")
	}
	if o.Direction != DirectionBuy && o.Direction != DirectionSell {
		return Validationf("invalid direction %q", o.Direction)
	}
	if err := o.validateCurrencies(); err != nil {
		return err
	}
	if o.Amount < MinOfferAmount {
		return Validationf("amount must be at least %d satoshis", MinOfferAmount)
	}
	if o.MinAmount <= 0 || o.MinAmount > o.Amount {
		return Validationf("min amount must be between 1 and %d satoshis", o.Amount)
	}
	if o.UseMarketBasedPrice {
		if o.Price != 0 {
			return Validationf("fixed price must be 0 on market based offer %s", o.ID)
		}
		if o.MarketPriceMargin.Abs().GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return Validationf("market price margin must be within (-100%%, 100%%)")
		}
	} else {
		if o.Price <= 0 {
			return Validationf("fixed price on offer %s must be positive", o.ID)
		}
		if !o.MarketPriceMargin.IsZero() {
			return Validationf("market price margin must be 0 on fixed price offer %s", o.ID)
		}
	}
	if strings.TrimSpace(o.PaymentMethodID) == "" {
		return Validationf("payment method ID cannot be empty")
	}
	if err := validateDepositPct("buyer", o.BuyerSecurityDepositPct); err != nil {
		return err
	}
	if err := validateDepositPct("seller", o.SellerSecurityDepositPct); err != nil {
		return err
	}
	if o.MakerNodeID == "" {
		return Validationf("maker node ID cannot be empty")
	}
	if o.MakerPubKey == "" {
		return Validationf("maker public key cannot be empty")
	}
	return nil
}

func (o *Offer) validateCurrencies() error {
	base := strings.ToUpper(o.BaseCurrencyCode)
	counter := strings.ToUpper(o.CounterCurrencyCode)
	switch {
	case base == "" || counter == "":
		return Validationf("currency codes cannot be empty")
	case base == BTC:
		if !IsFiatCurrency(counter) {
			return Validationf("%s is not a fiat currency", counter)
		}
	case counter == BTC:
		if !IsSupportedAltcoin(base) {
			return fmt.Errorf("%w: %s", ErrUnsupportedCurrency, base)
		}
	default:
		return Validationf("one side of the pair must be BTC, got %s/%s", base, counter)
	}
	return nil
}

func validateDepositPct(side string, pct decimal.Decimal) error {
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromFloat(MaxSecurityDepositPct)) {
		return Validationf(
			"%s security deposit must be within (0, %v], got %s",
			side, MaxSecurityDepositPct, pct,
		)
	}
	return nil
}

// SameTerms reports whether other keeps every field that peers agree on
// when taking the offer: the pair, direction, amount bounds, payment and
// deposit terms and the maker identity.
func (o *Offer) SameTerms(other *Offer) bool {
	return o.ID == other.ID &&
		o.Direction == other.Direction &&
		strings.EqualFold(o.BaseCurrencyCode, other.BaseCurrencyCode) &&
		strings.EqualFold(o.CounterCurrencyCode, other.CounterCurrencyCode) &&
		o.Amount == other.Amount &&
		o.MinAmount == other.MinAmount &&
		o.PaymentMethodID == other.PaymentMethodID &&
		o.MakerPaymentAccountID == other.MakerPaymentAccountID &&
		o.BuyerSecurityDepositPct.Equal(other.BuyerSecurityDepositPct) &&
		o.SellerSecurityDepositPct.Equal(other.SellerSecurityDepositPct) &&
		o.MakerNodeID == other.MakerNodeID &&
		o.MakerPubKey == other.MakerPubKey
}

func (o *Offer) sigHash() ([]byte, error) {
	unsigned := *o
	unsigned.Signature = ""
	payload, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offer: %w", err)
	}
	return chainhash.DoubleHashB(payload), nil
}

// Sign sets MakerPubKey and signs the payload with the maker identity key
func (o *Offer) Sign(key *btcec.PrivateKey) error {
	o.MakerPubKey = hex.EncodeToString(key.PubKey().SerializeCompressed())
	hash, err := o.sigHash()
	if err != nil {
		return err
	}
	o.Signature = hex.EncodeToString(ecdsa.Sign(key, hash).Serialize())
	return nil
}

// VerifySignature checks the payload signature against MakerPubKey
func (o *Offer) VerifySignature() error {
	pubKeyBytes, err := hex.DecodeString(o.MakerPubKey)
	if err != nil {
		return Validationf("invalid maker public key: %s", err)
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return Validationf("invalid maker public key: %s", err)
	}
	sigBytes, err := hex.DecodeString(o.Signature)
	if err != nil {
		return Validationf("invalid signature encoding: %s", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return Validationf("invalid signature: %s", err)
	}
	hash, err := o.sigHash()
	if err != nil {
		return err
	}
	if !sig.Verify(hash, pubKey) {
		return Validationf("signature does not match offer %s", o.ID)
	}
	return nil
}

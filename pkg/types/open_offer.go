package types

import "time"

// OpenOfferState is the lifecycle state of an offer owned by this node
type OpenOfferState string

const (
	OpenOfferAvailable   OpenOfferState = "AVAILABLE"
	OpenOfferReserved    OpenOfferState = "RESERVED"
	OpenOfferClosed      OpenOfferState = "CLOSED"
	OpenOfferCancelled   OpenOfferState = "CANCELLED"
	OpenOfferDeactivated OpenOfferState = "DEACTIVATED"
)

// OpenOffer wraps an Offer published by the local node
type OpenOffer struct {
	Offer          Offer          `json:"offer"`
	State          OpenOfferState `json:"state"`
	TriggerPrice   int64          `json:"trigger_price"`    // 0 means no trigger
	LastFixedPrice int64          `json:"last_fixed_price"` // Restored when margin pricing is switched off
	ReservedBy     string         `json:"reserved_by,omitempty"`
	ReservedAt     time.Time      `json:"reserved_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ID returns the id of the wrapped offer
func (o *OpenOffer) ID() string {
	return o.Offer.ID
}

func (o *OpenOffer) IsDeactivated() bool {
	return o.State == OpenOfferDeactivated
}

// CanBeTaken reports whether a take request may reserve the offer
func (o *OpenOffer) CanBeTaken() bool {
	return o.State == OpenOfferAvailable
}

// IsTerminal reports whether the offer left the book for good
func (o *OpenOffer) IsTerminal() bool {
	return o.State == OpenOfferClosed || o.State == OpenOfferCancelled
}

// TriggerReached reports whether marketPrice crossed the trigger price in
// the direction that should take the offer off the book. A fiat SELL maker
// stops selling when the market falls below the trigger, a fiat BUY maker
// when it rises above it; altcoin offers quote the inverse pair.
func (o *OpenOffer) TriggerReached(marketPrice int64) bool {
	if o.TriggerPrice == 0 || marketPrice <= 0 || !o.Offer.UseMarketBasedPrice {
		return false
	}
	sellsBTC := o.Offer.Direction == DirectionSell
	if !o.Offer.IsFiatOffer() {
		sellsBTC = !sellsBTC
	}
	if sellsBTC {
		return marketPrice < o.TriggerPrice
	}
	return marketPrice > o.TriggerPrice
}

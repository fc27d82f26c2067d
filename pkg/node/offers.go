package node

import (
	"context"

	"github.com/allanwsilva/bisq/pkg/openoffer"
	"github.com/allanwsilva/bisq/pkg/types"
)

// CreateOfferParams describes a new offer as entered by a user. Prices are
// human decimals and percentages are literals: 1.5 means 1.5%.
type CreateOfferParams struct {
	Direction            types.Direction
	CurrencyCode         string
	Price                string
	UseMarketBasedPrice  bool
	MarketPriceMarginPct float64
	Amount               int64
	// 0 means Amount
	MinAmount        int64
	PaymentMethodID  string
	PaymentAccountID string
	// 0 means the configured default
	BuyerSecurityDepositPct  float64
	SellerSecurityDepositPct float64
	TriggerPrice             string
}

// CreateOffer places a new offer and publishes it
func (n *Node) CreateOffer(ctx context.Context, params CreateOfferParams) (types.OpenOffer, error) {
	direction, err := types.ParseDirection(string(params.Direction))
	if err != nil {
		return types.OpenOffer{}, err
	}
	var price int64
	if !params.UseMarketBasedPrice {
		if price, err = types.ParsePrice(params.Price, params.CurrencyCode); err != nil {
			return types.OpenOffer{}, err
		}
	}
	trigger, err := types.ParsePrice(params.TriggerPrice, params.CurrencyCode)
	if err != nil {
		return types.OpenOffer{}, err
	}

	return n.offers.Place(ctx, openoffer.PlaceOfferParams{
		Direction:                direction,
		CurrencyCode:             params.CurrencyCode,
		Price:                    price,
		UseMarketBasedPrice:      params.UseMarketBasedPrice,
		MarketPriceMargin:        types.ScalePercentLiteral(params.MarketPriceMarginPct),
		Amount:                   params.Amount,
		MinAmount:                params.MinAmount,
		PaymentMethodID:          params.PaymentMethodID,
		PaymentAccountID:         params.PaymentAccountID,
		BuyerSecurityDepositPct:  types.ScalePercentLiteral(params.BuyerSecurityDepositPct),
		SellerSecurityDepositPct: types.ScalePercentLiteral(params.SellerSecurityDepositPct),
		TriggerPrice:             trigger,
	})
}

// EditOfferParams describes an edit of one of our offers. Only the fields
// selected by Type are read; see openoffer.EditOfferParams.
type EditOfferParams struct {
	OfferID              string
	Type                 openoffer.EditType
	Price                string
	UseMarketBasedPrice  bool
	MarketPriceMarginPct float64
	TriggerPrice         string
	// openoffer.KeepActivation, openoffer.Deactivate or openoffer.Activate
	Enable int
}

// EditOffer edits one of our offers and republishes it
func (n *Node) EditOffer(ctx context.Context, params EditOfferParams) (types.OpenOffer, error) {
	existing, err := n.offers.Get(params.OfferID)
	if err != nil {
		return types.OpenOffer{}, err
	}
	code := existing.Offer.CurrencyCode()
	price, err := types.ParsePrice(params.Price, code)
	if err != nil {
		return types.OpenOffer{}, err
	}
	trigger, err := types.ParsePrice(params.TriggerPrice, code)
	if err != nil {
		return types.OpenOffer{}, err
	}

	return n.offers.Edit(ctx, openoffer.EditOfferParams{
		OfferID:             params.OfferID,
		Type:                params.Type,
		Price:               price,
		UseMarketBasedPrice: params.UseMarketBasedPrice,
		MarketPriceMargin:   types.ScalePercentLiteral(params.MarketPriceMarginPct),
		TriggerPrice:        trigger,
		Enable:              params.Enable,
	})
}

// CancelOffer withdraws one of our offers
func (n *Node) CancelOffer(ctx context.Context, offerID string) error {
	return n.offers.Cancel(ctx, offerID)
}

// GetOffer returns an offer of another node from the book
func (n *Node) GetOffer(offerID string) (types.Offer, error) {
	offer, err := n.book.Get(offerID)
	if err != nil {
		return types.Offer{}, err
	}
	if offer.MakerNodeID == n.ID() {
		return types.Offer{}, types.NotFoundf("offer %s is ours", offerID)
	}
	return offer, nil
}

// GetMyOffer returns one of our offers
func (n *Node) GetMyOffer(offerID string) (types.OpenOffer, error) {
	return n.offers.Get(offerID)
}

// GetOffers returns the takeable offers of other nodes, best price first
func (n *Node) GetOffers(direction types.Direction, currencyCode string) ([]types.Offer, error) {
	return n.book.Query(direction, currencyCode)
}

// GetMyOffers returns our offers that are not cancelled or closed
func (n *Node) GetMyOffers(direction types.Direction, currencyCode string) []types.OpenOffer {
	return n.offers.List(direction, currencyCode)
}

package openoffer

import (
	"context"
	"fmt"
	"time"

	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EditType selects which mutable fields of an offer an edit touches
type EditType int

const (
	EditFixedPriceOnly EditType = iota
	EditMktPriceMarginOnly
	EditFixedPriceAndActivation
	EditMktPriceMarginAndActivation
	EditActivationOnly
	EditTriggerPriceOnly
)

func (t EditType) String() string {
	switch t {
	case EditFixedPriceOnly:
		return "FIXED_PRICE_ONLY"
	case EditMktPriceMarginOnly:
		return "MKT_PRICE_MARGIN_ONLY"
	case EditFixedPriceAndActivation:
		return "FIXED_PRICE_AND_ACTIVATION_STATE"
	case EditMktPriceMarginAndActivation:
		return "MKT_PRICE_MARGIN_AND_ACTIVATION_STATE"
	case EditActivationOnly:
		return "ACTIVATION_STATE_ONLY"
	case EditTriggerPriceOnly:
		return "TRIGGER_PRICE_ONLY"
	default:
		return fmt.Sprintf("EditType(%d)", int(t))
	}
}

func (t EditType) editsFixedPrice() bool {
	return t == EditFixedPriceOnly || t == EditFixedPriceAndActivation
}

func (t EditType) editsMargin() bool {
	return t == EditMktPriceMarginOnly || t == EditMktPriceMarginAndActivation
}

func (t EditType) editsActivation() bool {
	return t == EditFixedPriceAndActivation || t == EditMktPriceMarginAndActivation || t == EditActivationOnly
}

// Activation values of EditOfferParams.Enable
const (
	KeepActivation = -1
	Deactivate     = 0
	Activate       = 1
)

// EditOfferParams describes an edit. Only the fields selected by Type are
// read.
type EditOfferParams struct {
	OfferID string
	Type    EditType
	// Fixed price, for fixed price edits
	Price int64
	// Whether the offer is priced by margin after a margin edit. Switching
	// it off restores the last fixed price.
	UseMarketBasedPrice bool
	// Margin fraction, for margin edits
	MarketPriceMargin decimal.Decimal
	// Trigger price, for trigger and margin edits; 0 removes the trigger
	TriggerPrice int64
	// KeepActivation, Deactivate or Activate, for activation edits
	Enable int
}

// mutableFields is the resolved result of an edit
type mutableFields struct {
	price          int64
	margin         decimal.Decimal
	useMarketPrice bool
	triggerPrice   int64
	lastFixedPrice int64
	state          types.OpenOfferState
}

// resolveEdit merges params over oo once. It returns ErrInvalidState when
// the result would break the fixed price / margin exclusivity.
func resolveEdit(oo *types.OpenOffer, params EditOfferParams) (mutableFields, error) {
	offer := &oo.Offer
	fields := mutableFields{
		price:          offer.Price,
		margin:         offer.MarketPriceMargin,
		useMarketPrice: offer.UseMarketBasedPrice,
		triggerPrice:   oo.TriggerPrice,
		lastFixedPrice: oo.LastFixedPrice,
		state:          oo.State,
	}

	switch {
	case params.Type.editsFixedPrice():
		fields.useMarketPrice = false
		fields.price = params.Price
		fields.margin = decimal.Zero
		fields.triggerPrice = 0
	case params.Type.editsMargin():
		fields.useMarketPrice = params.UseMarketBasedPrice
		fields.triggerPrice = params.TriggerPrice
		if fields.useMarketPrice {
			if offer.Price != 0 {
				fields.lastFixedPrice = offer.Price
			}
			fields.price = 0
			fields.margin = params.MarketPriceMargin
		} else {
			if offer.UseMarketBasedPrice {
				fields.price = oo.LastFixedPrice
			}
			fields.margin = decimal.Zero
			fields.triggerPrice = 0
		}
	case params.Type == EditTriggerPriceOnly:
		fields.triggerPrice = params.TriggerPrice
	case params.Type == EditActivationOnly:
	default:
		return mutableFields{}, types.Validationf("unknown edit type %s", params.Type)
	}

	if fields.useMarketPrice && fields.price != 0 {
		return mutableFields{}, types.InvalidStatef(
			"fixed price on market price margin based offer %s must be 0", offer.ID,
		)
	}
	if !fields.useMarketPrice && fields.price == 0 {
		return mutableFields{}, types.InvalidStatef("fixed price on fixed price offer %s cannot be 0", offer.ID)
	}
	if !fields.useMarketPrice {
		fields.lastFixedPrice = fields.price
	}
	if fields.triggerPrice < 0 {
		return mutableFields{}, types.Validationf("trigger price must not be negative")
	}
	if fields.triggerPrice != 0 && !fields.useMarketPrice {
		return mutableFields{}, types.InvalidStatef("trigger price requires a market price margin based offer")
	}

	if params.Type.editsActivation() {
		switch params.Enable {
		case KeepActivation:
		case Deactivate:
			fields.state = types.OpenOfferDeactivated
		case Activate:
			fields.state = types.OpenOfferAvailable
		default:
			return mutableFields{}, types.Validationf("invalid activation value %d", params.Enable)
		}
	}
	return fields, nil
}

// Edit builds a new version of an open offer from the mutable fields
// selected by params, signs it and republishes it under the same id. The
// previous version is superseded everywhere.
func (m *Manager) Edit(ctx context.Context, params EditOfferParams) (types.OpenOffer, error) {
	m.mu.Lock()
	oo, ok := m.offers[params.OfferID]
	if !ok {
		m.mu.Unlock()
		return types.OpenOffer{}, types.NotFoundf("open offer %s", params.OfferID)
	}
	if oo.State != types.OpenOfferAvailable && oo.State != types.OpenOfferDeactivated {
		m.mu.Unlock()
		return types.OpenOffer{}, types.InvalidStatef("cannot edit %s offer %s", oo.State, params.OfferID)
	}
	fields, err := resolveEdit(oo, params)
	if err != nil {
		m.mu.Unlock()
		return types.OpenOffer{}, err
	}

	edited := oo.Offer
	edited.Version++
	edited.Price = fields.price
	edited.MarketPriceMargin = fields.margin
	edited.UseMarketBasedPrice = fields.useMarketPrice
	if err := edited.Sign(m.deps.Key); err != nil {
		m.mu.Unlock()
		return types.OpenOffer{}, fmt.Errorf("failed to sign offer: %w", err)
	}
	if err := edited.Validate(); err != nil {
		m.mu.Unlock()
		return types.OpenOffer{}, err
	}

	wasAvailable := oo.State == types.OpenOfferAvailable
	snapshot := *oo
	snapshot.Offer = edited
	snapshot.TriggerPrice = fields.triggerPrice
	snapshot.LastFixedPrice = fields.lastFixedPrice
	snapshot.State = fields.state
	snapshot.UpdatedAt = time.Now().UTC()
	err = m.commitLocked(ctx, oo, snapshot)
	m.mu.Unlock()
	if err != nil {
		return types.OpenOffer{}, err
	}
	switch {
	case snapshot.State == types.OpenOfferAvailable:
		if err := m.deps.Book.Publish(ctx, &edited); err != nil {
			return types.OpenOffer{}, fmt.Errorf("failed to publish edited offer: %w", err)
		}
	case wasAvailable:
		m.removeFromBook(ctx, params.OfferID)
	}

	m.logger.Info("Edited offer",
		zap.String("offerID", params.OfferID),
		zap.String("editType", params.Type.String()),
		zap.Int("version", edited.Version),
		zap.String("state", string(snapshot.State)))
	return snapshot, nil
}

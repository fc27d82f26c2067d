// Package store persists trades and open offers so that a restarted node
// resumes where it stopped.
package store

import (
	"context"

	"github.com/allanwsilva/bisq/pkg/types"
)

// TradeRepository stores trades by id
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
	GetTrade(ctx context.Context, tradeID string) (types.Trade, error)
	ListTrades(ctx context.Context) ([]types.Trade, error)
	// ListOpenTrades returns the trades that were not closed yet
	ListOpenTrades(ctx context.Context) ([]types.Trade, error)
}

// OpenOfferRepository stores the offers of this node by offer id
type OpenOfferRepository interface {
	SaveOpenOffer(ctx context.Context, offer types.OpenOffer) error
	GetOpenOffer(ctx context.Context, offerID string) (types.OpenOffer, error)
	ListOpenOffers(ctx context.Context) ([]types.OpenOffer, error)
	DeleteOpenOffer(ctx context.Context, offerID string) error
}

package offerbook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/types"
	"go.uber.org/zap"
)

// MsgTypePriceUpdate is gossiped on the price feed topic
const MsgTypePriceUpdate = "price_update"

// PriceProvider returns the current market price of a currency
type PriceProvider interface {
	MarketPrice(currencyCode string) (int64, bool)
}

// PriceListener is notified after a market price changed
type PriceListener func(price types.PriceData)

// PriceBook keeps the latest known market price per currency, fed locally
// and by price gossip from peers.
type PriceBook struct {
	transport p2p.Transport
	logger    *zap.Logger

	mu     sync.RWMutex
	prices map[string]types.PriceData

	listenersMutex sync.RWMutex
	listeners      []PriceListener
}

// NewPriceBook creates a price book listening to price gossip
func NewPriceBook(transport p2p.Transport, logger *zap.Logger) *PriceBook {
	pb := &PriceBook{
		transport: transport,
		logger:    logger,
		prices:    make(map[string]types.PriceData),
	}
	transport.RegisterHandler(MsgTypePriceUpdate, pb.handlePriceUpdate)
	return pb
}

// MarketPrice returns the latest price of currencyCode
func (pb *PriceBook) MarketPrice(currencyCode string) (int64, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	data, ok := pb.prices[strings.ToUpper(currencyCode)]
	return data.Price, ok && data.Price > 0
}

// Subscribe registers a listener for price changes
func (pb *PriceBook) Subscribe(listener PriceListener) {
	pb.listenersMutex.Lock()
	pb.listeners = append(pb.listeners, listener)
	pb.listenersMutex.Unlock()
}

// SetMarketPrice records a locally observed price and optionally gossips it
func (pb *PriceBook) SetMarketPrice(ctx context.Context, currencyCode string, price int64, broadcast bool) error {
	if price <= 0 {
		return types.Validationf("market price must be positive")
	}
	data := types.PriceData{
		CurrencyCode: strings.ToUpper(currencyCode),
		Price:        price,
		Timestamp:    time.Now().UTC(),
		Source:       pb.transport.NodeID(),
	}
	pb.update(data)

	if broadcast {
		if err := pb.transport.Broadcast(ctx, p2p.PriceFeedTopic, MsgTypePriceUpdate, &data); err != nil {
			return fmt.Errorf("failed to broadcast price: %w", err)
		}
	}
	return nil
}

// update stores data unless a newer observation is known
func (pb *PriceBook) update(data types.PriceData) bool {
	pb.mu.Lock()
	if current, ok := pb.prices[data.CurrencyCode]; ok && current.Timestamp.After(data.Timestamp) {
		pb.mu.Unlock()
		return false
	}
	pb.prices[data.CurrencyCode] = data
	pb.mu.Unlock()

	pb.listenersMutex.RLock()
	listeners := append([]PriceListener(nil), pb.listeners...)
	pb.listenersMutex.RUnlock()
	for _, listener := range listeners {
		listener(data)
	}
	return true
}

func (pb *PriceBook) handlePriceUpdate(sender string, msg *types.P2PMessage) error {
	var data types.PriceData
	if err := msg.Decode(&data); err != nil {
		return err
	}
	if data.Price <= 0 || data.CurrencyCode == "" {
		return types.Validationf("invalid price update from %s", sender)
	}
	data.CurrencyCode = strings.ToUpper(data.CurrencyCode)
	if pb.update(data) {
		pb.logger.Debug("Received market price",
			zap.String("currency", data.CurrencyCode),
			zap.Int64("price", data.Price),
			zap.String("peer", sender))
	}
	return nil
}

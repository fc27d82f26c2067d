package store

import (
	"context"
	"sort"
	"sync"

	"github.com/allanwsilva/bisq/pkg/types"
)

// MemoryStore keeps everything in maps. It backs dev nodes without a data
// dir and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]types.Trade
	offers map[string]types.OpenOffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]types.Trade),
		offers: make(map[string]types.OpenOffer),
	}
}

func (s *MemoryStore) SaveTrade(_ context.Context, trade types.Trade) error {
	s.mu.Lock()
	s.trades[trade.ID] = trade
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, tradeID string) (types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trade, ok := s.trades[tradeID]
	if !ok {
		return types.Trade{}, types.NotFoundf("trade %s", tradeID)
	}
	return trade, nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]types.Trade, error) {
	return s.listTrades(func(types.Trade) bool { return true }), nil
}

func (s *MemoryStore) ListOpenTrades(_ context.Context) ([]types.Trade, error) {
	return s.listTrades(func(t types.Trade) bool { return !t.Closed }), nil
}

func (s *MemoryStore) listTrades(keep func(types.Trade) bool) []types.Trade {
	s.mu.RLock()
	trades := make([]types.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if keep(t) {
			trades = append(trades, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.Before(trades[j].CreatedAt)
	})
	return trades
}

func (s *MemoryStore) SaveOpenOffer(_ context.Context, offer types.OpenOffer) error {
	s.mu.Lock()
	s.offers[offer.ID()] = offer
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetOpenOffer(_ context.Context, offerID string) (types.OpenOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offer, ok := s.offers[offerID]
	if !ok {
		return types.OpenOffer{}, types.NotFoundf("open offer %s", offerID)
	}
	return offer, nil
}

func (s *MemoryStore) ListOpenOffers(_ context.Context) ([]types.OpenOffer, error) {
	s.mu.RLock()
	offers := make([]types.OpenOffer, 0, len(s.offers))
	for _, o := range s.offers {
		offers = append(offers, o)
	}
	s.mu.RUnlock()

	sort.Slice(offers, func(i, j int) bool {
		return offers[i].Offer.CreatedAt.Before(offers[j].Offer.CreatedAt)
	})
	return offers, nil
}

func (s *MemoryStore) DeleteOpenOffer(_ context.Context, offerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[offerID]; !ok {
		return types.NotFoundf("open offer %s", offerID)
	}
	delete(s.offers, offerID)
	return nil
}

var (
	_ TradeRepository     = (*MemoryStore)(nil)
	_ OpenOfferRepository = (*MemoryStore)(nil)
)

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/dgraph-io/badger/v3"
	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"
)

// BadgerStore keeps trades and open offers in badgerhold stores under a
// data directory.
type BadgerStore struct {
	trades *badgerhold.Store
	offers *badgerhold.Store
}

// OpenBadger opens (or creates if not exists) the stores under baseDbDir.
// Badger's own logging goes to logger; a nil logger silences it.
func OpenBadger(baseDbDir string, logger *zap.Logger) (*BadgerStore, error) {
	var badgerLogger badger.Logger
	if logger != nil {
		badgerLogger = &zapBadgerLogger{logger.Named("badger").Sugar()}
	}

	trades, err := createDb(filepath.Join(baseDbDir, "trades"), badgerLogger)
	if err != nil {
		return nil, fmt.Errorf("opening trades db: %w", err)
	}
	offers, err := createDb(filepath.Join(baseDbDir, "offers"), badgerLogger)
	if err != nil {
		trades.Close()
		return nil, fmt.Errorf("opening offers db: %w", err)
	}

	return &BadgerStore{trades: trades, offers: offers}, nil
}

// Close closes both stores
func (s *BadgerStore) Close() error {
	return errors.Join(s.trades.Close(), s.offers.Close())
}

func (s *BadgerStore) SaveTrade(_ context.Context, trade types.Trade) error {
	if err := s.trades.Upsert(trade.ID, trade); err != nil {
		return fmt.Errorf("saving trade %s: %w", trade.ID, err)
	}
	return nil
}

func (s *BadgerStore) GetTrade(_ context.Context, tradeID string) (types.Trade, error) {
	var trade types.Trade
	if err := s.trades.Get(tradeID, &trade); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return types.Trade{}, types.NotFoundf("trade %s", tradeID)
		}
		return types.Trade{}, err
	}
	return trade, nil
}

func (s *BadgerStore) ListTrades(_ context.Context) ([]types.Trade, error) {
	return s.findTrades(nil)
}

func (s *BadgerStore) ListOpenTrades(_ context.Context) ([]types.Trade, error) {
	return s.findTrades(badgerhold.Where("Closed").Eq(false))
}

func (s *BadgerStore) findTrades(query *badgerhold.Query) ([]types.Trade, error) {
	var trades []types.Trade
	if err := s.trades.Find(&trades, query); err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.Before(trades[j].CreatedAt)
	})
	return trades, nil
}

func (s *BadgerStore) SaveOpenOffer(_ context.Context, offer types.OpenOffer) error {
	if err := s.offers.Upsert(offer.ID(), offer); err != nil {
		return fmt.Errorf("saving open offer %s: %w", offer.ID(), err)
	}
	return nil
}

func (s *BadgerStore) GetOpenOffer(_ context.Context, offerID string) (types.OpenOffer, error) {
	var offer types.OpenOffer
	if err := s.offers.Get(offerID, &offer); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return types.OpenOffer{}, types.NotFoundf("open offer %s", offerID)
		}
		return types.OpenOffer{}, err
	}
	return offer, nil
}

func (s *BadgerStore) ListOpenOffers(_ context.Context) ([]types.OpenOffer, error) {
	var offers []types.OpenOffer
	if err := s.offers.Find(&offers, nil); err != nil {
		return nil, err
	}
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].Offer.CreatedAt.Before(offers[j].Offer.CreatedAt)
	})
	return offers, nil
}

func (s *BadgerStore) DeleteOpenOffer(_ context.Context, offerID string) error {
	err := s.offers.Delete(offerID, types.OpenOffer{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return types.NotFoundf("open offer %s", offerID)
	}
	return err
}

// JSONEncode is a JSON based encoder for badgerhold
func JSONEncode(value interface{}) ([]byte, error) {
	var buff bytes.Buffer
	if err := json.NewEncoder(&buff).Encode(value); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// JSONDecode is a JSON based decoder for badgerhold
func JSONDecode(data []byte, value interface{}) error {
	return json.NewDecoder(bytes.NewReader(data)).Decode(value)
}

func createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	return badgerhold.Open(badgerhold.Options{
		Encoder:          JSONEncode,
		Decoder:          JSONDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}

type zapBadgerLogger struct {
	*zap.SugaredLogger
}

func (l *zapBadgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

var (
	_ TradeRepository     = (*BadgerStore)(nil)
	_ OpenOfferRepository = (*BadgerStore)(nil)
)

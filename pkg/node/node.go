// Package node wires the offer book, the open offer manager, message
// delivery and the trade registry into one exchange node and exposes the
// operations a user interface calls.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/allanwsilva/bisq/pkg/config"
	"github.com/allanwsilva/bisq/pkg/delivery"
	"github.com/allanwsilva/bisq/pkg/matching"
	"github.com/allanwsilva/bisq/pkg/metrics"
	"github.com/allanwsilva/bisq/pkg/offerbook"
	"github.com/allanwsilva/bisq/pkg/openoffer"
	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/registry"
	"github.com/allanwsilva/bisq/pkg/store"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/allanwsilva/bisq/pkg/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
)

// Dependencies are the collaborators a node runs on
type Dependencies struct {
	Transport p2p.Transport
	Wallet    wallet.Wallet
	Trades    store.TradeRepository
	Offers    store.OpenOfferRepository
	// Key signing the offers of this node
	Key      *btcec.PrivateKey
	Accounts openoffer.PaymentAccountValidator
	Metrics  *metrics.Metrics
}

// Node is one participant of the exchange network
type Node struct {
	ctx       context.Context
	cfg       config.Config
	transport p2p.Transport
	wallet    wallet.Wallet
	logger    *zap.Logger

	prices      *offerbook.PriceBook
	book        *offerbook.OfferBook
	offers      *openoffer.Manager
	coordinator *delivery.Coordinator
	trades      *registry.Registry
	matcher     *matching.Matcher

	takesMutex sync.Mutex
	takes      map[string]*takeAttempt // key: offerID
}

// New wires a node. Background routines stop with ctx; call Start before
// use and Close on shutdown.
func New(ctx context.Context, cfg config.Config, deps Dependencies, logger *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil || deps.Wallet == nil || deps.Trades == nil || deps.Offers == nil {
		return nil, errors.New("node needs a transport, a wallet and both repositories")
	}
	if deps.Key == nil {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate offer key: %w", err)
		}
		deps.Key = key
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NopMetrics()
	}

	nodeID := deps.Transport.NodeID()
	logger = logger.With(zap.String("node", nodeID))
	w := wallet.NewBreaker(deps.Wallet, logger.Named("wallet"))

	n := &Node{
		ctx:       ctx,
		cfg:       cfg,
		transport: deps.Transport,
		wallet:    w,
		logger:    logger,
		takes:     make(map[string]*takeAttempt),
	}
	n.prices = offerbook.NewPriceBook(deps.Transport, logger.Named("prices"))
	n.book = offerbook.New(ctx, deps.Transport, n.prices, cfg.OfferBook(), m, logger.Named("offerbook"))
	n.offers = openoffer.New(cfg.OpenOffers(), openoffer.Dependencies{
		NodeID:   nodeID,
		Key:      deps.Key,
		Book:     n.book,
		Prices:   n.prices,
		Wallet:   w,
		Accounts: deps.Accounts,
		Repo:     deps.Offers,
	}, logger.Named("openoffer"))
	n.coordinator = delivery.New(deps.Transport, cfg.Delivery(), m, logger.Named("delivery"))
	n.trades = registry.New(ctx, n.coordinator, cfg.Protocol(), registry.Dependencies{
		Wallet: w,
		Repo:   deps.Trades,
		Offers: n.offers,
	}, m, logger.Named("trades"))
	n.matcher = matching.NewMatcher(n.book, n, matching.MatchingConfig{
		MaxAttempts: cfg.MaxMatchingAttempts,
	}, logger.Named("matching"))

	n.coordinator.RegisterHandler(types.MsgTypeTakeOfferRequest, delivery.HandlerFunc(n.handleTakeRequest))
	n.coordinator.RegisterHandler(types.MsgTypeTakeOfferResponse, delivery.HandlerFunc(n.handleTakeResponse))
	return n, nil
}

// Start restores persisted offers and trades and asks peers for their
// offer book
func (n *Node) Start(ctx context.Context) error {
	if err := n.offers.Start(ctx); err != nil {
		return fmt.Errorf("failed to start open offers: %w", err)
	}
	if err := n.trades.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore trades: %w", err)
	}
	if err := n.book.SyncWithPeers(ctx); err != nil {
		n.logger.Warn("Offer book sync failed", zap.Error(err))
	}
	n.logger.Info("Node started")
	return nil
}

// Close stops trade timers and pending message deliveries
func (n *Node) Close() {
	n.trades.Close()
	n.coordinator.Close()
}

// ID returns the transport address of the node
func (n *Node) ID() string {
	return n.transport.NodeID()
}

// AddTradeListener registers l for every trade transition
func (n *Node) AddTradeListener(l TradeListener) {
	n.trades.AddListener(l)
}

// TradeListener is notified after every trade transition
type TradeListener interface {
	TradeUpdated(trade types.Trade, previous types.Phase)
}

// SetMarketPrice records a market price and gossips it to peers. price is
// a human decimal such as "50000.5".
func (n *Node) SetMarketPrice(ctx context.Context, currencyCode, price string) error {
	scaled, err := types.ParsePrice(price, currencyCode)
	if err != nil {
		return err
	}
	if scaled <= 0 {
		return types.Validationf("market price must be positive")
	}
	return n.prices.SetMarketPrice(ctx, currencyCode, scaled, true)
}

// MarketPrice returns the latest known market price of currencyCode
func (n *Node) MarketPrice(currencyCode string) (int64, bool) {
	return n.prices.MarketPrice(currencyCode)
}

// SyncOfferBook asks peers for their offer book
func (n *Node) SyncOfferBook(ctx context.Context) error {
	return n.book.SyncWithPeers(ctx)
}

// OfferBookStats returns the offer book counters
func (n *Node) OfferBookStats() map[string]int {
	return n.book.Stats()
}

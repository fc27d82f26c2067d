// Package openoffer manages the offers published by this node: placing,
// editing, activation, cancellation and the maker side of take requests.
package openoffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/offerbook"
	"github.com/allanwsilva/bisq/pkg/store"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Book is the part of the offer book the manager publishes to
type Book interface {
	Publish(ctx context.Context, offer *types.Offer) error
	Remove(ctx context.Context, offerID string, broadcast bool) error
}

// PriceFeed provides market prices and notifies about changes
type PriceFeed interface {
	offerbook.PriceProvider
	Subscribe(listener offerbook.PriceListener)
}

// WalletStatus reports whether the wallet can fund offers
type WalletStatus interface {
	IsWalletUnlocked() bool
}

// PaymentAccountValidator decides whether a payment account may back an
// offer
type PaymentAccountValidator interface {
	IsPaymentAccountValidForOffer(offer *types.Offer, paymentAccountID string) bool
}

// AcceptAllAccounts is a PaymentAccountValidator that accepts any non-empty
// account id
type AcceptAllAccounts struct{}

func (AcceptAllAccounts) IsPaymentAccountValidForOffer(_ *types.Offer, paymentAccountID string) bool {
	return strings.TrimSpace(paymentAccountID) != ""
}

// Config holds the open offer settings
type Config struct {
	// Interval in which available offers are re-broadcast so that peers
	// keep them past their expiry
	RepublishInterval time.Duration
	// Floor of every security deposit, in satoshis
	MinSecurityDeposit int64
	// Default deposit fraction applied when an offer does not set one
	DefaultSecurityDepositPct decimal.Decimal
	// Maximum relative distance between the taker's price and ours for
	// market based offers
	PriceTolerance decimal.Decimal
}

// DefaultConfig returns the default open offer settings
func DefaultConfig() Config {
	return Config{
		RepublishInterval:         10 * time.Minute,
		MinSecurityDeposit:        types.DefaultMinSecurityDeposit,
		DefaultSecurityDepositPct: decimal.NewFromFloat(types.DefaultSellerSecurityDepositPct),
		PriceTolerance:            decimal.New(1, -2),
	}
}

// Dependencies of a Manager
type Dependencies struct {
	NodeID   string
	Key      *btcec.PrivateKey
	Book     Book
	Prices   PriceFeed
	Wallet   WalletStatus
	Accounts PaymentAccountValidator
	Repo     store.OpenOfferRepository
}

// Manager owns the open offers of this node. Every mutation goes through
// its API and is serialized by one lock; callers only ever see copies.
type Manager struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	mu     sync.Mutex
	offers map[string]*types.OpenOffer // key: offerID
}

// New creates a manager. Call Start to restore persisted offers.
func New(cfg Config, deps Dependencies, logger *zap.Logger) *Manager {
	if deps.Accounts == nil {
		deps.Accounts = AcceptAllAccounts{}
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		offers: make(map[string]*types.OpenOffer),
	}
}

// Start restores persisted offers, republishes the available ones and
// starts the republish routine and the trigger price watch. The routine
// stops with ctx.
func (m *Manager) Start(ctx context.Context) error {
	saved, err := m.deps.Repo.ListOpenOffers(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore open offers: %w", err)
	}

	m.mu.Lock()
	for i := range saved {
		oo := saved[i]
		m.offers[oo.ID()] = &oo
	}
	m.mu.Unlock()

	restored := 0
	for _, oo := range saved {
		if oo.State != types.OpenOfferAvailable {
			continue
		}
		// peers may hold a tombstone for the stored version
		if _, err := m.republish(ctx, oo.ID(), true, nil); err != nil {
			m.logger.Warn("Failed to republish restored offer",
				zap.String("offerID", oo.ID()),
				zap.Error(err))
			continue
		}
		restored++
	}
	m.logger.Info("Restored open offers",
		zap.Int("offers", len(saved)),
		zap.Int("republished", restored))

	if m.deps.Prices != nil {
		m.deps.Prices.Subscribe(func(price types.PriceData) {
			m.checkTriggerPrices(ctx, price)
		})
	}

	go m.startRepublishRoutine(ctx)
	return nil
}

func (m *Manager) startRepublishRoutine(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

// refresh re-broadcasts every available offer unchanged
func (m *Manager) refresh(ctx context.Context) {
	for _, oo := range m.List("", "") {
		if oo.State != types.OpenOfferAvailable {
			continue
		}
		offer := oo.Offer
		if err := m.deps.Book.Publish(ctx, &offer); err != nil {
			m.logger.Warn("Failed to refresh offer",
				zap.String("offerID", offer.ID),
				zap.Error(err))
		}
	}
}

// PlaceOfferParams describes a new offer. Percentages are fractions, not
// literals.
type PlaceOfferParams struct {
	Direction                types.Direction
	CurrencyCode             string
	Price                    int64
	UseMarketBasedPrice      bool
	MarketPriceMargin        decimal.Decimal
	Amount                   int64
	MinAmount                int64
	PaymentMethodID          string
	PaymentAccountID         string
	BuyerSecurityDepositPct  decimal.Decimal
	SellerSecurityDepositPct decimal.Decimal
	TriggerPrice             int64
}

// Place creates, signs, persists and publishes a new offer
func (m *Manager) Place(ctx context.Context, params PlaceOfferParams) (types.OpenOffer, error) {
	if !m.deps.Wallet.IsWalletUnlocked() {
		return types.OpenOffer{}, fmt.Errorf("%w: cannot place offer", types.ErrWalletUnavailable)
	}

	code := strings.ToUpper(strings.TrimSpace(params.CurrencyCode))
	base, counter := types.BTC, code
	if !types.IsFiatCurrency(code) {
		if !types.IsSupportedAltcoin(code) {
			return types.OpenOffer{}, fmt.Errorf("%w: %s", types.ErrUnsupportedCurrency, params.CurrencyCode)
		}
		base, counter = code, types.BTC
	}

	buyerPct := params.BuyerSecurityDepositPct
	if buyerPct.IsZero() {
		buyerPct = m.cfg.DefaultSecurityDepositPct
	}
	sellerPct := params.SellerSecurityDepositPct
	if sellerPct.IsZero() {
		sellerPct = m.cfg.DefaultSecurityDepositPct
	}
	minAmount := params.MinAmount
	if minAmount == 0 {
		minAmount = params.Amount
	}

	price, margin := params.Price, params.MarketPriceMargin
	if params.UseMarketBasedPrice {
		price = 0
	} else {
		margin = decimal.Zero
	}

	offer := &types.Offer{
		ID:                       types.NewOfferID(),
		Version:                  1,
		Direction:                params.Direction,
		BaseCurrencyCode:         base,
		CounterCurrencyCode:      counter,
		Price:                    price,
		UseMarketBasedPrice:      params.UseMarketBasedPrice,
		MarketPriceMargin:        margin,
		Amount:                   params.Amount,
		MinAmount:                minAmount,
		PaymentMethodID:          params.PaymentMethodID,
		MakerPaymentAccountID:    params.PaymentAccountID,
		BuyerSecurityDepositPct:  buyerPct,
		SellerSecurityDepositPct: sellerPct,
		MakerNodeID:              m.deps.NodeID,
		CreatedAt:                time.Now().UTC(),
	}
	if err := offer.Sign(m.deps.Key); err != nil {
		return types.OpenOffer{}, fmt.Errorf("failed to sign offer: %w", err)
	}
	if err := offer.Validate(); err != nil {
		return types.OpenOffer{}, err
	}
	if !m.deps.Accounts.IsPaymentAccountValidForOffer(offer, params.PaymentAccountID) {
		return types.OpenOffer{}, types.Validationf(
			"cannot create %s offer with payment account %q", offer.CurrencyCode(), params.PaymentAccountID,
		)
	}
	if params.TriggerPrice < 0 {
		return types.OpenOffer{}, types.Validationf("trigger price must not be negative")
	}

	oo := &types.OpenOffer{
		Offer:          *offer,
		State:          types.OpenOfferAvailable,
		TriggerPrice:   params.TriggerPrice,
		LastFixedPrice: params.Price,
		UpdatedAt:      offer.CreatedAt,
	}
	if params.UseMarketBasedPrice {
		oo.LastFixedPrice = 0
	}

	m.mu.Lock()
	m.offers[offer.ID] = oo
	snapshot := *oo
	m.mu.Unlock()

	if err := m.deps.Repo.SaveOpenOffer(ctx, snapshot); err != nil {
		m.mu.Lock()
		delete(m.offers, offer.ID)
		m.mu.Unlock()
		return types.OpenOffer{}, fmt.Errorf("failed to persist offer: %w", err)
	}
	if err := m.deps.Book.Publish(ctx, offer); err != nil {
		return types.OpenOffer{}, fmt.Errorf("failed to publish offer: %w", err)
	}

	m.logger.Info("Placed offer",
		zap.String("offerID", offer.ID),
		zap.String("direction", string(offer.Direction)),
		zap.String("currency", offer.CurrencyCode()),
		zap.Int64("amount", offer.Amount),
		zap.Bool("marketBased", offer.UseMarketBasedPrice))

	return snapshot, nil
}

// Get returns a copy of an open offer
func (m *Manager) Get(offerID string) (types.OpenOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oo, ok := m.offers[offerID]
	if !ok {
		return types.OpenOffer{}, types.NotFoundf("open offer %s", offerID)
	}
	return *oo, nil
}

// List returns copies of the open offers matching direction and currency;
// empty filters match everything. Cancelled and closed offers are left out.
func (m *Manager) List(direction types.Direction, currencyCode string) []types.OpenOffer {
	m.mu.Lock()
	offers := make([]types.OpenOffer, 0, len(m.offers))
	for _, oo := range m.offers {
		if oo.IsTerminal() {
			continue
		}
		if direction != "" && oo.Offer.Direction != direction {
			continue
		}
		if currencyCode != "" && !strings.EqualFold(oo.Offer.CurrencyCode(), currencyCode) {
			continue
		}
		offers = append(offers, *oo)
	}
	m.mu.Unlock()

	sort.Slice(offers, func(i, j int) bool {
		return offers[i].Offer.CreatedAt.Before(offers[j].Offer.CreatedAt)
	})
	return offers
}

// Activate puts a deactivated offer back into the book
func (m *Manager) Activate(ctx context.Context, offerID string) (types.OpenOffer, error) {
	m.mu.Lock()
	oo, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return types.OpenOffer{}, types.NotFoundf("open offer %s", offerID)
	}
	switch oo.State {
	case types.OpenOfferAvailable:
		snapshot := *oo
		m.mu.Unlock()
		return snapshot, nil
	case types.OpenOfferDeactivated:
	default:
		m.mu.Unlock()
		return types.OpenOffer{}, types.InvalidStatef("cannot activate %s offer %s", oo.State, offerID)
	}
	m.mu.Unlock()

	snapshot, err := m.republish(ctx, offerID, true, func(next *types.OpenOffer) error {
		if next.State != types.OpenOfferDeactivated {
			return types.InvalidStatef("cannot activate %s offer %s", next.State, offerID)
		}
		next.State = types.OpenOfferAvailable
		return nil
	})
	if err != nil {
		return types.OpenOffer{}, err
	}
	m.logger.Info("Activated offer", zap.String("offerID", offerID))
	return snapshot, nil
}

// Deactivate takes an available offer off the book without cancelling it
func (m *Manager) Deactivate(ctx context.Context, offerID string) (types.OpenOffer, error) {
	m.mu.Lock()
	oo, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return types.OpenOffer{}, types.NotFoundf("open offer %s", offerID)
	}
	switch oo.State {
	case types.OpenOfferDeactivated:
		snapshot := *oo
		m.mu.Unlock()
		return snapshot, nil
	case types.OpenOfferAvailable:
	default:
		m.mu.Unlock()
		return types.OpenOffer{}, types.InvalidStatef("cannot deactivate %s offer %s", oo.State, offerID)
	}
	snapshot := *oo
	snapshot.State = types.OpenOfferDeactivated
	snapshot.UpdatedAt = time.Now().UTC()
	err := m.commitLocked(ctx, oo, snapshot)
	m.mu.Unlock()
	if err != nil {
		return types.OpenOffer{}, err
	}
	m.removeFromBook(ctx, offerID)
	m.logger.Info("Deactivated offer", zap.String("offerID", offerID))
	return snapshot, nil
}

// Cancel withdraws an offer for good. Reserved offers cannot be cancelled
// while their take attempt is in flight.
func (m *Manager) Cancel(ctx context.Context, offerID string) error {
	m.mu.Lock()
	oo, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return types.NotFoundf("open offer %s", offerID)
	}
	if oo.State == types.OpenOfferReserved || oo.IsTerminal() {
		m.mu.Unlock()
		return types.InvalidStatef("cannot cancel %s offer %s", oo.State, offerID)
	}
	snapshot := *oo
	snapshot.State = types.OpenOfferCancelled
	snapshot.UpdatedAt = time.Now().UTC()
	err := m.commitLocked(ctx, oo, snapshot)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.removeFromBook(ctx, offerID)
	m.logger.Info("Cancelled offer", zap.String("offerID", offerID))
	return nil
}

// HandleTakeRequest is the maker's authority over a take race: the first
// acceptable request reserves the offer and every later one fails with
// ErrAlreadyReserved. It returns the offer as taken.
func (m *Manager) HandleTakeRequest(ctx context.Context, takerNodeID string, req types.TakeOfferRequest) (types.Offer, error) {
	m.mu.Lock()
	oo, ok := m.offers[req.OfferID]
	if !ok {
		m.mu.Unlock()
		return types.Offer{}, types.NotFoundf("open offer %s", req.OfferID)
	}
	if !oo.CanBeTaken() {
		m.mu.Unlock()
		return types.Offer{}, fmt.Errorf("%w: offer %s is %s", types.ErrAlreadyReserved, req.OfferID, oo.State)
	}
	if err := m.checkTakeRequest(&oo.Offer, req); err != nil {
		m.mu.Unlock()
		return types.Offer{}, err
	}
	now := time.Now().UTC()
	oo.State = types.OpenOfferReserved
	oo.ReservedBy = takerNodeID
	oo.ReservedAt = now
	oo.UpdatedAt = now
	snapshot := *oo
	m.mu.Unlock()

	if err := m.persist(ctx, snapshot); err != nil {
		m.logger.Warn("Failed to persist reservation",
			zap.String("offerID", req.OfferID),
			zap.Error(err))
	}
	m.removeFromBook(ctx, req.OfferID)

	m.logger.Info("Reserved offer for taker",
		zap.String("offerID", req.OfferID),
		zap.String("taker", takerNodeID),
		zap.Int64("amount", req.Amount))
	return snapshot.Offer, nil
}

// checkTakeRequest must be called with m.mu held
func (m *Manager) checkTakeRequest(offer *types.Offer, req types.TakeOfferRequest) error {
	if req.OfferVersion != offer.Version {
		return types.Validationf("offer %s is at version %d, not %d", offer.ID, offer.Version, req.OfferVersion)
	}
	if req.Amount < offer.MinAmount || req.Amount > offer.Amount {
		return types.Validationf("amount %d outside of [%d, %d]", req.Amount, offer.MinAmount, offer.Amount)
	}
	buyer, seller := types.Deposits(offer, req.Amount, m.cfg.MinSecurityDeposit)
	if req.BuyerSecurityDeposit != buyer || req.SellerSecurityDeposit != seller {
		return types.Validationf(
			"security deposits %d/%d do not match %d/%d",
			req.BuyerSecurityDeposit, req.SellerSecurityDeposit, buyer, seller,
		)
	}

	if !offer.UseMarketBasedPrice {
		if req.Price != offer.Price {
			return types.Validationf("price %d does not match offer price %d", req.Price, offer.Price)
		}
		return nil
	}
	var market int64
	if m.deps.Prices != nil {
		market, _ = m.deps.Prices.MarketPrice(offer.CurrencyCode())
	}
	ours, known := offer.EffectivePrice(market)
	if !known {
		return types.Preconditionf("no market price for %s", offer.CurrencyCode())
	}
	diff := decimal.NewFromInt(req.Price - ours).Abs()
	if diff.GreaterThan(decimal.NewFromInt(ours).Mul(m.cfg.PriceTolerance)) {
		return types.Validationf("price %d too far from market based price %d", req.Price, ours)
	}
	return nil
}

// Release returns a reserved offer to the book after its take attempt
// failed
func (m *Manager) Release(ctx context.Context, offerID string) error {
	m.mu.Lock()
	oo, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return types.NotFoundf("open offer %s", offerID)
	}
	if oo.State != types.OpenOfferReserved {
		m.mu.Unlock()
		return types.InvalidStatef("cannot release %s offer %s", oo.State, offerID)
	}
	m.mu.Unlock()

	release := func(next *types.OpenOffer) error {
		if next.State != types.OpenOfferReserved {
			return types.InvalidStatef("cannot release %s offer %s", next.State, offerID)
		}
		next.State = types.OpenOfferAvailable
		next.ReservedBy = ""
		next.ReservedAt = time.Time{}
		return nil
	}
	if _, err := m.republish(ctx, offerID, true, release); err != nil {
		return err
	}
	m.logger.Info("Released offer", zap.String("offerID", offerID))
	return nil
}

// Close marks a reserved offer as consumed by a completed trade
func (m *Manager) Close(ctx context.Context, offerID string) error {
	m.mu.Lock()
	oo, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return types.NotFoundf("open offer %s", offerID)
	}
	if oo.State == types.OpenOfferClosed {
		m.mu.Unlock()
		return nil
	}
	if oo.State != types.OpenOfferReserved {
		m.mu.Unlock()
		return types.InvalidStatef("cannot close %s offer %s", oo.State, offerID)
	}
	snapshot := *oo
	snapshot.State = types.OpenOfferClosed
	snapshot.UpdatedAt = time.Now().UTC()
	err := m.commitLocked(ctx, oo, snapshot)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("Closed offer", zap.String("offerID", offerID))
	return nil
}

// republish applies update, bumps the version if requested, signs and
// persists the offer and publishes it to the book if it is available
func (m *Manager) republish(ctx context.Context, offerID string, bump bool, update func(*types.OpenOffer) error) (types.OpenOffer, error) {
	m.mu.Lock()
	oo, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return types.OpenOffer{}, types.NotFoundf("open offer %s", offerID)
	}
	snapshot := *oo
	if update != nil {
		if err := update(&snapshot); err != nil {
			m.mu.Unlock()
			return types.OpenOffer{}, err
		}
	}
	if bump {
		next := snapshot.Offer
		next.Version++
		if err := next.Sign(m.deps.Key); err != nil {
			m.mu.Unlock()
			return types.OpenOffer{}, fmt.Errorf("failed to sign offer: %w", err)
		}
		snapshot.Offer = next
	}
	snapshot.UpdatedAt = time.Now().UTC()
	err := m.commitLocked(ctx, oo, snapshot)
	m.mu.Unlock()
	if err != nil {
		return types.OpenOffer{}, err
	}
	if snapshot.State != types.OpenOfferAvailable {
		return snapshot, nil
	}
	offer := snapshot.Offer
	if err := m.deps.Book.Publish(ctx, &offer); err != nil {
		return types.OpenOffer{}, fmt.Errorf("failed to publish offer: %w", err)
	}
	return snapshot, nil
}

// commitLocked persists next and only then installs it in place of oo.
// It must be called with m.mu held.
func (m *Manager) commitLocked(ctx context.Context, oo *types.OpenOffer, next types.OpenOffer) error {
	if err := m.persist(ctx, next); err != nil {
		return err
	}
	*oo = next
	return nil
}

func (m *Manager) persist(ctx context.Context, oo types.OpenOffer) error {
	if err := m.deps.Repo.SaveOpenOffer(ctx, oo); err != nil {
		return fmt.Errorf("failed to persist offer %s: %w", oo.ID(), err)
	}
	return nil
}

func (m *Manager) removeFromBook(ctx context.Context, offerID string) {
	if err := m.deps.Book.Remove(ctx, offerID, true); err != nil && !errors.Is(err, types.ErrNotFound) {
		m.logger.Warn("Failed to remove offer from book",
			zap.String("offerID", offerID),
			zap.Error(err))
	}
}

// checkTriggerPrices deactivates every available offer whose trigger price
// the new market price crossed
func (m *Manager) checkTriggerPrices(ctx context.Context, price types.PriceData) {
	m.mu.Lock()
	triggered := []string{}
	for id, oo := range m.offers {
		if oo.State != types.OpenOfferAvailable || oo.Offer.CurrencyCode() != price.CurrencyCode {
			continue
		}
		if oo.TriggerReached(price.Price) {
			triggered = append(triggered, id)
		}
	}
	m.mu.Unlock()

	for _, id := range triggered {
		m.logger.Info("Market price crossed trigger price",
			zap.String("offerID", id),
			zap.Int64("marketPrice", price.Price))
		if _, err := m.Deactivate(ctx, id); err != nil {
			m.logger.Warn("Failed to deactivate triggered offer",
				zap.String("offerID", id),
				zap.Error(err))
		}
	}
}

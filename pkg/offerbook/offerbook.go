package offerbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/metrics"
	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/types"
	"go.uber.org/zap"
)

const (
	// Message types for the offer book
	MsgTypeAddOffer       = "add_offer"
	MsgTypeRemoveOffer    = "remove_offer"
	MsgTypeOfferBookSync  = "offerbook_sync"
	MsgTypeOfferBookQuery = "offerbook_query"

	// Maximum number of offers to return in a sync response
	MaxSyncEntries = 1000

	// Maximum number of peers asked for their book in one sync
	MaxSyncPeers = 5
)

// Config holds the expiry policy of remote offers
type Config struct {
	// Remote offers not refreshed for this long are dropped
	OfferTTL time.Duration
	// Interval of the expiry sweep
	SweepInterval time.Duration
}

// DefaultConfig returns the default offer book configuration
func DefaultConfig() Config {
	return Config{
		OfferTTL:      30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// Listener is notified after the book changed. Calls happen outside of
// the book lock.
type Listener interface {
	OfferAdded(offer types.Offer)
	OfferRemoved(offerID string)
}

type entry struct {
	offer    types.Offer
	own      bool
	reserved bool
	lastSeen time.Time
}

type tombstone struct {
	version int
	at      time.Time
}

type removeOfferPayload struct {
	OfferID string `json:"offer_id"`
	Version int    `json:"version"`
}

type offerBookQuery struct {
	Timestamp int64 `json:"timestamp"`
}

type offerBookSync struct {
	Offers []types.Offer `json:"offers"`
}

// OfferBook is the local view of the distributed offer book. Mutations are
// serialized by one lock; queries work on snapshots under the read lock.
type OfferBook struct {
	ctx       context.Context
	transport p2p.Transport
	prices    PriceProvider
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	offers  map[string]*entry    // key: offerID
	removed map[string]tombstone // key: offerID

	listenersMutex sync.RWMutex
	listeners      []Listener

	syncMutex      sync.Mutex
	syncInProgress bool
}

// New creates the offer book, registers its gossip handlers and starts the
// expiry sweep, which stops with ctx.
func New(
	ctx context.Context, transport p2p.Transport, prices PriceProvider, cfg Config,
	m *metrics.Metrics, logger *zap.Logger,
) *OfferBook {
	if m == nil {
		m = metrics.NopMetrics()
	}
	ob := &OfferBook{
		ctx:       ctx,
		transport: transport,
		prices:    prices,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		offers:    make(map[string]*entry),
		removed:   make(map[string]tombstone),
	}

	transport.RegisterHandler(MsgTypeAddOffer, ob.handleAddOffer)
	transport.RegisterHandler(MsgTypeRemoveOffer, ob.handleRemoveOffer)
	transport.RegisterHandler(MsgTypeOfferBookSync, ob.handleOfferBookSync)
	transport.RegisterHandler(MsgTypeOfferBookQuery, ob.handleOfferBookQuery)

	go ob.startSweepRoutine()

	return ob
}

// AddListener registers a listener for book changes
func (ob *OfferBook) AddListener(listener Listener) {
	ob.listenersMutex.Lock()
	ob.listeners = append(ob.listeners, listener)
	ob.listenersMutex.Unlock()
}

func (ob *OfferBook) notifyAdded(offer types.Offer) {
	ob.listenersMutex.RLock()
	listeners := append([]Listener(nil), ob.listeners...)
	ob.listenersMutex.RUnlock()
	for _, l := range listeners {
		l.OfferAdded(offer)
	}
}

func (ob *OfferBook) notifyRemoved(offerID string) {
	ob.listenersMutex.RLock()
	listeners := append([]Listener(nil), ob.listeners...)
	ob.listenersMutex.RUnlock()
	for _, l := range listeners {
		l.OfferRemoved(offerID)
	}
}

// startSweepRoutine periodically removes expired remote offers
func (ob *OfferBook) startSweepRoutine() {
	ticker := time.NewTicker(ob.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ob.ctx.Done():
			return
		case <-ticker.C:
			ob.sweepExpired(time.Now())
		}
	}
}

// sweepExpired drops remote offers and tombstones older than the TTL.
// Reserved offers stay until the take attempt resolves.
func (ob *OfferBook) sweepExpired(now time.Time) {
	expired := []string{}

	ob.mu.Lock()
	for id, e := range ob.offers {
		if !e.own && !e.reserved && now.Sub(e.lastSeen) > ob.cfg.OfferTTL {
			delete(ob.offers, id)
			expired = append(expired, id)
		}
	}
	for id, t := range ob.removed {
		if now.Sub(t.at) > ob.cfg.OfferTTL {
			delete(ob.removed, id)
		}
	}
	ob.metrics.OffersInBook.Set(float64(len(ob.offers)))
	ob.mu.Unlock()

	for _, id := range expired {
		ob.notifyRemoved(id)
	}
	if len(expired) > 0 {
		ob.logger.Info("Cleaned up expired offers", zap.Int("expiredOffers", len(expired)))
	}
}

// Publish adds an own offer to the book and broadcasts it. Publishing an
// offer id again with a higher version supersedes the stored one; the same
// version refreshes it.
func (ob *OfferBook) Publish(ctx context.Context, offer *types.Offer) error {
	if err := offer.Validate(); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}
	if err := offer.VerifySignature(); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}

	ob.mu.Lock()
	if existing, ok := ob.offers[offer.ID]; ok && existing.offer.Version > offer.Version {
		ob.mu.Unlock()
		return types.Validationf("offer %s version %d is older than %d", offer.ID, offer.Version, existing.offer.Version)
	}
	ob.offers[offer.ID] = &entry{offer: *offer, own: true, lastSeen: time.Now()}
	delete(ob.removed, offer.ID)
	ob.metrics.OffersInBook.Set(float64(len(ob.offers)))
	ob.mu.Unlock()

	ob.notifyAdded(*offer)

	if err := ob.transport.Broadcast(ctx, p2p.OfferBookTopic, MsgTypeAddOffer, offer); err != nil {
		// the offer stays valid locally and the next republish retries
		ob.logger.Warn("Failed to broadcast offer",
			zap.String("offerID", offer.ID),
			zap.Error(err))
	}

	ob.logger.Info("Published offer",
		zap.String("offerID", offer.ID),
		zap.Int("version", offer.Version),
		zap.String("direction", string(offer.Direction)),
		zap.String("currency", offer.CurrencyCode()),
		zap.Int64("amount", offer.Amount))

	return nil
}

// Remove deletes an offer from the book and, if broadcast is set, tells
// the network to do the same.
func (ob *OfferBook) Remove(ctx context.Context, offerID string, broadcast bool) error {
	ob.mu.Lock()
	e, ok := ob.offers[offerID]
	if !ok {
		ob.mu.Unlock()
		return types.NotFoundf("offer %s", offerID)
	}
	delete(ob.offers, offerID)
	ob.removed[offerID] = tombstone{version: e.offer.Version, at: time.Now()}
	ob.metrics.OffersInBook.Set(float64(len(ob.offers)))
	ob.mu.Unlock()

	ob.notifyRemoved(offerID)

	if broadcast {
		payload := removeOfferPayload{OfferID: offerID, Version: e.offer.Version}
		if err := ob.transport.Broadcast(ctx, p2p.OfferBookTopic, MsgTypeRemoveOffer, &payload); err != nil {
			ob.logger.Warn("Failed to broadcast offer removal",
				zap.String("offerID", offerID),
				zap.Error(err))
		}
	}

	ob.logger.Info("Removed offer", zap.String("offerID", offerID))
	return nil
}

// Get returns a copy of a known offer
func (ob *OfferBook) Get(offerID string) (types.Offer, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	e, ok := ob.offers[offerID]
	if !ok {
		return types.Offer{}, types.NotFoundf("offer %s", offerID)
	}
	return e.offer, nil
}

// ReserveForTaking atomically takes a remote offer out of the takeable
// pool. Of any number of concurrent calls for one offer exactly one wins;
// the others fail with ErrAlreadyReserved, as do calls for an offer that
// was removed from the book.
func (ob *OfferBook) ReserveForTaking(offerID string) (types.Offer, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	e, ok := ob.offers[offerID]
	if !ok {
		if _, gone := ob.removed[offerID]; gone {
			ob.metrics.ReservationLost()
			return types.Offer{}, fmt.Errorf("%w: offer %s was removed", types.ErrAlreadyReserved, offerID)
		}
		return types.Offer{}, types.NotFoundf("offer %s", offerID)
	}
	if e.own {
		return types.Offer{}, types.Validationf("cannot take own offer %s", offerID)
	}
	if e.reserved {
		ob.metrics.ReservationLost()
		return types.Offer{}, fmt.Errorf("%w: %s", types.ErrAlreadyReserved, offerID)
	}
	e.reserved = true
	ob.metrics.ReservationWon()
	return e.offer, nil
}

// Release returns a reserved offer to the takeable pool
func (ob *OfferBook) Release(offerID string) error {
	ob.mu.Lock()
	e, ok := ob.offers[offerID]
	if !ok {
		ob.mu.Unlock()
		return types.NotFoundf("offer %s", offerID)
	}
	wasReserved := e.reserved
	e.reserved = false
	e.lastSeen = time.Now()
	offer := e.offer
	ob.mu.Unlock()

	if wasReserved {
		ob.notifyAdded(offer)
		ob.logger.Debug("Released offer", zap.String("offerID", offerID))
	}
	return nil
}

// Query returns the takeable offers of other makers with the given
// direction and currency, best price first.
func (ob *OfferBook) Query(direction types.Direction, currencyCode string) ([]types.Offer, error) {
	return ob.query(direction, currencyCode, false)
}

// QueryMine returns this node's own offers with the given direction and
// currency, sorted like Query.
func (ob *OfferBook) QueryMine(direction types.Direction, currencyCode string) ([]types.Offer, error) {
	return ob.query(direction, currencyCode, true)
}

func (ob *OfferBook) query(direction types.Direction, currencyCode string, own bool) ([]types.Offer, error) {
	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	var matchesPair func(o *types.Offer) bool
	isFiat := types.IsFiatCurrency(code)
	switch {
	case isFiat:
		matchesPair = func(o *types.Offer) bool {
			return strings.EqualFold(o.BaseCurrencyCode, types.BTC) &&
				strings.EqualFold(o.CounterCurrencyCode, code)
		}
	case types.IsSupportedAltcoin(code):
		// altcoin offers quote BTC as counter currency, so match on the
		// fixed counter code first, then on the altcoin base code
		matchesPair = func(o *types.Offer) bool {
			return strings.EqualFold(o.CounterCurrencyCode, types.BTC) &&
				strings.EqualFold(o.BaseCurrencyCode, code)
		}
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedCurrency, currencyCode)
	}

	ob.mu.RLock()
	offers := make([]types.Offer, 0, len(ob.offers))
	for _, e := range ob.offers {
		if e.own != own || (!own && e.reserved) {
			continue
		}
		if e.offer.Direction != direction || !matchesPair(&e.offer) {
			continue
		}
		offers = append(offers, e.offer)
	}
	ob.mu.RUnlock()

	ob.sortByPrice(offers, direction, isFiat, code)
	return offers, nil
}

// sortByPrice orders fiat BUY offers by ascending and fiat SELL offers by
// descending price. Altcoin prices quote the inverse pair, so the order is
// inverted for them. Offers without a known price go last.
func (ob *OfferBook) sortByPrice(offers []types.Offer, direction types.Direction, isFiat bool, code string) {
	var marketPrice int64
	if ob.prices != nil {
		marketPrice, _ = ob.prices.MarketPrice(code)
	}

	ascending := direction == types.DirectionBuy
	if !isFiat {
		ascending = !ascending
	}

	type keyed struct {
		price int64
		known bool
	}
	keys := make(map[string]keyed, len(offers))
	for i := range offers {
		price, known := offers[i].EffectivePrice(marketPrice)
		keys[offers[i].ID] = keyed{price: price, known: known}
	}

	sort.SliceStable(offers, func(i, j int) bool {
		a, b := keys[offers[i].ID], keys[offers[j].ID]
		if a.known != b.known {
			return a.known
		}
		if a.known && a.price != b.price {
			if ascending {
				return a.price < b.price
			}
			return a.price > b.price
		}
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})
}

// mergeRemote adds or supersedes a remote offer. It returns whether the
// book changed.
func (ob *OfferBook) mergeRemote(offer *types.Offer) (bool, error) {
	if offer.MakerNodeID == ob.transport.NodeID() {
		return false, nil
	}
	if err := offer.Validate(); err != nil {
		return false, fmt.Errorf("invalid offer from peer: %w", err)
	}
	if err := offer.VerifySignature(); err != nil {
		return false, fmt.Errorf("invalid offer from peer: %w", err)
	}

	ob.mu.Lock()
	if t, ok := ob.removed[offer.ID]; ok && t.version >= offer.Version {
		ob.mu.Unlock()
		return false, nil
	}
	existing, ok := ob.offers[offer.ID]
	if ok {
		switch {
		case existing.offer.Version > offer.Version:
			ob.mu.Unlock()
			return false, nil
		case existing.offer.Version == offer.Version:
			existing.lastSeen = time.Now()
			ob.mu.Unlock()
			return false, nil
		case !existing.offer.SameTerms(offer):
			ob.mu.Unlock()
			return false, types.Validationf("offer %s version %d changes immutable terms", offer.ID, offer.Version)
		}
		existing.offer = *offer
		existing.lastSeen = time.Now()
	} else {
		ob.offers[offer.ID] = &entry{offer: *offer, lastSeen: time.Now()}
	}
	delete(ob.removed, offer.ID)
	ob.metrics.OffersInBook.Set(float64(len(ob.offers)))
	ob.mu.Unlock()

	ob.notifyAdded(*offer)
	return true, nil
}

// handleAddOffer handles an incoming add offer message
func (ob *OfferBook) handleAddOffer(sender string, msg *types.P2PMessage) error {
	var offer types.Offer
	if err := msg.Decode(&offer); err != nil {
		return err
	}
	if offer.MakerNodeID != sender {
		return fmt.Errorf("offer %s relayed as own by %s", offer.ID, sender)
	}

	changed, err := ob.mergeRemote(&offer)
	if err != nil {
		return err
	}
	if changed {
		ob.logger.Debug("Received offer from peer",
			zap.String("offerID", offer.ID),
			zap.Int("version", offer.Version),
			zap.String("peer", sender))
	}
	return nil
}

// handleRemoveOffer handles an incoming remove offer message. Only the
// maker may remove its offer; a reservation in flight does not protect it.
func (ob *OfferBook) handleRemoveOffer(sender string, msg *types.P2PMessage) error {
	var payload removeOfferPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if payload.OfferID == "" {
		return errors.New("missing offer_id in remove offer message")
	}

	ob.mu.Lock()
	e, exists := ob.offers[payload.OfferID]
	if exists && (e.own || e.offer.MakerNodeID != sender) {
		ob.mu.Unlock()
		return fmt.Errorf("peer %s cannot remove offer %s", sender, payload.OfferID)
	}
	if t, ok := ob.removed[payload.OfferID]; !ok || t.version < payload.Version {
		ob.removed[payload.OfferID] = tombstone{version: payload.Version, at: time.Now()}
	}
	if exists {
		delete(ob.offers, payload.OfferID)
		ob.metrics.OffersInBook.Set(float64(len(ob.offers)))
	}
	ob.mu.Unlock()

	if !exists {
		return nil
	}

	ob.notifyRemoved(payload.OfferID)
	ob.logger.Debug("Removed offer based on peer message",
		zap.String("offerID", payload.OfferID),
		zap.String("peer", sender))
	return nil
}

// SyncWithPeers asks a few peers for their book. Their responses are
// merged through the same checks as gossiped offers.
func (ob *OfferBook) SyncWithPeers(ctx context.Context) error {
	ob.syncMutex.Lock()
	if ob.syncInProgress {
		ob.syncMutex.Unlock()
		return errors.New("sync already in progress")
	}
	ob.syncInProgress = true
	ob.syncMutex.Unlock()

	defer func() {
		ob.syncMutex.Lock()
		ob.syncInProgress = false
		ob.syncMutex.Unlock()
	}()

	peers := ob.transport.Peers()
	if len(peers) == 0 {
		return errors.New("no peers to sync with")
	}

	ob.logger.Info("Starting offer book sync", zap.Int("peerCount", len(peers)))

	if len(peers) > MaxSyncPeers {
		peers = peers[:MaxSyncPeers]
	}
	sent := 0
	for _, peerID := range peers {
		query := offerBookQuery{Timestamp: time.Now().Unix()}
		if err := ob.transport.SendDirect(ctx, peerID, MsgTypeOfferBookQuery, &query); err != nil {
			ob.logger.Warn("Failed to send sync request to peer",
				zap.String("peer", peerID),
				zap.Error(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return errors.New("failed to reach any peer")
	}
	return nil
}

// handleOfferBookSync merges a peer's book into ours
func (ob *OfferBook) handleOfferBookSync(sender string, msg *types.P2PMessage) error {
	var payload offerBookSync
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	syncCount := 0
	for i := range payload.Offers {
		changed, err := ob.mergeRemote(&payload.Offers[i])
		if err != nil {
			ob.logger.Debug("Skipped synced offer",
				zap.String("offerID", payload.Offers[i].ID),
				zap.Error(err))
			continue
		}
		if changed {
			syncCount++
		}
	}

	if syncCount > 0 {
		ob.logger.Info("Synced offers from peer",
			zap.Int("syncedOffers", syncCount),
			zap.String("peer", sender))
	}
	return nil
}

// handleOfferBookQuery answers a sync request with the takeable offers
func (ob *OfferBook) handleOfferBookQuery(sender string, msg *types.P2PMessage) error {
	var payload offerBookQuery
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	ob.mu.RLock()
	offers := make([]types.Offer, 0, len(ob.offers))
	for _, e := range ob.offers {
		if !e.reserved {
			offers = append(offers, e.offer)
		}
	}
	ob.mu.RUnlock()

	// most recent first
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.After(offers[j].CreatedAt)
	})
	if len(offers) > MaxSyncEntries {
		offers = offers[:MaxSyncEntries]
	}

	response := offerBookSync{Offers: offers}
	if err := ob.transport.SendDirect(ob.ctx, sender, MsgTypeOfferBookSync, &response); err != nil {
		return fmt.Errorf("failed to send offer book sync response: %w", err)
	}

	ob.logger.Debug("Sent offers to peer",
		zap.Int("offerCount", len(offers)),
		zap.String("peer", sender))
	return nil
}

// Stats returns statistics about the offer book
func (ob *OfferBook) Stats() map[string]int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	stats := map[string]int{"offers": len(ob.offers), "own": 0, "reserved": 0}
	for _, e := range ob.offers {
		if e.own {
			stats["own"]++
		}
		if e.reserved {
			stats["reserved"]++
		}
	}
	return stats
}

// Package registry owns every trade of the node. Trades are addressed by id
// and mutated only through their protocol instance.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/allanwsilva/bisq/pkg/delivery"
	"github.com/allanwsilva/bisq/pkg/metrics"
	"github.com/allanwsilva/bisq/pkg/protocol"
	"github.com/allanwsilva/bisq/pkg/store"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/allanwsilva/bisq/pkg/wallet"
	"go.uber.org/zap"
)

// Coordinator is the delivery layer the registry routes through
type Coordinator interface {
	protocol.Messenger
	RegisterHandler(messageType string, handler delivery.Handler)
}

// Filter selects trades in List
type Filter int

const (
	FilterAll Filter = iota
	FilterOpen
	FilterClosed
	FilterFailed
)

func (f Filter) keep(trade types.Trade) bool {
	switch f {
	case FilterOpen:
		return !trade.Phase.IsTerminal()
	case FilterClosed:
		return trade.Phase == types.PhaseCompleted
	case FilterFailed:
		return trade.Phase == types.PhaseFailed || trade.Phase == types.PhaseDispute
	default:
		return true
	}
}

// Dependencies shared by every protocol the registry creates
type Dependencies struct {
	Wallet wallet.Wallet
	Repo   store.TradeRepository
	Offers protocol.OfferReleaser
}

// Registry maps trade ids to protocol instances. Closed trades are archived:
// their protocol is dropped and a read-only copy is kept.
type Registry struct {
	ctx         context.Context
	coordinator Coordinator
	cfg         protocol.Config
	deps        Dependencies
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu       sync.RWMutex
	active   map[string]*protocol.Protocol
	archived map[string]types.Trade

	listenersMutex sync.RWMutex
	listeners      []protocol.Listener
}

// New creates a registry and registers it for every trade message type
func New(
	ctx context.Context,
	coordinator Coordinator,
	cfg protocol.Config,
	deps Dependencies,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Registry {
	if m == nil {
		m = metrics.NopMetrics()
	}
	r := &Registry{
		ctx:         ctx,
		coordinator: coordinator,
		cfg:         cfg,
		deps:        deps,
		metrics:     m,
		logger:      logger,
		active:      make(map[string]*protocol.Protocol),
		archived:    make(map[string]types.Trade),
	}
	for _, messageType := range []string{
		types.MsgTypeDepositTxPublished,
		types.MsgTypePaymentStarted,
		types.MsgTypePayoutTxPublished,
		types.MsgTypeDisputeOpened,
	} {
		coordinator.RegisterHandler(messageType, r)
	}
	return r
}

// AddListener registers l for every trade transition
func (r *Registry) AddListener(l protocol.Listener) {
	r.listenersMutex.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMutex.Unlock()
}

func (r *Registry) newProtocol(trade *types.Trade) *protocol.Protocol {
	return protocol.New(r.ctx, trade, r.cfg, protocol.Dependencies{
		Wallet:    r.deps.Wallet,
		Messenger: r.coordinator,
		Repo:      r.deps.Repo,
		Offers:    r.deps.Offers,
		Listener:  r,
	}, r.logger)
}

// Add persists a new trade and creates its protocol. A failed trade with the
// same id, left over from an earlier take of a released offer, is replaced.
func (r *Registry) Add(ctx context.Context, trade *types.Trade) (*protocol.Protocol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[trade.ID]; ok {
		if phase := existing.Trade().Phase; phase != types.PhaseFailed {
			return nil, types.Validationf("trade %s already exists in phase %s", trade.ID, phase)
		}
		existing.Stop()
		r.metrics.TradesByPhase.WithLabelValues(types.PhaseFailed.String()).Dec()
	}
	if _, ok := r.archived[trade.ID]; ok {
		return nil, types.Validationf("trade %s already closed", trade.ID)
	}
	if err := r.deps.Repo.SaveTrade(ctx, *trade); err != nil {
		return nil, fmt.Errorf("failed to save trade: %w", err)
	}

	p := r.newProtocol(trade)
	r.active[trade.ID] = p
	r.metrics.TradePhaseChanged("", trade.Phase.String())
	r.logger.Info("Created trade",
		zap.String("tradeID", trade.ID),
		zap.Bool("isMaker", trade.IsMaker),
		zap.String("role", string(trade.Role)),
		zap.String("peer", trade.PeerNodeID),
		zap.Int64("amount", trade.Amount),
		zap.Int64("price", trade.Price))
	return p, nil
}

// Get returns the protocol of an open trade
func (r *Registry) Get(tradeID string) (*protocol.Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.active[tradeID]; ok {
		return p, nil
	}
	if _, ok := r.archived[tradeID]; ok {
		return nil, types.Preconditionf("trade %s is closed", tradeID)
	}
	return nil, types.NotFoundf("trade %s", tradeID)
}

// Trade returns a copy of a trade, open or archived
func (r *Registry) Trade(tradeID string) (types.Trade, error) {
	r.mu.RLock()
	p, ok := r.active[tradeID]
	archived, isArchived := r.archived[tradeID]
	r.mu.RUnlock()

	switch {
	case ok:
		return p.Trade(), nil
	case isArchived:
		return archived, nil
	default:
		return types.Trade{}, types.NotFoundf("trade %s", tradeID)
	}
}

// List returns the trades selected by filter, oldest first
func (r *Registry) List(filter Filter) []types.Trade {
	r.mu.RLock()
	protocols := make([]*protocol.Protocol, 0, len(r.active))
	for _, p := range r.active {
		protocols = append(protocols, p)
	}
	trades := make([]types.Trade, 0, len(r.active)+len(r.archived))
	for _, trade := range r.archived {
		if filter.keep(trade) {
			trades = append(trades, trade)
		}
	}
	r.mu.RUnlock()

	for _, p := range protocols {
		if trade := p.Trade(); filter.keep(trade) {
			trades = append(trades, trade)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].CreatedAt.Before(trades[j].CreatedAt)
	})
	return trades
}

// Restore loads persisted trades. Open trades resume their timers, closed
// ones are archived.
func (r *Registry) Restore(ctx context.Context) error {
	trades, err := r.deps.Repo.ListTrades(ctx)
	if err != nil {
		return fmt.Errorf("failed to load trades: %w", err)
	}

	resumed := make([]*protocol.Protocol, 0)
	r.mu.Lock()
	for i := range trades {
		trade := trades[i]
		if trade.Phase == types.PhaseCompleted {
			r.archived[trade.ID] = trade
			continue
		}
		if _, ok := r.active[trade.ID]; ok {
			continue
		}
		p := r.newProtocol(&trade)
		r.active[trade.ID] = p
		r.metrics.TradePhaseChanged("", trade.Phase.String())
		resumed = append(resumed, p)
	}
	r.mu.Unlock()

	for _, p := range resumed {
		p.Resume()
	}
	r.logger.Info("Restored trades",
		zap.Int("open", len(resumed)),
		zap.Int("total", len(trades)))
	return nil
}

// Close stops the timers of every open trade
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.active {
		p.Stop()
	}
}

// HandleMessage routes an inbound protocol message to its trade. Messages
// for unknown trades are left unacknowledged so that the sender retries.
func (r *Registry) HandleMessage(sender string, env *delivery.Envelope) error {
	r.mu.RLock()
	p, ok := r.active[env.TradeID]
	_, isArchived := r.archived[env.TradeID]
	r.mu.RUnlock()

	switch {
	case ok:
		return p.HandleMessage(sender, env)
	case isArchived:
		r.logger.Debug("Message for closed trade",
			zap.String("tradeID", env.TradeID),
			zap.String("type", env.MessageType))
		return nil
	default:
		return types.NotFoundf("trade %s", env.TradeID)
	}
}

// AckSent forwards the acknowledgement hook to the trade
func (r *Registry) AckSent(sender string, env *delivery.Envelope) {
	r.mu.RLock()
	p, ok := r.active[env.TradeID]
	r.mu.RUnlock()
	if ok {
		p.AckSent(sender, env)
	}
}

// TradeUpdated keeps the phase gauges current, archives completed trades
// and fans the transition out to the registry listeners
func (r *Registry) TradeUpdated(trade types.Trade, previous types.Phase) {
	if trade.Phase != previous {
		r.metrics.TradePhaseChanged(previous.String(), trade.Phase.String())
	}
	if trade.Phase == types.PhaseCompleted {
		r.archive(trade)
	}

	r.listenersMutex.RLock()
	listeners := r.listeners
	r.listenersMutex.RUnlock()
	for _, l := range listeners {
		l.TradeUpdated(trade, previous)
	}
}

func (r *Registry) archive(trade types.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[trade.ID]; !ok {
		return
	}
	delete(r.active, trade.ID)
	r.archived[trade.ID] = trade
	r.logger.Info("Archived trade", zap.String("tradeID", trade.ID))
}

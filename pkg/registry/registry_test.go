package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/allanwsilva/bisq/pkg/delivery"
	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/protocol"
	"github.com/allanwsilva/bisq/pkg/registry"
	"github.com/allanwsilva/bisq/pkg/store"
	"github.com/allanwsilva/bisq/pkg/testutil"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/allanwsilva/bisq/pkg/wallet"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type nopOffers struct{}

func (nopOffers) Release(context.Context, string) error { return nil }
func (nopOffers) Close(context.Context, string) error   { return nil }

type phaseRecorder struct {
	mu     sync.Mutex
	phases []types.Phase
}

func (r *phaseRecorder) TradeUpdated(trade types.Trade, previous types.Phase) {
	if trade.Phase == previous {
		return
	}
	r.mu.Lock()
	r.phases = append(r.phases, trade.Phase)
	r.mu.Unlock()
}

func (r *phaseRecorder) seen() []types.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Phase(nil), r.phases...)
}

type node struct {
	coordinator *delivery.Coordinator
	registry    *registry.Registry
	repo        *store.MemoryStore
}

type env struct {
	ctx   context.Context
	net   *p2p.MemNetwork
	chain *wallet.Chain
}

func newEnv(t *testing.T) *env {
	ctx, cancel := context.WithCancel(context.Background())
	net := p2p.NewMemNetwork()
	t.Cleanup(func() {
		cancel()
		net.Close()
	})
	return &env{ctx: ctx, net: net, chain: wallet.NewChain()}
}

func (e *env) join(t *testing.T, id string, repo *store.MemoryStore) *node {
	logger := zaptest.NewLogger(t).Named(id)
	coordinator := delivery.New(e.net.Join(id), delivery.Config{
		AckTimeout:  20 * time.Millisecond,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		DedupTTL:    time.Minute,
	}, nil, logger)
	cfg := protocol.Config{
		MinConfirmations: 1,
		PollInterval:     5 * time.Millisecond,
		DepositTimeout:   time.Minute,
		WalletTimeout:    time.Second,
	}
	reg := registry.New(e.ctx, coordinator, cfg, registry.Dependencies{
		Wallet: wallet.NewSimulated(e.chain),
		Repo:   repo,
		Offers: nopOffers{},
	}, nil, logger)
	t.Cleanup(func() {
		reg.Close()
		coordinator.Close()
	})
	return &node{coordinator: coordinator, registry: reg, repo: repo}
}

func waitForPhase(t *testing.T, reg *registry.Registry, id string, phase types.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		trade, err := reg.Trade(id)
		return err == nil && trade.Phase == phase
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRegistryRoutesTrades(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	e := newEnv(t)
	maker := e.join(t, "maker", store.NewMemoryStore())
	taker := e.join(t, "taker", store.NewMemoryStore())
	recorder := &phaseRecorder{}
	taker.registry.AddListener(recorder)

	// maker buys BTC, the taker sells
	offer := testutil.MakeOffer(t, types.DirectionBuy, "USD", 300_000_000, "maker")
	makerTrade := types.NewTrade(*offer, true, "taker", offer.Amount, offer.Price, types.DefaultMinSecurityDeposit)
	takerTrade := types.NewTrade(*offer, false, "maker", offer.Amount, offer.Price, types.DefaultMinSecurityDeposit)

	buyer, err := maker.registry.Add(e.ctx, makerTrade)
	require.NoError(t, err)
	require.NoError(t, buyer.Start(e.ctx))
	_, err = maker.registry.Add(e.ctx, makerTrade)
	require.ErrorIs(t, err, types.ErrValidation)

	seller, err := taker.registry.Add(e.ctx, takerTrade)
	require.NoError(t, err)
	require.NoError(t, seller.Start(e.ctx))

	waitForPhase(t, maker.registry, offer.ID, types.PhaseDepositPublished)
	e.chain.Mine(1)
	waitForPhase(t, maker.registry, offer.ID, types.PhaseDepositConfirmed)
	waitForPhase(t, taker.registry, offer.ID, types.PhaseDepositConfirmed)

	require.NoError(t, buyer.ConfirmPaymentStarted(e.ctx))
	require.Eventually(t, func() bool {
		trade, err := taker.registry.Trade(offer.ID)
		return err == nil && trade.State == types.StateSellerSawArrivedPaymentStartedMsg
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, seller.ConfirmPaymentReceived(e.ctx))
	waitForPhase(t, maker.registry, offer.ID, types.PhasePayoutPublished)
	require.NoError(t, seller.Close(e.ctx))
	waitForPhase(t, taker.registry, offer.ID, types.PhaseCompleted)

	// closed trades are archived
	_, err = taker.registry.Get(offer.ID)
	require.ErrorIs(t, err, types.ErrPreconditionViolation)
	require.Len(t, taker.registry.List(registry.FilterClosed), 1)
	require.Empty(t, taker.registry.List(registry.FilterOpen))
	require.Len(t, maker.registry.List(registry.FilterOpen), 1)

	require.Eventually(t, func() bool {
		return len(recorder.seen()) == 5
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []types.Phase{
		types.PhaseDepositPublished,
		types.PhaseDepositConfirmed,
		types.PhasePaymentStarted,
		types.PhasePayoutPublished,
		types.PhaseCompleted,
	}, recorder.seen())

	_, err = maker.registry.Get("missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestMessagesForUnknownTradesAreNotAcknowledged(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	e := newEnv(t)
	e.join(t, "maker", store.NewMemoryStore())
	taker := e.join(t, "taker", store.NewMemoryStore())

	pending := taker.coordinator.Send("maker", "ghost", types.MsgTypeDepositTxPublished,
		&types.DepositTxPublished{TradeID: "ghost", DepositTxID: "tx"})
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	require.ErrorIs(t, pending.Wait(ctx), types.ErrDeliveryFailure)
}

func TestRestore(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	e := newEnv(t)
	repo := store.NewMemoryStore()

	openOffer := testutil.MakeOffer(t, types.DirectionSell, "EUR", 250_000_000, "maker")
	maker := e.join(t, "maker", store.NewMemoryStore())
	makerTrade := types.NewTrade(*openOffer, true, "taker", 10_000_000, 250_000_000, types.DefaultMinSecurityDeposit)
	p, err := maker.registry.Add(e.ctx, makerTrade)
	require.NoError(t, err)
	require.NoError(t, p.Start(e.ctx))

	open := types.NewTrade(*openOffer, false, "maker", 10_000_000, 250_000_000, types.DefaultMinSecurityDeposit)
	depositTxID, err := wallet.NewSimulated(e.chain).BuildAndBroadcastDepositTx(e.ctx, *open)
	require.NoError(t, err)
	open.DepositTxID = depositTxID
	open.Advance(types.PhaseDepositPublished, types.StateTakerPublishedDepositTx)
	require.NoError(t, repo.SaveTrade(e.ctx, *open))

	closed := types.NewTrade(*testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker"),
		false, "maker", 10_000_000, 250_000_000, types.DefaultMinSecurityDeposit)
	closed.Advance(types.PhasePayoutPublished, types.StateBuyerReceivedPayoutTxPublishedMsg)
	closed.PayoutTxID = "payout"
	require.True(t, closed.Complete())
	require.NoError(t, repo.SaveTrade(e.ctx, *closed))

	taker := e.join(t, "taker", repo)
	require.NoError(t, taker.registry.Restore(e.ctx))
	require.Len(t, taker.registry.List(registry.FilterAll), 2)
	require.Len(t, taker.registry.List(registry.FilterClosed), 1)

	e.chain.Mine(1)
	waitForPhase(t, taker.registry, open.ID, types.PhaseDepositConfirmed)

	stored, err := repo.GetTrade(e.ctx, open.ID)
	require.NoError(t, err)
	require.Equal(t, types.PhaseDepositConfirmed, stored.Phase)
}

func TestRestoreResendsUnacknowledgedDeposit(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	e := newEnv(t)
	maker := e.join(t, "maker", store.NewMemoryStore())

	offer := testutil.MakeOffer(t, types.DirectionSell, "EUR", 250_000_000, "maker")
	makerTrade := types.NewTrade(*offer, true, "taker", offer.Amount, offer.Price, types.DefaultMinSecurityDeposit)
	p, err := maker.registry.Add(e.ctx, makerTrade)
	require.NoError(t, err)
	require.NoError(t, p.Start(e.ctx))

	// the taker went down between broadcasting the deposit and telling the maker
	repo := store.NewMemoryStore()
	takerTrade := types.NewTrade(*offer, false, "maker", offer.Amount, offer.Price, types.DefaultMinSecurityDeposit)
	depositTxID, err := wallet.NewSimulated(e.chain).BuildAndBroadcastDepositTx(e.ctx, *takerTrade)
	require.NoError(t, err)
	takerTrade.DepositTxID = depositTxID
	takerTrade.Advance(types.PhaseDepositPublished, types.StateTakerPublishedDepositTx)
	require.NoError(t, repo.SaveTrade(e.ctx, *takerTrade))

	taker := e.join(t, "taker", repo)
	require.NoError(t, taker.registry.Restore(e.ctx))

	waitForPhase(t, maker.registry, offer.ID, types.PhaseDepositPublished)
	trade, err := maker.registry.Trade(offer.ID)
	require.NoError(t, err)
	require.Equal(t, depositTxID, trade.DepositTxID)

	e.chain.Mine(1)
	waitForPhase(t, maker.registry, offer.ID, types.PhaseDepositConfirmed)
	waitForPhase(t, taker.registry, offer.ID, types.PhaseDepositConfirmed)
}

func TestRestoreResendsUnacknowledgedPaymentStarted(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	e := newEnv(t)

	// the maker buys BTC and confirmed payment started before going down
	offer := testutil.MakeOffer(t, types.DirectionBuy, "USD", 300_000_000, "maker")
	makerRepo := store.NewMemoryStore()
	buyer := types.NewTrade(*offer, true, "taker", offer.Amount, offer.Price, types.DefaultMinSecurityDeposit)
	buyer.DepositTxID = "deposit"
	buyer.Advance(types.PhaseDepositConfirmed, types.StateDepositTxConfirmedInBlockchain)
	buyer.Advance(types.PhasePaymentStarted, types.StateBuyerConfirmedPaymentStarted)
	buyer.PaymentStartedMessageSent = true
	buyer.Advance(types.PhasePaymentStarted, types.StateBuyerSentPaymentStartedMsg)
	require.NoError(t, makerRepo.SaveTrade(e.ctx, *buyer))

	takerRepo := store.NewMemoryStore()
	seller := types.NewTrade(*offer, false, "maker", offer.Amount, offer.Price, types.DefaultMinSecurityDeposit)
	seller.DepositTxID = "deposit"
	seller.Advance(types.PhaseDepositConfirmed, types.StateDepositTxConfirmedInBlockchain)
	require.NoError(t, takerRepo.SaveTrade(e.ctx, *seller))

	taker := e.join(t, "taker", takerRepo)
	maker := e.join(t, "maker", makerRepo)
	require.NoError(t, taker.registry.Restore(e.ctx))
	require.NoError(t, maker.registry.Restore(e.ctx))

	require.Eventually(t, func() bool {
		trade, err := taker.registry.Trade(offer.ID)
		return err == nil && trade.State == types.StateSellerSawArrivedPaymentStartedMsg
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		trade, err := maker.registry.Trade(offer.ID)
		return err == nil && trade.PaymentStartedMessageAcked &&
			trade.State == types.StateBuyerSawArrivedPaymentStartedMsg
	}, 5*time.Second, 5*time.Millisecond)

	stored, err := makerRepo.GetTrade(e.ctx, offer.ID)
	require.NoError(t, err)
	require.True(t, stored.PaymentStartedMessageAcked)
}

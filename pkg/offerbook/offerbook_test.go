package offerbook_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allanwsilva/bisq/pkg/offerbook"
	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/testutil"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/fortytw2/leaktest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedPrices map[string]int64

func (p fixedPrices) MarketPrice(code string) (int64, bool) {
	price, ok := p[code]
	return price, ok
}

type countingListener struct {
	added   int32
	removed int32
}

func (l *countingListener) OfferAdded(types.Offer) { atomic.AddInt32(&l.added, 1) }
func (l *countingListener) OfferRemoved(string) { atomic.AddInt32(&l.removed, 1) }

func newBook(t *testing.T, ctx context.Context, transport p2p.Transport, prices offerbook.PriceProvider) *offerbook.OfferBook {
	return offerbook.New(ctx, transport, prices, offerbook.DefaultConfig(), nil, zaptest.NewLogger(t))
}

func waitForOffer(t *testing.T, ob *offerbook.OfferBook, offerID string) {
	require.Eventually(t, func() bool {
		_, err := ob.Get(offerID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func offerIDs(offers []types.Offer) []string {
	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ID)
	}
	return ids
}

func TestQuerySortsByPrice(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	maker := net.Join("maker")
	taker := net.Join("taker")
	makerBook := newBook(t, ctx, maker, nil)
	takerBook := newBook(t, ctx, taker, nil)

	tests := []struct {
		name      string
		direction types.Direction
		currency  string
		prices    []int64
		wantOrder []int
	}{
		{"fiat buy ascending", types.DirectionBuy, "EUR", []int64{300_000_000, 100_000_000, 200_000_000}, []int{1, 2, 0}},
		{"fiat sell descending", types.DirectionSell, "EUR", []int64{300_000_000, 100_000_000, 200_000_000}, []int{0, 2, 1}},
		{"altcoin buy descending", types.DirectionBuy, "XMR", []int64{500_000, 700_000, 600_000}, []int{1, 2, 0}},
		{"altcoin sell ascending", types.DirectionSell, "XMR", []int64{500_000, 700_000, 600_000}, []int{0, 2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]string, len(tt.prices))
			for i, price := range tt.prices {
				offer := testutil.MakeOffer(t, tt.direction, tt.currency, price, "maker")
				require.NoError(t, makerBook.Publish(ctx, offer))
				waitForOffer(t, takerBook, offer.ID)
				ids[i] = offer.ID
			}

			got, err := takerBook.Query(tt.direction, tt.currency)
			require.NoError(t, err)
			want := make([]string, len(tt.wantOrder))
			for i, idx := range tt.wantOrder {
				want[i] = ids[idx]
			}
			require.Equal(t, want, offerIDs(got))

			mine, err := makerBook.QueryMine(tt.direction, tt.currency)
			require.NoError(t, err)
			require.Equal(t, want, offerIDs(mine))

			// own offers never show up as takeable
			own, err := makerBook.Query(tt.direction, tt.currency)
			require.NoError(t, err)
			require.Empty(t, own)
		})
	}
}

func TestQueryMarketBasedOffers(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	key := testutil.MakeKey(t)

	makerBook := newBook(t, ctx, net.Join("maker"), nil)
	takerBook := newBook(t, ctx, net.Join("taker"), fixedPrices{"USD": 500_000_000})

	fixed := testutil.MakeOffer(t, types.DirectionBuy, "USD", 460_000_000, "maker")
	market := testutil.MakeOffer(t, types.DirectionBuy, "USD", 0, "maker")
	market.UseMarketBasedPrice = true
	market.MarketPriceMargin = decimal.RequireFromString("0.1")
	testutil.Sign(t, market, key)

	for _, offer := range []*types.Offer{fixed, market} {
		require.NoError(t, makerBook.Publish(ctx, offer))
		waitForOffer(t, takerBook, offer.ID)
	}

	// buying at 10% below a 50000 market is 45000, cheaper than the fixed one
	got, err := takerBook.Query(types.DirectionBuy, "USD")
	require.NoError(t, err)
	require.Equal(t, []string{market.ID, fixed.ID}, offerIDs(got))

	// without a market price the market based offer sorts last
	noPrice := newBook(t, ctx, net.Join("observer"), nil)
	require.NoError(t, noPrice.SyncWithPeers(ctx))
	waitForOffer(t, noPrice, market.ID)
	waitForOffer(t, noPrice, fixed.ID)
	got, err = noPrice.Query(types.DirectionBuy, "USD")
	require.NoError(t, err)
	require.Equal(t, []string{fixed.ID, market.ID}, offerIDs(got))
}

func TestQueryRejectsUnknownCurrency(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	ob := newBook(t, ctx, net.Join("node"), nil)

	_, err := ob.Query(types.DirectionBuy, "NOPE")
	require.ErrorIs(t, err, types.ErrUnsupportedCurrency)
}

func TestReserveForTakingIsExclusive(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	makerBook := newBook(t, ctx, net.Join("maker"), nil)
	takerBook := newBook(t, ctx, net.Join("taker"), nil)

	offer := testutil.MakeOffer(t, types.DirectionSell, "EUR", 250_000_000, "maker")
	require.NoError(t, makerBook.Publish(ctx, offer))
	waitForOffer(t, takerBook, offer.ID)

	const takers = 32
	var (
		wg       sync.WaitGroup
		won      int32
		reserved int32
	)
	start := make(chan struct{})
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := takerBook.ReserveForTaking(offer.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&won, 1)
			case assert.ErrorIs(t, err, types.ErrAlreadyReserved):
				atomic.AddInt32(&reserved, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), won)
	require.Equal(t, int32(takers-1), reserved)

	got, err := takerBook.Query(types.DirectionSell, "EUR")
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, takerBook.Release(offer.ID))
	got, err = takerBook.Query(types.DirectionSell, "EUR")
	require.NoError(t, err)
	require.Equal(t, []string{offer.ID}, offerIDs(got))

	_, err = takerBook.ReserveForTaking("missing")
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = makerBook.ReserveForTaking(offer.ID)
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestRemoveIsGossiped(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	makerBook := newBook(t, ctx, net.Join("maker"), nil)
	takerBook := newBook(t, ctx, net.Join("taker"), nil)
	listener := &countingListener{}
	takerBook.AddListener(listener)

	offer := testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker")
	require.NoError(t, makerBook.Publish(ctx, offer))
	waitForOffer(t, takerBook, offer.ID)

	require.NoError(t, makerBook.Remove(ctx, offer.ID, true))
	require.Eventually(t, func() bool {
		_, err := takerBook.Get(offer.ID)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&listener.removed) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&listener.added))

	_, err := makerBook.Get(offer.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
	require.ErrorIs(t, makerBook.Remove(ctx, offer.ID, true), types.ErrNotFound)
}

func TestReserveRemovedOffer(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	makerBook := newBook(t, ctx, net.Join("maker"), nil)
	takerBook := newBook(t, ctx, net.Join("taker"), nil)

	offer := testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker")
	require.NoError(t, makerBook.Publish(ctx, offer))
	waitForOffer(t, takerBook, offer.ID)

	// the maker gave the offer to another taker
	require.NoError(t, makerBook.Remove(ctx, offer.ID, true))
	require.Eventually(t, func() bool {
		_, err := takerBook.Get(offer.ID)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err := takerBook.ReserveForTaking(offer.ID)
	require.ErrorIs(t, err, types.ErrAlreadyReserved)
	_, err = takerBook.ReserveForTaking("missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRemoteRemoveOnlyFromMaker(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	makerBook := newBook(t, ctx, net.Join("maker"), nil)
	takerBook := newBook(t, ctx, net.Join("taker"), nil)
	mallory := net.Join("mallory")

	offer := testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker")
	require.NoError(t, makerBook.Publish(ctx, offer))
	waitForOffer(t, takerBook, offer.ID)

	require.NoError(t, mallory.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeRemoveOffer,
		map[string]interface{}{"offer_id": offer.ID, "version": 1}))
	time.Sleep(50 * time.Millisecond)

	_, err := takerBook.Get(offer.ID)
	require.NoError(t, err)
	_, err = makerBook.Get(offer.ID)
	require.NoError(t, err)
}

func TestGossipRejectsBadOffers(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	maker := net.Join("maker")
	takerBook := newBook(t, ctx, net.Join("taker"), nil)

	tampered := testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker")
	tampered.Price = 1

	relayed := testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "someone-else")

	valid := testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker")

	for _, offer := range []*types.Offer{tampered, relayed, valid} {
		require.NoError(t, maker.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeAddOffer, offer))
	}
	waitForOffer(t, takerBook, valid.ID)

	_, err := takerBook.Get(tampered.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = takerBook.Get(relayed.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestVersionsSupersede(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	maker := net.Join("maker")
	takerBook := newBook(t, ctx, net.Join("taker"), nil)
	key := testutil.MakeKey(t)

	offer := testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker")
	testutil.Sign(t, offer, key)
	require.NoError(t, maker.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeAddOffer, offer))
	waitForOffer(t, takerBook, offer.ID)

	edited := *offer
	edited.Version = 2
	edited.Price = 260_000_000
	testutil.Sign(t, &edited, key)
	require.NoError(t, maker.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeAddOffer, &edited))
	require.Eventually(t, func() bool {
		got, err := takerBook.Get(offer.ID)
		return err == nil && got.Version == 2
	}, 2*time.Second, 5*time.Millisecond)

	// stale version is ignored
	require.NoError(t, maker.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeAddOffer, offer))
	// changed amount is an immutable term
	changed := edited
	changed.Version = 3
	changed.Amount = 20_000_000
	changed.MinAmount = 20_000_000
	testutil.Sign(t, &changed, key)
	require.NoError(t, maker.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeAddOffer, &changed))

	time.Sleep(50 * time.Millisecond)
	got, err := takerBook.Get(offer.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)
	require.Equal(t, int64(260_000_000), got.Price)

	// a removed version cannot come back
	require.NoError(t, maker.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeRemoveOffer,
		map[string]interface{}{"offer_id": offer.ID, "version": 2}))
	require.Eventually(t, func() bool {
		_, err := takerBook.Get(offer.ID)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, maker.Broadcast(ctx, p2p.OfferBookTopic, offerbook.MsgTypeAddOffer, &edited))
	time.Sleep(50 * time.Millisecond)
	_, err = takerBook.Get(offer.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestSyncWithPeers(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := p2p.NewMemNetwork()
	defer net.Close()
	makerBook := newBook(t, ctx, net.Join("maker"), nil)

	offers := []*types.Offer{
		testutil.MakeOffer(t, types.DirectionBuy, "EUR", 250_000_000, "maker"),
		testutil.MakeOffer(t, types.DirectionSell, "USD", 270_000_000, "maker"),
	}
	for _, offer := range offers {
		require.NoError(t, makerBook.Publish(ctx, offer))
	}

	// joins after the offers were gossiped
	late := newBook(t, ctx, net.Join("late"), nil)
	require.NoError(t, late.SyncWithPeers(ctx))
	for _, offer := range offers {
		waitForOffer(t, late, offer.ID)
	}
	require.Equal(t, 2, late.Stats()["offers"])
	require.Equal(t, 2, makerBook.Stats()["own"])

	lonely := newBook(t, ctx, p2p.NewMemNetwork().Join("alone"), nil)
	require.Error(t, lonely.SyncWithPeers(ctx))
}

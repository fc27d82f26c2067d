package p2p_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	N int `json:"n"`
}

func TestMemNetworkBroadcast(t *testing.T) {
	defer leaktest.Check(t)()

	net := p2p.NewMemNetwork(p2p.WithMaxDelay(5 * time.Millisecond))
	defer net.Close()

	alice := net.Join("alice")
	bob := net.Join("bob")
	carol := net.Join("carol")

	var received sync.Map
	var selfDelivered int32
	for _, tr := range []*p2p.MemTransport{bob, carol} {
		tr := tr
		tr.RegisterHandler("ping", func(sender string, msg *types.P2PMessage) error {
			var p ping
			assert.NoError(t, msg.Decode(&p))
			assert.Equal(t, "alice", sender)
			received.Store(tr.NodeID(), p.N)
			return nil
		})
	}
	alice.RegisterHandler("ping", func(string, *types.P2PMessage) error {
		atomic.AddInt32(&selfDelivered, 1)
		return nil
	})

	require.ElementsMatch(t, []string{"bob", "carol"}, alice.Peers())
	require.NoError(t, alice.Broadcast(context.Background(), p2p.OfferBookTopic, "ping", ping{N: 7}))

	require.Eventually(t, func() bool {
		_, b := received.Load("bob")
		_, c := received.Load("carol")
		return b && c
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&selfDelivered))
}

func TestMemNetworkStoreAndForward(t *testing.T) {
	defer leaktest.Check(t)()

	net := p2p.NewMemNetwork()
	defer net.Close()

	alice := net.Join("alice")
	bob := net.Join("bob")

	var count int32
	bob.RegisterHandler("ping", func(string, *types.P2PMessage) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	net.SetOnline("bob", false)
	require.NoError(t, alice.SendDirect(context.Background(), "bob", "ping", ping{N: 1}))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&count))

	net.SetOnline("bob", true)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemNetworkOfflineWithoutStoreAndForward(t *testing.T) {
	net := p2p.NewMemNetwork(p2p.WithStoreAndForward(false))
	defer net.Close()

	alice := net.Join("alice")
	net.Join("bob")

	net.SetOnline("bob", false)
	err := alice.SendDirect(context.Background(), "bob", "ping", ping{})
	require.ErrorIs(t, err, p2p.ErrPeerUnreachable)

	err = alice.SendDirect(context.Background(), "nobody", "ping", ping{})
	require.ErrorIs(t, err, p2p.ErrPeerUnreachable)
}

func TestMemNetworkDuplicates(t *testing.T) {
	defer leaktest.Check(t)()

	net := p2p.NewMemNetwork(p2p.WithDuplicates(1), p2p.WithSeed(1))
	defer net.Close()

	alice := net.Join("alice")
	bob := net.Join("bob")

	var count int32
	bob.RegisterHandler("ping", func(string, *types.P2PMessage) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	require.NoError(t, alice.SendDirect(context.Background(), "bob", "ping", ping{}))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 2
	}, time.Second, 5*time.Millisecond)
}

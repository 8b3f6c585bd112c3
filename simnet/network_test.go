// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package simnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/txrelay/mempool"
	"github.com/btcsuite/txrelay/node"
	"github.com/btcsuite/txrelay/rebroadcast"
	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/require"
)

// testDesc returns a transaction descriptor without parents.
func testDesc(i int, fee btcutil.Amount) *mempool.TxDesc {
	return &mempool.TxDesc{
		Hash: chainhash.DoubleHashH([]byte(fmt.Sprintf("tx%d", i))),
		Fee:  fee,
		Size: 250,
	}
}

// poolHashes returns the hashes in the node's mempool in ascending order.
func poolHashes(n *node.Node) []chainhash.Hash {
	records := n.Pool().TxRecords()
	hashes := make([]chainhash.Hash, 0, len(records))
	for _, r := range records {
		hashes = append(hashes, r.Hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return hashes
}

// newTestNetwork returns a network of the named nodes sharing a mock clock.
func newTestNetwork(t *testing.T, names ...string) (*Network, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Unix(1600000000, 0))
	net := New()
	for _, name := range names {
		cfg := node.DefaultConfig()
		cfg.Rebroadcast.Clock = clk
		_, err := net.AddNode(name, cfg)
		require.NoError(t, err)
	}
	return net, clk
}

// tickAll runs a rebroadcast tick on every node and delivers the resulting
// announcements once their trickle delay passed.
func tickAll(t *testing.T, net *Network, clk *clock.Mock) {
	t.Helper()

	for _, n := range net.Nodes() {
		require.NoError(t, n.Tick(context.Background()))
	}
	clk.Add(rebroadcast.DefaultTrickleInterval)
	net.Flush()
}

// TestNetworkTopology ensures links are created and torn down on both sides.
func TestNetworkTopology(t *testing.T) {
	t.Parallel()

	net, _ := newTestNetwork(t, "alpha", "beta")
	_, err := net.AddNode("alpha", node.DefaultConfig())
	require.True(t, errors.Is(err, ErrDuplicateNode))

	require.True(t, errors.Is(net.Connect("alpha", "gamma"), ErrUnknownNode))
	require.True(t, errors.Is(net.Connect("alpha", "alpha"), ErrUnknownNode))
	require.NoError(t, net.Connect("alpha", "beta"))
	require.True(t, errors.Is(net.Connect("beta", "alpha"),
		ErrAlreadyConnected))
	require.True(t, net.Connected("beta", "alpha"))

	alphaID, ok := net.PeerID("alpha", "beta")
	require.True(t, ok)
	betaID, ok := net.PeerID("beta", "alpha")
	require.True(t, ok)
	require.NotEqual(t, alphaID, betaID)
	require.True(t, net.Node("alpha").Relay().IsConnected(alphaID))
	require.True(t, net.Node("beta").Relay().IsConnected(betaID))

	require.NoError(t, net.Disconnect("beta", "alpha"))
	require.False(t, net.Connected("alpha", "beta"))
	require.False(t, net.Node("alpha").Relay().IsConnected(alphaID))
	require.False(t, net.Node("beta").Relay().IsConnected(betaID))
	require.True(t, errors.Is(net.Disconnect("alpha", "beta"),
		ErrNotConnected))

	// Reconnecting uses fresh ids.
	require.NoError(t, net.Connect("alpha", "beta"))
	newID, _ := net.PeerID("alpha", "beta")
	require.NotEqual(t, alphaID, newID)
}

// TestNetworkRelay ensures a submitted transaction reaches a peer and is
// acknowledged by its request.
func TestNetworkRelay(t *testing.T) {
	t.Parallel()

	net, clk := newTestNetwork(t, "alpha", "beta", "gamma")
	require.NoError(t, net.Connect("alpha", "beta"))
	require.NoError(t, net.Connect("beta", "gamma"))

	alpha := net.Node("alpha")
	desc := testDesc(0, 1000)
	require.NoError(t, alpha.SubmitTransaction(desc))

	// Alpha to beta, then beta to gamma one trickle later.
	clk.Add(rebroadcast.DefaultTrickleInterval)
	require.Equal(t, 1, net.Flush())
	require.True(t, net.Node("beta").Pool().HaveTransaction(&desc.Hash))
	require.False(t, alpha.Unbroadcast().Contains(&desc.Hash))

	clk.Add(rebroadcast.DefaultTrickleInterval)
	require.Equal(t, 1, net.Flush())
	require.True(t, net.Node("gamma").Pool().HaveTransaction(&desc.Hash))

	// Nothing is echoed back.
	clk.Add(rebroadcast.DefaultTrickleInterval)
	require.Zero(t, net.Flush())
	require.Equal(t, Stats{Invs: 2, Requests: 2, Transactions: 2},
		net.Stats())
}

// TestNetworkConvergeAfterReconnect shares three transactions between two
// nodes, adds three more to one of them while they are disconnected, and
// ensures both end up with all six once they reconnect and a rebroadcast
// interval elapses.
func TestNetworkConvergeAfterReconnect(t *testing.T) {
	t.Parallel()

	net, clk := newTestNetwork(t, "alpha", "beta")
	alpha, beta := net.Node("alpha"), net.Node("beta")
	require.NoError(t, net.Connect("alpha", "beta"))

	for i := 0; i < 3; i++ {
		require.NoError(t, alpha.SubmitTransaction(testDesc(i, 1000)))
	}
	clk.Add(rebroadcast.DefaultTrickleInterval)
	net.Flush()
	require.Len(t, poolHashes(beta), 3)

	require.NoError(t, net.Disconnect("alpha", "beta"))
	for i := 3; i < 6; i++ {
		require.NoError(t, beta.SubmitTransaction(testDesc(i, 1000)))
	}
	require.Equal(t, 3, beta.Unbroadcast().Count())
	require.Len(t, poolHashes(alpha), 3)

	require.NoError(t, net.Connect("alpha", "beta"))

	// Connecting alone announces nothing.
	clk.Add(rebroadcast.DefaultTrickleInterval)
	require.Zero(t, net.Flush())
	require.Len(t, poolHashes(alpha), 3)

	clk.Add(rebroadcast.DefaultInterval)
	tickAll(t, net, clk)

	require.Len(t, poolHashes(alpha), 6)
	require.Equal(t, poolHashes(alpha), poolHashes(beta))
	require.False(t, beta.Unbroadcast().ContainsAny())
}

// TestNetworkDroppedAnnouncement ensures a transaction whose announcement was
// lost reaches the peer after the connection is re-established.
func TestNetworkDroppedAnnouncement(t *testing.T) {
	t.Parallel()

	net, clk := newTestNetwork(t, "alpha", "beta")
	alpha, beta := net.Node("alpha"), net.Node("beta")
	require.NoError(t, net.Connect("alpha", "beta"))
	require.NoError(t, net.DropNext("alpha", "beta", 1))

	desc := testDesc(0, 1)
	require.NoError(t, alpha.SubmitTransaction(desc))
	clk.Add(rebroadcast.DefaultTrickleInterval)
	require.Zero(t, net.Flush())
	require.Equal(t, uint64(1), net.Stats().Dropped)
	require.False(t, beta.Pool().HaveTransaction(&desc.Hash))

	// The same connection is never announced the transaction again.
	clk.Add(rebroadcast.DefaultUnbroadcastInterval)
	tickAll(t, net, clk)
	require.False(t, beta.Pool().HaveTransaction(&desc.Hash))

	require.NoError(t, net.Disconnect("alpha", "beta"))
	require.NoError(t, net.Connect("alpha", "beta"))
	require.NoError(t, alpha.Scheduler().TickUnbroadcast(
		context.Background(), clk.Now()))
	clk.Add(rebroadcast.DefaultTrickleInterval)
	require.Equal(t, 1, net.Flush())
	require.True(t, beta.Pool().HaveTransaction(&desc.Hash))
	require.False(t, alpha.Unbroadcast().ContainsAny())
}

// TestNetworkMinedNotRelayed ensures a transaction mined on one node is not
// announced to a peer that connects afterward.
func TestNetworkMinedNotRelayed(t *testing.T) {
	t.Parallel()

	net, clk := newTestNetwork(t, "alpha", "beta")
	alpha, beta := net.Node("alpha"), net.Node("beta")

	desc := testDesc(0, 1000)
	require.NoError(t, alpha.SubmitTransaction(desc))
	alpha.BlockConnected([]chainhash.Hash{desc.Hash})

	require.NoError(t, net.Connect("alpha", "beta"))
	clk.Add(rebroadcast.DefaultInterval)
	tickAll(t, net, clk)
	require.Zero(t, beta.Pool().Count())
	require.Zero(t, net.Stats().Invs)
}

// TestNetworkMinedNotReacquired ensures a node that saw a transaction mined
// does not fetch it back from a peer that has not, and so never relays it to
// a peer that connects afterward.
func TestNetworkMinedNotReacquired(t *testing.T) {
	t.Parallel()

	net, clk := newTestNetwork(t, "alpha", "beta", "gamma")
	alpha, beta := net.Node("alpha"), net.Node("beta")
	gamma := net.Node("gamma")
	require.NoError(t, net.Connect("alpha", "beta"))

	desc := testDesc(0, 1000)
	require.NoError(t, alpha.SubmitTransaction(desc))
	clk.Add(rebroadcast.DefaultTrickleInterval)
	require.Equal(t, 1, net.Flush())
	require.True(t, beta.Pool().HaveTransaction(&desc.Hash))

	// Only alpha learns about the block.
	alpha.BlockConnected([]chainhash.Hash{desc.Hash})
	require.False(t, alpha.Pool().HaveTransaction(&desc.Hash))

	// Beta announces it again on the fresh connection but alpha does not
	// request it.
	require.NoError(t, net.Disconnect("alpha", "beta"))
	require.NoError(t, net.Connect("alpha", "beta"))
	clk.Add(rebroadcast.DefaultInterval)
	tickAll(t, net, clk)
	require.False(t, alpha.Pool().HaveTransaction(&desc.Hash))
	require.Equal(t, uint64(2), net.Stats().Invs)
	require.Equal(t, uint64(1), net.Stats().Requests)

	// A peer connecting to alpha later never hears about it.
	require.NoError(t, net.Connect("alpha", "gamma"))
	clk.Add(rebroadcast.DefaultInterval)
	require.NoError(t, alpha.Tick(context.Background()))
	clk.Add(rebroadcast.DefaultTrickleInterval)
	net.Flush()
	require.Zero(t, gamma.Pool().Count())
	require.False(t, alpha.Pool().HaveTransaction(&desc.Hash))
}

// TestNetworkRunning lets started nodes converge on their own tickers.
func TestNetworkRunning(t *testing.T) {
	t.Parallel()

	net, clk := newTestNetwork(t, "alpha", "beta", "gamma")
	require.NoError(t, net.Connect("alpha", "beta"))
	require.NoError(t, net.Connect("beta", "gamma"))

	for i, n := range net.Nodes() {
		require.NoError(t, n.SubmitTransaction(testDesc(i, 1000)))
		n.Start()
		defer n.Stop()
	}

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		for _, n := range net.Nodes() {
			if n.Pool().Count() != 3 {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)
}

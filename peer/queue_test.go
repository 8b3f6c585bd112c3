// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/require"
)

// sentInv is an announcement captured by recordingAnnouncer.
type sentInv struct {
	id     ID
	hashes []chainhash.Hash
}

// recordingAnnouncer records every announcement and fails for the peers in
// fail.
type recordingAnnouncer struct {
	mtx  sync.Mutex
	sent []sentInv
	fail map[ID]bool
}

func (a *recordingAnnouncer) Announce(id ID, msg *wire.MsgInv) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.fail[id] {
		return errors.New("connection closed")
	}
	hashes := make([]chainhash.Hash, 0, len(msg.InvList))
	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeTx {
			return errors.New("unexpected inventory type")
		}
		hashes = append(hashes, iv.Hash)
	}
	a.sent = append(a.sent, sentInv{id: id, hashes: hashes})
	return nil
}

func (a *recordingAnnouncer) messages() []sentInv {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return append([]sentInv(nil), a.sent...)
}

// TestAnnounceQueueTrickle ensures batches leave exactly at their deadline and
// that later hashes join the batch without moving the deadline.
func TestAnnounceQueueTrickle(t *testing.T) {
	t.Parallel()

	hashes := testHashes(4)
	announcer := &recordingAnnouncer{}
	q := NewAnnounceQueue(QueueConfig{TrickleInterval: 5 * time.Second},
		announcer)
	q.AddPeer(1)

	start := time.Unix(1600000000, 0)
	require.True(t, q.Queue(1, hashes[:2], start))
	require.True(t, q.Queue(1, hashes[2:], start.Add(4*time.Second)))
	require.Equal(t, 4, q.Pending(1))

	due, ok := q.NextDue()
	require.True(t, ok)
	require.Equal(t, start.Add(5*time.Second), due)

	require.Zero(t, q.FlushDue(start.Add(5*time.Second-time.Nanosecond)))
	require.Empty(t, announcer.messages())

	require.Equal(t, 4, q.FlushDue(start.Add(5*time.Second)))
	require.Equal(t, []sentInv{{id: 1, hashes: hashes}}, announcer.messages())
	require.Zero(t, q.Pending(1))

	_, ok = q.NextDue()
	require.False(t, ok)

	// Queuing nothing is fine and does not start a batch.
	require.True(t, q.Queue(1, nil, start))
	require.Zero(t, q.Pending(1))
}

// TestAnnounceQueueSplit ensures large batches are split according to the
// per-message limit.
func TestAnnounceQueueSplit(t *testing.T) {
	t.Parallel()

	hashes := testHashes(5)
	announcer := &recordingAnnouncer{}
	q := NewAnnounceQueue(QueueConfig{MaxInvPerMsg: 2}, announcer)
	q.AddPeer(3)

	now := time.Unix(1600000000, 0)
	q.Queue(3, hashes, now)
	require.Equal(t, 5, q.FlushDue(now))
	require.Equal(t, []sentInv{
		{id: 3, hashes: hashes[:2]},
		{id: 3, hashes: hashes[2:4]},
		{id: 3, hashes: hashes[4:]},
	}, announcer.messages())
}

// TestAnnounceQueueFailures ensures a failed send is swallowed for that peer
// only and never retried.
func TestAnnounceQueueFailures(t *testing.T) {
	t.Parallel()

	hashes := testHashes(2)
	announcer := &recordingAnnouncer{fail: map[ID]bool{1: true}}
	q := NewAnnounceQueue(QueueConfig{}, announcer)
	q.AddPeer(1)
	q.AddPeer(2)

	now := time.Unix(1600000000, 0)
	q.Queue(1, hashes, now)
	q.Queue(2, hashes, now)
	require.Equal(t, 2, q.FlushDue(now))
	require.Equal(t, []sentInv{{id: 2, hashes: hashes}}, announcer.messages())

	// Nothing is left to retry for the failed peer.
	require.Zero(t, q.Pending(1))
	require.Zero(t, q.FlushDue(now.Add(time.Hour)))
}

// TestAnnounceQueueUnknownPeer ensures removed or unknown peers are ignored
// and that pending announcements are dropped on removal.
func TestAnnounceQueueUnknownPeer(t *testing.T) {
	t.Parallel()

	hashes := testHashes(2)
	announcer := &recordingAnnouncer{}
	q := NewAnnounceQueue(QueueConfig{TrickleInterval: time.Second}, announcer)

	now := time.Unix(1600000000, 0)
	require.False(t, q.Queue(1, hashes, now))

	q.AddPeer(1)
	require.True(t, q.Queue(1, hashes, now))
	q.RemovePeer(1)
	require.Zero(t, q.FlushDue(now.Add(time.Hour)))
	require.Empty(t, announcer.messages())
	require.Zero(t, q.Pending(1))
}

// TestAnnounceQueueRun ensures the queue handler flushes on the ticks of the
// injected clock.
func TestAnnounceQueueRun(t *testing.T) {
	t.Parallel()

	hashes := testHashes(3)
	announcer := &recordingAnnouncer{}
	q := NewAnnounceQueue(QueueConfig{TrickleInterval: 5 * time.Second},
		announcer)
	q.AddPeer(1)

	clk := clock.NewMock()
	q.Queue(1, hashes, clk.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, clk)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clk.Add(5 * time.Second)
		return len(announcer.messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, hashes, announcer.messages()[0].hashes)

	cancel()
	<-done
}

// TestAnnounceQueueForgetTransaction ensures a forgotten transaction is
// removed from every pending batch.
func TestAnnounceQueueForgetTransaction(t *testing.T) {
	t.Parallel()

	hashes := testHashes(3)
	announcer := &recordingAnnouncer{}
	q := NewAnnounceQueue(QueueConfig{TrickleInterval: time.Second},
		announcer)
	q.AddPeer(1)
	q.AddPeer(2)

	now := time.Unix(1600000000, 0)
	q.Queue(1, hashes, now)
	q.Queue(2, hashes[1:2], now)
	q.ForgetTransaction(&hashes[1])
	require.Equal(t, 2, q.Pending(1))
	require.Zero(t, q.Pending(2))

	// A batch emptied by forgetting has no deadline left.
	require.Equal(t, 2, q.FlushDue(now.Add(time.Second)))
	require.Equal(t, []sentInv{
		{id: 1, hashes: []chainhash.Hash{hashes[0], hashes[2]}},
	}, announcer.messages())
}
